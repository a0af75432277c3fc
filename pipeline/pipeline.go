// Package pipeline defines the contract between the datapath core and
// the flow-table/chain machinery spec.md §1 scopes out as an external
// collaborator ("the per-table flow match/insert/delete machinery" and
// "the flow-table pipeline container and its aging/timeout sweeper").
// It also ships a reference in-memory implementation so the core is
// exercisable end-to-end in tests.
package pipeline

import (
	"context"
	"net"
	"time"
)

// Action is one step of a flow's action list. The forwarding engine
// (package forwarding) interprets ActionOutput; every other action
// kind is opaque to the core and simply carried along for statistics
// and flow-removed notifications.
type Action struct {
	// Kind distinguishes the action; only ActionOutput is interpreted
	// by this core, matching spec.md's scoping of match/action
	// semantics beyond output to the flow-table machinery.
	Kind   ActionKind
	Port   uint16 // valid when Kind == ActionOutput
	MaxLen uint16 // valid when Kind == ActionOutput and Port == CONTROLLER
}

// ActionKind enumerates the action kinds a Flow can carry.
type ActionKind uint8

// Action kinds.
const (
	ActionOutput ActionKind = iota
	ActionOther
)

// Match is a flow's match key: OpenFlow 1.0's wildcards field plus the
// 12-tuple of L2/L3/L4 fields, each as a named field. The reference
// MemChain consults only InPort and DataLinkType when matching packets
// and selecting flows.
type Match struct {
	Wildcards   uint32
	InPort      uint16
	DataLinkSrc net.HardwareAddr
	DataLinkDst net.HardwareAddr
	DataLinkVLAN uint16
	DataLinkType uint16
	NetworkSrc   net.IP
	NetworkDst   net.IP
	NetworkProto uint8
	NetworkTOS   uint8
	TransportSrc uint16
	TransportDst uint16
}

// A Flow is a match + action list + counters, installed in one table
// of a Pipeline. It is consumed, not defined, by the core per spec.md
// §3 "Flow (consumed, not defined here)".
type Flow struct {
	Table     uint8
	Priority  uint16
	Match     Match
	Actions   []Action
	Created   time.Time
	IdleTimeout uint16
	HardTimeout uint16
	Emergency bool
	NotifyRemoval bool

	Packets uint64
	Bytes   uint64
}

// RemovedReason is why a flow left a table.
type RemovedReason uint8

// RemovedReason values, matching ofp10's OFPRR_* constants.
const (
	RemovedIdleTimeout RemovedReason = iota
	RemovedHardTimeout
	RemovedDelete
)

// RemovedEvent is delivered to a Pipeline's removal callback whenever a
// flow leaves a table for any reason, so the caller can emit
// FLOW_REMOVED per §4.9 (skipping emergency flows and flows with
// NotifyRemoval == false, which is the caller's responsibility, not
// the Pipeline's).
type RemovedEvent struct {
	Flow     Flow
	Reason   RemovedReason
	Duration time.Duration
}

// Selector narrows a stats/lookup operation to a subset of flows, per
// §4.8's per-flow and aggregate dumpers.
type Selector struct {
	// Table is a table index, ofp10.TableAll, or ofp10.TableEmergency.
	Table    uint8
	Match    Match
	OutPort  uint16 // ofp10.PortNone means "no filter"
}

// Pipeline is the ordered collection of flow tables a packet traverses,
// consumed by the forwarding engine and the statistics engine. It is
// the core's entire contract with the flow-table machinery that
// spec.md §1 scopes out.
type Pipeline interface {
	// Lookup returns the highest-priority Flow matching pkt arriving on
	// inPort, incrementing its counters, or ok == false on a table
	// miss.
	Lookup(ctx context.Context, inPort uint16, pkt []byte) (flow Flow, ok bool)

	// Insert adds or replaces a flow per OFPT_FLOW_MOD semantics.
	Insert(f Flow) error

	// Delete removes every flow matching sel, invoking onRemoved for
	// each (with reason RemovedDelete) before it is gone.
	Delete(sel Selector, onRemoved func(RemovedEvent)) error

	// ExpireTimeouts sweeps every table for flows whose idle or hard
	// timeout has elapsed, invoking onRemoved for each. It is the
	// method the maintenance worker (§4.10) calls once per tick.
	ExpireTimeouts(onRemoved func(RemovedEvent))

	// Tables reports the number of flow tables in the pipeline, used
	// by the per-table statistics dumper (§4.8).
	Tables() int

	// Dump invokes fn once per Flow matching sel, in table order then
	// priority order within a table, for the per-flow and aggregate
	// stats dumpers. It must tolerate fn returning false to stop early
	// (used for resumable dumps).
	Dump(sel Selector, start Cursor, fn func(Flow, Cursor) bool)
}

// Cursor is opaque iteration state a Pipeline hands back from Dump so a
// caller can resume a multi-fragment dump exactly where it left off,
// matching §4.8's "(table_idx, in-table position)" resumption contract.
type Cursor struct {
	Table    int
	Position int
}
