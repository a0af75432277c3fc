package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemChain is a reference, in-memory Pipeline. It exists so the
// datapath core has something real to drive in tests; spec.md scopes
// the actual match/insert/delete machinery out of the core, but the
// core's contract with it (Pipeline) must still be exercised.
type MemChain struct {
	mu     sync.Mutex
	tables [][]*Flow
	now    func() time.Time
}

// NewMemChain returns a chain with n tables, numbered [0, n).
func NewMemChain(n int) *MemChain {
	return &MemChain{
		tables: make([][]*Flow, n),
		now:    time.Now,
	}
}

// Tables implements Pipeline.
func (c *MemChain) Tables() int { return len(c.tables) }

// Lookup implements Pipeline with a linear highest-priority-wins scan
// of every table in order, matching OpenFlow 1.0's defined table-miss
// fallthrough behavior for a single-table pipeline and the common case
// of a multi-table chain consulted top to bottom.
func (c *MemChain) Lookup(_ context.Context, inPort uint16, pkt []byte) (Flow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, table := range c.tables {
		for _, f := range table {
			if !matches(f.Match, inPort, pkt) {
				continue
			}
			f.Packets++
			f.Bytes += uint64(len(pkt))
			return *f, true
		}
	}
	return Flow{}, false
}

// Insert implements Pipeline. A later Insert whose Match agrees on
// wildcards, in_port, dl_type, nw_proto, tp_src and tp_dst (the only
// fields sameMatch compares) replaces the prior flow's actions/timeouts
// but not its counters,
// matching OFPT_FLOW_MOD's default (non-strict) modify behavior.
func (c *MemChain) Insert(f Flow) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(f.Table) >= len(c.tables) {
		return nil
	}
	if f.Created.IsZero() {
		f.Created = c.now()
	}

	table := c.tables[f.Table]
	for i, existing := range table {
		if sameMatch(existing.Match, f.Match) {
			f.Packets, f.Bytes = existing.Packets, existing.Bytes
			table[i] = &f
			c.sortTable(f.Table)
			return nil
		}
	}

	c.tables[f.Table] = append(table, &f)
	c.sortTable(f.Table)
	return nil
}

// Delete implements Pipeline.
func (c *MemChain) Delete(sel Selector, onRemoved func(RemovedEvent)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for t, table := range c.tables {
		if !selTable(sel, uint8(t)) {
			continue
		}
		kept := table[:0]
		for _, f := range table {
			if selMatches(sel, f) {
				if onRemoved != nil {
					onRemoved(RemovedEvent{
						Flow:     *f,
						Reason:   RemovedDelete,
						Duration: c.now().Sub(f.Created),
					})
				}
				continue
			}
			kept = append(kept, f)
		}
		c.tables[t] = kept
	}
	return nil
}

// ExpireTimeouts implements Pipeline.
func (c *MemChain) ExpireTimeouts(onRemoved func(RemovedEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for t, table := range c.tables {
		kept := table[:0]
		for _, f := range table {
			reason, expired := expiry(f, now)
			if expired {
				if onRemoved != nil {
					onRemoved(RemovedEvent{
						Flow:     *f,
						Reason:   reason,
						Duration: now.Sub(f.Created),
					})
				}
				continue
			}
			kept = append(kept, f)
		}
		c.tables[t] = kept
	}
}

// Dump implements Pipeline, resuming from start and reporting the
// cursor to continue from after each emitted flow.
func (c *MemChain) Dump(sel Selector, start Cursor, fn func(Flow, Cursor) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for t := start.Table; t < len(c.tables); t++ {
		if !selTable(sel, uint8(t)) {
			continue
		}
		table := c.tables[t]
		pos := 0
		if t == start.Table {
			pos = start.Position
		}
		for ; pos < len(table); pos++ {
			f := table[pos]
			if !selMatches(sel, f) {
				continue
			}
			if !fn(*f, Cursor{Table: t, Position: pos + 1}) {
				return
			}
		}
	}
}

func expiry(f *Flow, now time.Time) (RemovedReason, bool) {
	if f.HardTimeout > 0 && now.Sub(f.Created) >= time.Duration(f.HardTimeout)*time.Second {
		return RemovedHardTimeout, true
	}
	if f.IdleTimeout > 0 && now.Sub(f.Created) >= time.Duration(f.IdleTimeout)*time.Second {
		return RemovedIdleTimeout, true
	}
	return 0, false
}

func (c *MemChain) sortTable(table uint8) {
	sort.SliceStable(c.tables[table], func(i, j int) bool {
		return c.tables[table][i].Priority > c.tables[table][j].Priority
	})
}

func sameMatch(a, b Match) bool {
	return a.Wildcards == b.Wildcards &&
		a.InPort == b.InPort &&
		a.DataLinkType == b.DataLinkType &&
		a.NetworkProto == b.NetworkProto &&
		a.TransportSrc == b.TransportSrc &&
		a.TransportDst == b.TransportDst
}

func selTable(sel Selector, t uint8) bool {
	switch sel.Table {
	case 0xff: // ofp10.TableAll
		return true
	case 0xfe: // ofp10.TableEmergency
		return false
	default:
		return sel.Table == t
	}
}

func selMatches(sel Selector, f *Flow) bool {
	if sel.Match.InPort != 0 && f.Match.InPort != sel.Match.InPort {
		return false
	}
	if sel.Match.DataLinkType != 0 && f.Match.DataLinkType != sel.Match.DataLinkType {
		return false
	}
	if sel.OutPort != 0xffff { // ofp10.PortNone
		if !flowOutputsTo(f, sel.OutPort) {
			return false
		}
	}
	return true
}

func flowOutputsTo(f *Flow, port uint16) bool {
	for _, a := range f.Actions {
		if a.Kind == ActionOutput && a.Port == port {
			return true
		}
	}
	return false
}

// matches is a minimal Ethernet match for the reference chain: it
// compares in_port and dl_type, each only when it is nonzero in the
// flow's match; the Wildcards bits are not consulted. A faithful 12-tuple matcher is exactly the scoped-out
// "per-table flow match machinery" of spec.md §1.
func matches(m Match, inPort uint16, pkt []byte) bool {
	if m.InPort != 0 && m.InPort != inPort {
		return false
	}
	if m.DataLinkType != 0 {
		if len(pkt) < 14 {
			return false
		}
		etherType := uint16(pkt[12])<<8 | uint16(pkt[13])
		if etherType != m.DataLinkType {
			return false
		}
	}
	return true
}
