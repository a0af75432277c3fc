// Package forwarding implements the packet forwarding engine and
// controller escalation of spec.md §4.3-§4.5: the ingress hook, the
// FLOOD/ALL/numeric output logic, and PACKET_IN composition. It never
// blocks on the fast path (§5).
package forwarding

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/davidcawork/openflow/datapath"
	"github.com/davidcawork/openflow/ofp10"
	"github.com/davidcawork/openflow/packetbuf"
	"github.com/davidcawork/openflow/pipeline"
)

// PacketInReason is why a frame was escalated to the controller (§4.5).
type PacketInReason uint8

// PacketInReason values.
const (
	ReasonNoMatch PacketInReason = PacketInReason(ofp10.ReasonNoMatch)
	ReasonAction  PacketInReason = PacketInReason(ofp10.ReasonAction)
)

// PacketIn is the decoded content of a PACKET_IN message, handed to a
// Notifier for wire encoding and delivery (§4.6).
type PacketIn struct {
	BufferID uint32
	TotalLen uint16
	InPort   uint16
	Reason   PacketInReason
	Data     []byte
}

// Notifier sends an asynchronous PACKET_IN notification on behalf of a
// datapath, per §4.6: "when a sender is supplied, the message is
// unicast [...]; otherwise it is multicast on the datapath's
// notification group." Controller escalation always multicasts
// (§4.5 step 4), so Notifier takes no sender.
type Notifier interface {
	NotifyPacketIn(dp *datapath.Datapath, pi PacketIn)
}

// dropLogInterval rate-limits the fast path's drop logging, per §7:
// "fast-path errors drop the packet silently, rate-limited to the
// system log."
const dropLogInterval = time.Second

// Engine executes the forwarding decisions of §4.4 and the controller
// escalation of §4.5 for one process. A single Engine serves every
// datapath in a Registry.
type Engine struct {
	Notifier Notifier
	Logger   interface{ Printf(string, ...interface{}) }

	lastDropLog atomic.Int64
}

// Ingress is the hook of §4.3: it copies frame if shared (modelled here
// by always taking ownership of a caller-provided copy, since Go slices
// are not reference counted the way the kernel's skb is), restores no
// header (the caller already hands a full Ethernet frame, header
// included — Go has no equivalent of the kernel's "L2 header consumed
// by the stack" convention), and submits it to the pipeline with the
// ingress port as context.
func (e *Engine) Ingress(ctx context.Context, dp *datapath.Datapath, inPort datapath.PortNo, frame []byte) {
	flow, ok := dp.Pipeline.Lookup(ctx, uint16(inPort), frame)
	if !ok {
		e.Escalate(dp, inPort, frame, dp.MissSendLen, ReasonNoMatch)
		return
	}

	for i, a := range flow.Actions {
		last := i == len(flow.Actions)-1
		e.applyAction(ctx, dp, inPort, frame, a, last)
	}
}

func (e *Engine) applyAction(ctx context.Context, dp *datapath.Datapath, inPort datapath.PortNo, frame []byte, a pipeline.Action, last bool) {
	if a.Kind != pipeline.ActionOutput {
		return
	}

	if a.Port == ofp10.PortController {
		e.Escalate(dp, inPort, frame, uint32(a.MaxLen), ReasonAction)
		return
	}

	_ = e.Output(ctx, dp, inPort, a.Port, frame, false)
}

func (e *Engine) logDrop(format string, args ...interface{}) {
	now := time.Now().UnixNano()
	last := e.lastDropLog.Load()
	if now-last < int64(dropLogInterval) {
		return
	}
	if !e.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// Escalate implements §4.5: stash the frame, decide fwd_len, compose
// and send a PACKET_IN, and release the frame (Go's GC does the
// release; there is no explicit free call).
func (e *Engine) Escalate(dp *datapath.Datapath, inPort datapath.PortNo, frame []byte, maxLen uint32, reason PacketInReason) {
	bufferID := dp.Pool.Stash(frame)

	fwdLen := len(frame)
	if bufferID != packetbuf.NotBuffered {
		if int(maxLen) < fwdLen {
			fwdLen = int(maxLen)
		}
	}

	port := uint16(inPort)
	if inPort == 0 {
		port = ofp10.PortLocal
	}

	pi := PacketIn{
		BufferID: bufferID,
		TotalLen: uint16(len(frame)),
		InPort:   port,
		Reason:   reason,
		Data:     frame[:fwdLen],
	}

	if e.Notifier != nil {
		e.Notifier.NotifyPacketIn(dp, pi)
	}
}
