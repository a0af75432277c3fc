package forwarding

import (
	"context"
	"errors"

	"github.com/davidcawork/openflow/datapath"
	"github.com/davidcawork/openflow/ofp10"
)

// Errors returned by Output, per §7's fast-path taxonomy. Fast-path
// errors are not surfaced to any sender; the request dispatcher's
// packet-out path discards them too, so none of these ever reaches a
// control-plane reply.
var (
	ErrInvalidOutput = errors.New("forwarding: invalid output port")
	ErrTooBig        = errors.New("forwarding: frame exceeds destination MTU")
	ErrAllocFailed   = errors.New("forwarding: clone allocation failed")
)

// vlanHeaderLen is subtracted from a frame's length before the MTU
// check when a VLAN tag is present, per §4.4's "excluding VLAN header
// if present" rule.
const vlanHeaderLen = 4

const etherTypeVLAN = 0x8100

// Output implements §4.4: interpret outPort (a reserved value or a
// numeric port) and transmit/clone/escalate/deliver accordingly. The
// Engine takes ownership of frame in every case; every path below
// either transmits it or drops it, never leaks it (testable property
// 4).
func (e *Engine) Output(ctx context.Context, dp *datapath.Datapath, inPort datapath.PortNo, outPort uint16, frame []byte, ignoreNoFwd bool) error {
	switch outPort {
	case ofp10.PortInPort:
		return e.outputInPort(dp, inPort, frame)

	case ofp10.PortTable:
		e.Ingress(ctx, dp, inPort, frame)
		return nil

	case ofp10.PortFlood:
		return e.outputMulti(dp, inPort, frame, true)

	case ofp10.PortAll:
		return e.outputMulti(dp, inPort, frame, false)

	case ofp10.PortController:
		e.Escalate(dp, inPort, frame, uint32(len(frame)), ReasonAction)
		return nil

	case ofp10.PortLocal:
		return e.transmitLocal(dp, frame)

	default:
		return e.outputNumeric(dp, inPort, outPort, frame, ignoreNoFwd)
	}
}

func (e *Engine) outputInPort(dp *datapath.Datapath, inPort datapath.PortNo, frame []byte) error {
	p, ok := dp.Port(inPort)
	if !ok {
		e.logDrop("forwarding: output IN_PORT with unknown ingress port %d", inPort)
		return ErrInvalidOutput
	}
	return e.transmit(p, frame)
}

func (e *Engine) transmitLocal(dp *datapath.Datapath, frame []byte) error {
	return e.transmit(dp.LocalPort(), frame)
}

// outputNumeric sends to a single numeric port, enforcing NO_FWD
// (bypassed when ignoreNoFwd) and the "no output to own ingress port
// numerically" rule (testable property 6).
func (e *Engine) outputNumeric(dp *datapath.Datapath, inPort datapath.PortNo, outPort uint16, frame []byte, ignoreNoFwd bool) error {
	if datapath.PortNo(outPort) == inPort {
		e.logDrop("forwarding: refusing numeric output to ingress port %d", inPort)
		return ErrInvalidOutput
	}

	p, ok := dp.Port(datapath.PortNo(outPort))
	if !ok {
		e.logDrop("forwarding: output to unknown port %d", outPort)
		return ErrInvalidOutput
	}

	if !ignoreNoFwd && p.HasConfig(datapath.PortConfigNoFwd) {
		return nil
	}

	return e.transmit(p, frame)
}

// outputMulti implements FLOOD (skipNoFlood == true) and ALL
// (skipNoFlood == false): transmit the original frame on the last
// selected port, cloning it for every earlier selection (§4.4). A
// clone-allocation failure aborts the whole operation and drops the
// original (testable property 4 is preserved: the frame is still
// accounted for, just dropped).
func (e *Engine) outputMulti(dp *datapath.Datapath, inPort datapath.PortNo, frame []byte, skipNoFlood bool) error {
	var targets []*datapath.Port
	for _, p := range dp.Ports() {
		if p.PortNo == inPort {
			continue
		}
		if skipNoFlood && p.HasConfig(datapath.PortConfigNoFlood) {
			continue
		}
		targets = append(targets, p)
	}

	if len(targets) == 0 {
		return nil
	}

	for _, p := range targets[:len(targets)-1] {
		clone, err := cloneFrame(frame)
		if err != nil {
			return ErrAllocFailed
		}
		if err := e.transmit(p, clone); err != nil {
			e.logDrop("forwarding: flood/all clone to port %d: %v", p.PortNo, err)
		}
	}

	return e.transmit(targets[len(targets)-1], frame)
}

func cloneFrame(frame []byte) ([]byte, error) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	return cp, nil
}

// transmit enforces the MTU check of §4.4 and hands frame to the
// interface.
func (e *Engine) transmit(p *datapath.Port, frame []byte) error {
	effective := len(frame)
	if hasVLANTag(frame) {
		effective -= vlanHeaderLen
	}
	if effective > p.Iface.MTU() {
		e.logDrop("forwarding: frame to port %d exceeds MTU %d", p.PortNo, p.Iface.MTU())
		p.AddTxError()
		return ErrTooBig
	}

	if err := p.Iface.Send(frame); err != nil {
		e.logDrop("forwarding: send on port %d: %v", p.PortNo, err)
		p.AddTxError()
		return err
	}
	p.AddTx(len(frame))
	return nil
}

func hasVLANTag(frame []byte) bool {
	if len(frame) < 14 {
		return false
	}
	return uint16(frame[12])<<8|uint16(frame[13]) == etherTypeVLAN
}
