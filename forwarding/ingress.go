package forwarding

import (
	"context"

	"github.com/davidcawork/openflow/datapath"
)

// Hook wires one datapath's attached interfaces to this Engine's
// Ingress, and is the concrete form of §4.3: "called by the OS with a
// received frame [...] The OS is told the frame has been fully
// consumed." In this userland reimplementation that contract is
// satisfied simply by not returning a "pass it on" signal — the
// interface's Receive callback has no such return value, so every
// frame handed to it is implicitly fully consumed.
type Hook struct {
	Engine *Engine
}

// Attach starts receiving frames on p's interface, invoking
// Engine.Ingress for each. Call it once per AttachPort.
func (h *Hook) Attach(ctx context.Context, dp *datapath.Datapath, p *datapath.Port) error {
	return p.Iface.Receive(ctx, func(frame []byte) {
		// Copy-on-write: the interface's receive buffer may be reused
		// as soon as the callback returns, so make frame privately
		// owned for the duration of the pipeline walk.
		owned := make([]byte, len(frame))
		copy(owned, frame)

		p.AddRx(len(owned))
		h.Engine.Ingress(ctx, dp, p.PortNo, owned)
	})
}
