// Package datapath implements the core of an OpenFlow 1.0 switch
// datapath: datapath lifecycle, the port registry, and the process-wide
// datapath registry (spec.md §3, §4.1, §4.2). The flow-table pipeline,
// packet-buffer pool, and host network-interface subsystem it consumes
// are external collaborators specified only as interfaces (packages
// pipeline, packetbuf, netif).
package datapath

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/davidcawork/openflow/netif"
	"github.com/davidcawork/openflow/packetbuf"
	"github.com/davidcawork/openflow/pipeline"
)

// DefaultMissSendLen is the default number of bytes of a table-miss
// packet sent to the controller (§3).
const DefaultMissSendLen = 128

// DefaultMaintenanceInterval is the default period between maintenance
// worker ticks (§4.10).
const DefaultMaintenanceInterval = 1000 * time.Millisecond

// Hooks are optional callbacks invoked after a lifecycle event
// completes, modelling the five function-pointer hooks of §6 (ioctl
// handler is out of scope for this core; the other four are
// datapath-add, datapath-del, port-add, port-del). Each field may be
// nil.
type Hooks struct {
	DatapathAdded   func(*Datapath)
	DatapathDeleted func(*Datapath)
	PortAdded       func(*Datapath, *Port)
	PortDeleted     func(*Datapath, *Port)
}

// ModuleParams are the four read-only configuration strings of §6.
type ModuleParams struct {
	Manufacturer string
	Hardware     string
	Software     string
	Serial       string
}

// Config configures a Registry's behavior.
type Config struct {
	Hooks               Hooks
	Params              ModuleParams
	MaintenanceInterval time.Duration
	Logger              *log.Logger

	// MissSendLen seeds every new Datapath's MissSendLen (§3), the
	// controller-configurable default used until an OFPT_SET_CONFIG
	// overrides it. Zero means DefaultMissSendLen.
	MissSendLen uint32

	// NewPipeline constructs the flow-table pipeline for a new datapath.
	// If nil, pipeline.NewMemChain(1) is used.
	NewPipeline func() pipeline.Pipeline

	// NewPool constructs the packet-buffer pool for a new datapath. If
	// nil, packetbuf.NewRing(256) is used.
	NewPool func() packetbuf.Pool
}

// A Datapath is one OpenFlow switch instance: an index, a description,
// a port table, a local port, a pipeline, a packet-buffer pool, and a
// maintenance worker (§3).
type Datapath struct {
	DPIdx       int
	Name        string
	DatapathID  uint64
	Description string

	MissSendLen uint32
	Flags       uint32

	Pipeline pipeline.Pipeline
	Pool     packetbuf.Pool

	netMgr netif.Manager
	hooks  Hooks
	logger *log.Logger

	local *Port

	portsMu sync.RWMutex
	ports   [MaxPorts]*Port

	maint *maintenanceWorker

	draining sync.WaitGroup
}

// LocalPort returns the datapath's own virtual interface, wrapped as a
// Port with number PortNoLocal.
func (d *Datapath) LocalPort() *Port { return d.local }

// Port looks up a port by number under the read-side critical section
// described in §5: the slot is read under portsMu's read lock, so a
// concurrent Attach/Detach (which takes the write lock) is waited out
// rather than observed half-done, and the result is either the old or
// the new value of the slot.
func (d *Datapath) Port(no PortNo) (*Port, bool) {
	if no == PortNoLocal {
		return d.local, true
	}
	if int(no) <= 0 || int(no) >= MaxPorts {
		return nil, false
	}

	d.portsMu.RLock()
	p := d.ports[no]
	d.portsMu.RUnlock()

	return p, p != nil
}

// Ports returns a snapshot slice of every currently attached port,
// excluding the local port, in ascending port-number order.
func (d *Datapath) Ports() []*Port {
	d.portsMu.RLock()
	defer d.portsMu.RUnlock()

	out := make([]*Port, 0, MaxPorts)
	for _, p := range d.ports {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// AttachPort attaches the named interface as a new port, per §4.2's
// attach policy: loopback, non-Ethernet, and the datapath's own
// virtual interface are all rejected, and an interface already bound
// to any datapath fails BUSY (invariant 4).
func (d *Datapath) AttachPort(name string) (*Port, error) {
	const op = "attach port"

	if dpIdx, bound := d.netMgr.Bound(name); bound {
		if dpIdx == d.DPIdx {
			return nil, wrapErr(op, Busy, fmt.Errorf("%q already attached to this datapath", name))
		}
		return nil, wrapErr(op, Busy, fmt.Errorf("%q attached to datapath %d", name, dpIdx))
	}

	iface, err := d.netMgr.Open(name)
	if err != nil {
		return nil, wrapErr(op, Invalid, err)
	}
	if iface.IsLoopback() {
		return nil, newErr(op, Invalid)
	}
	if !iface.IsEthernet() {
		return nil, newErr(op, Invalid)
	}
	if name == d.local.Iface.Name() {
		return nil, newErr(op, Invalid)
	}

	d.portsMu.Lock()
	no := PortNo(0)
	for i := 1; i < MaxPorts; i++ {
		if d.ports[i] == nil {
			no = PortNo(i)
			break
		}
	}
	if no == 0 {
		d.portsMu.Unlock()
		return nil, newErr(op, Exhausted)
	}

	p := newPort(no, iface, false)
	d.ports[no] = p
	d.portsMu.Unlock()

	d.netMgr.Bind(name, d.DPIdx)

	if err := iface.SetPromiscuous(true); err != nil {
		d.logf("attach port %s: set promiscuous: %v", name, err)
	}

	if d.hooks.PortAdded != nil {
		d.hooks.PortAdded(d, p)
	}

	return p, nil
}

// DetachPort detaches the port currently bound to name. name must
// currently belong to this datapath, per the request dispatcher's
// DEL_PORT contract (§4.7).
func (d *Datapath) DetachPort(name string) error {
	const op = "detach port"

	d.portsMu.Lock()
	var (
		p   *Port
		idx PortNo
	)
	for i := 1; i < MaxPorts; i++ {
		if d.ports[i] != nil && d.ports[i].Iface.Name() == name {
			p, idx = d.ports[i], PortNo(i)
			break
		}
	}
	if p == nil {
		d.portsMu.Unlock()
		return newErr(op, NotFound)
	}
	d.ports[idx] = nil
	d.portsMu.Unlock()

	d.netMgr.Bind(name, -1)

	if err := p.Iface.SetPromiscuous(false); err != nil {
		d.logf("detach port %s: clear promiscuous: %v", name, err)
	}

	if d.hooks.PortDeleted != nil {
		d.hooks.PortDeleted(d, p)
	}

	return nil
}

// detachAll tears down every attached port, used by destroy.
func (d *Datapath) detachAll() {
	for _, p := range d.Ports() {
		_ = d.DetachPort(p.Iface.Name())
	}
}

func (d *Datapath) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// maintenanceTick is exposed for the maintenance worker; it asks the
// pipeline to expire timed-out flows and returns nothing, matching
// §4.10: maintenance errors are logged and swallowed, not an end
// product of the core's public contract.
func (d *Datapath) maintenanceTick(onRemoved func(pipeline.RemovedEvent)) {
	d.Pipeline.ExpireTimeouts(onRemoved)
}

// startMaintenance starts this datapath's maintenance worker. Called
// exactly once, from Registry.Create.
func (d *Datapath) startMaintenance(ctx context.Context, interval time.Duration, onRemoved func(pipeline.RemovedEvent)) {
	d.maint = newMaintenanceWorker(d, interval, onRemoved)
	d.maint.start(ctx)
}

// stopMaintenance stops this datapath's maintenance worker and waits
// for it to park, matching invariant 5: the worker terminates before
// any port or pipeline teardown begins.
func (d *Datapath) stopMaintenance() {
	if d.maint != nil {
		d.maint.stop()
	}
}
