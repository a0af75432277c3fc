package datapath

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/davidcawork/openflow/netif"
	"github.com/davidcawork/openflow/packetbuf"
	"github.com/davidcawork/openflow/pipeline"
)

// DPMax bounds the process-wide datapath registry (§4.1).
const DPMax = 256

// OnFlowRemoved is invoked by every datapath's maintenance tick and by
// explicit flow deletion; the control-channel package registers one
// per Registry to turn pipeline.RemovedEvent into FLOW_REMOVED
// notifications (§4.9). Nil is a valid value (no notifications sent).
type OnFlowRemoved func(dp *Datapath, ev pipeline.RemovedEvent)

// Registry is the process-wide, fixed-size table of live datapaths
// indexed by dp_idx and by name (§4.1). Readers look datapaths up
// under a read-side critical section; a single mutex serializes all
// writers against each other. The maintenance sweep does not take that
// mutex: it calls the pipeline's ExpireTimeouts and relies on the
// pipeline's own locking (MemChain's mutex) to order its removals
// against flow inserts and deletes. This implementation picks option (b) of
// §9's design notes (an RW-lock with short read critical sections)
// over a hazard-pointer/epoch scheme, trading a little fast-path
// latency for far simpler code.
type Registry struct {
	cfg    Config
	netMgr netif.Manager
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // serializes all writers (§5)
	rw      sync.RWMutex // protects slots/byName for readers
	slots   [DPMax]*Datapath
	byName  map[string]int

	onRemoved OnFlowRemoved
}

// NewRegistry creates an empty Registry backed by netMgr for interface
// attach/detach.
func NewRegistry(netMgr netif.Manager, cfg Config, onRemoved OnFlowRemoved) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		cfg:       cfg,
		netMgr:    netMgr,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		byName:    make(map[string]int),
		onRemoved: onRemoved,
	}
}

// Lookup resolves dp_idx, a name, or both (which must agree, or the
// lookup fails INVALID) to a live Datapath, per §4.1.
func (r *Registry) Lookup(dpIdx int, name string) (*Datapath, error) {
	const op = "lookup datapath"

	r.rw.RLock()
	defer r.rw.RUnlock()

	switch {
	case dpIdx >= 0 && name != "":
		if dpIdx >= DPMax {
			return nil, newErr(op, Invalid)
		}
		dp := r.slots[dpIdx]
		if dp == nil || dp.Name != name {
			return nil, newErr(op, Invalid)
		}
		return dp, nil

	case dpIdx >= 0:
		if dpIdx >= DPMax {
			return nil, newErr(op, Invalid)
		}
		dp := r.slots[dpIdx]
		if dp == nil {
			return nil, newErr(op, NotFound)
		}
		return dp, nil

	case name != "":
		idx, ok := r.byName[name]
		if !ok {
			return nil, newErr(op, NotFound)
		}
		return r.slots[idx], nil

	default:
		return nil, newErr(op, Invalid)
	}
}

// Create creates a datapath, per §4.1: explicit dpIdx (pass -1 for
// auto-assignment on the lowest free slot), and an optional name (pass
// "" to default to the formatted dp_idx). At least one of dpIdx/name
// must be meaningful, matching the INVALID case of §4.1.
func (r *Registry) Create(dpIdx int, name string, localIface netif.Interface) (*Datapath, error) {
	const op = "create datapath"

	if dpIdx < 0 && name == "" {
		return nil, newErr(op, Invalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if dpIdx >= DPMax {
		return nil, newErr(op, Exhausted)
	}

	if dpIdx < 0 {
		dpIdx = -1
		for i := 0; i < DPMax; i++ {
			if r.slots[i] == nil {
				dpIdx = i
				break
			}
		}
		if dpIdx < 0 {
			return nil, newErr(op, Exhausted)
		}
	} else if r.slots[dpIdx] != nil {
		return nil, newErr(op, AlreadyExists)
	}

	if name == "" {
		name = fmt.Sprintf("dp%d", dpIdx)
	}
	if _, exists := r.byName[name]; exists {
		return nil, newErr(op, AlreadyExists)
	}

	dpid := macToDatapathID(localIface.HardwareAddr())

	missSendLen := r.cfg.MissSendLen
	if missSendLen == 0 {
		missSendLen = DefaultMissSendLen
	}

	dp := &Datapath{
		DPIdx:       dpIdx,
		Name:        name,
		DatapathID:  dpid,
		Description: name,
		MissSendLen: missSendLen,
		netMgr:      r.netMgr,
		hooks:       r.cfg.Hooks,
		logger:      r.logger,
	}
	dp.local = newPort(PortNoLocal, localIface, true)

	if r.cfg.NewPipeline != nil {
		dp.Pipeline = r.cfg.NewPipeline()
	} else {
		dp.Pipeline = pipeline.NewMemChain(1)
	}
	if r.cfg.NewPool != nil {
		dp.Pool = r.cfg.NewPool()
	} else {
		dp.Pool = packetbuf.NewRing(256)
	}

	onRemoved := func(ev pipeline.RemovedEvent) {
		if r.onRemoved != nil {
			r.onRemoved(dp, ev)
		}
	}
	dp.startMaintenance(r.ctx, r.cfg.MaintenanceInterval, onRemoved)

	r.rw.Lock()
	r.slots[dpIdx] = dp
	r.byName[name] = dpIdx
	r.rw.Unlock()

	if r.cfg.Hooks.DatapathAdded != nil {
		r.cfg.Hooks.DatapathAdded(dp)
	}

	return dp, nil
}

// Destroy destroys the datapath resolved by (dpIdx, name), per §4.1's
// reverse-of-creation order: unpublish, stop the maintenance worker,
// detach every port, notify the removal hook, and let the pipeline and
// local interface be garbage collected once every reader has finished
// with the reference it already holds (Go's GC plays the role of the
// "drain in-flight references, then free" step of invariant 5/6).
func (r *Registry) Destroy(dpIdx int, name string) error {
	const op = "destroy datapath"

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rw.RLock()
	dp, err := r.lookupLocked(dpIdx, name)
	r.rw.RUnlock()
	if err != nil {
		return err
	}

	r.rw.Lock()
	r.slots[dp.DPIdx] = nil
	delete(r.byName, dp.Name)
	r.rw.Unlock()

	dp.stopMaintenance()
	dp.detachAll()

	if r.cfg.Hooks.DatapathDeleted != nil {
		r.cfg.Hooks.DatapathDeleted(dp)
	}

	return nil
}

// lookupLocked is Lookup's body, reused by Destroy while r.mu is
// already held so the read and the unpublish it precedes observe a
// consistent slot.
func (r *Registry) lookupLocked(dpIdx int, name string) (*Datapath, error) {
	const op = "lookup datapath"

	switch {
	case dpIdx >= 0 && name != "":
		if dpIdx >= DPMax {
			return nil, newErr(op, Invalid)
		}
		dp := r.slots[dpIdx]
		if dp == nil || dp.Name != name {
			return nil, newErr(op, Invalid)
		}
		return dp, nil
	case dpIdx >= 0:
		if dpIdx >= DPMax {
			return nil, newErr(op, Invalid)
		}
		dp := r.slots[dpIdx]
		if dp == nil {
			return nil, newErr(op, NotFound)
		}
		return dp, nil
	case name != "":
		idx, ok := r.byName[name]
		if !ok {
			return nil, newErr(op, NotFound)
		}
		return r.slots[idx], nil
	default:
		return nil, newErr(op, Invalid)
	}
}

// Shutdown stops every datapath's maintenance worker. It does not
// detach ports or unpublish slots; callers that want a clean process
// exit should Destroy each datapath first.
func (r *Registry) Shutdown() {
	r.cancel()
}

// macToDatapathID derives the 48-bit datapath-id from a MAC address,
// per §3: "a 48-bit datapath-id derived from the MAC address of its
// virtual local interface".
func macToDatapathID(mac []byte) uint64 {
	var id uint64
	for _, b := range mac {
		id = id<<8 | uint64(b)
	}
	return id
}
