package datapath

import (
	"sync"
	"sync/atomic"

	"github.com/davidcawork/openflow/ofp10"
	"github.com/davidcawork/openflow/netif"
)

// PortNo identifies a port within a single datapath. Values in
// [1, MaxPorts) are ordinary ports; PortNoLocal is the datapath's own
// virtual interface.
type PortNo uint16

// MaxPorts bounds the size of a datapath's port table. Port 0 is never
// allocated; valid numeric ports are [1, MaxPorts).
const MaxPorts = 256

// PortNoLocal is the reserved port number of a datapath's own virtual
// interface, matching OpenFlow 1.0's OFPP_LOCAL.
const PortNoLocal PortNo = PortNo(ofp10.PortLocal)

// PortConfig is the bitmap of administrative configuration carried on
// a Port, settable via a port_mod request.
type PortConfig uint32

// PortConfig bit values, mirroring ofp10's OFPPC_* bits.
const (
	PortConfigDown       PortConfig = PortConfig(ofp10.PortConfigDown)
	PortConfigNoSTP      PortConfig = PortConfig(ofp10.PortConfigNoSTP)
	PortConfigNoRecv     PortConfig = PortConfig(ofp10.PortConfigNoRecv)
	PortConfigNoRecvSTP  PortConfig = PortConfig(ofp10.PortConfigNoRecvSTP)
	PortConfigNoFlood    PortConfig = PortConfig(ofp10.PortConfigNoFlood)
	PortConfigNoFwd      PortConfig = PortConfig(ofp10.PortConfigNoFwd)
	PortConfigNoPacketIn PortConfig = PortConfig(ofp10.PortConfigNoPacketIn)
)

// PortState is the bitmap of observed link state carried on a Port.
type PortState uint32

// PortState bit values.
const (
	PortStateLinkDown PortState = PortState(ofp10.PortStateLinkDown)
)

// A Port is one network interface attached to a Datapath. Port values
// are published into a Datapath's port table and must never be
// mutated outside of the combined OS-network/registry lock discipline
// described in §5 of the design: config/state changes go through
// ApplyConfig and SetState, which take p.mu internally.
type Port struct {
	PortNo PortNo
	Iface  netif.Interface

	mu     sync.Mutex
	config PortConfig
	state  PortState

	// local is true for the datapath's own virtual interface; it never
	// occupies a numeric slot in the port table.
	local bool

	counters PortCounters
}

// PortCounters is the per-direction packet/byte/drop/error tally the
// per-port statistics dumper reports (§4.8). Every field is updated
// with atomic ops from the forwarding engine's transmit/receive paths,
// never under Port.mu, since counters are incremented far more often
// than config/state is read.
type PortCounters struct {
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
	RxDropped uint64
	TxDropped uint64
	RxErrors  uint64
	TxErrors  uint64
}

// newPort wraps iface as port number no.
func newPort(no PortNo, iface netif.Interface, local bool) *Port {
	return &Port{PortNo: no, Iface: iface, local: local}
}

// AddRx accounts for a received frame.
func (p *Port) AddRx(n int) {
	atomic.AddUint64(&p.counters.RxPackets, 1)
	atomic.AddUint64(&p.counters.RxBytes, uint64(n))
}

// AddRxDropped accounts for a frame dropped on receive.
func (p *Port) AddRxDropped() { atomic.AddUint64(&p.counters.RxDropped, 1) }

// AddTx accounts for a transmitted frame.
func (p *Port) AddTx(n int) {
	atomic.AddUint64(&p.counters.TxPackets, 1)
	atomic.AddUint64(&p.counters.TxBytes, uint64(n))
}

// AddTxError accounts for a failed transmit.
func (p *Port) AddTxError() { atomic.AddUint64(&p.counters.TxErrors, 1) }

// Counters returns a consistent-enough snapshot of the port's counters
// for the statistics engine; individual fields may be read a moment
// apart from each other since each is its own atomic word.
func (p *Port) Counters() PortCounters {
	return PortCounters{
		RxPackets: atomic.LoadUint64(&p.counters.RxPackets),
		TxPackets: atomic.LoadUint64(&p.counters.TxPackets),
		RxBytes:   atomic.LoadUint64(&p.counters.RxBytes),
		TxBytes:   atomic.LoadUint64(&p.counters.TxBytes),
		RxDropped: atomic.LoadUint64(&p.counters.RxDropped),
		TxDropped: atomic.LoadUint64(&p.counters.TxDropped),
		RxErrors:  atomic.LoadUint64(&p.counters.RxErrors),
		TxErrors:  atomic.LoadUint64(&p.counters.TxErrors),
	}
}

// Config returns the port's current administrative configuration.
func (p *Port) Config() PortConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// State returns the port's current observed link state.
func (p *Port) State() PortState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState overwrites the full state bitmap, used by the link-watcher
// when the OS reports a carrier change.
func (p *Port) SetState(s PortState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ApplyConfig applies (mask, value) to the port's configuration bitmap
// under the port's own lock, per §4.2's port_mod semantics: only the
// bits set in mask are replaced with the corresponding bits of value.
func (p *Port) ApplyConfig(mask, value PortConfig) {
	p.mu.Lock()
	p.config = (p.config &^ mask) | (value & mask)
	p.mu.Unlock()
}

// HasConfig reports whether every bit in flag is set in the port's
// current configuration. It takes the port lock briefly, matching the
// "readers of the bitmaps for outbound messages take it briefly" rule.
func (p *Port) HasConfig(flag PortConfig) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config&flag == flag
}

// IsLocal reports whether this Port wraps the datapath's own virtual
// interface.
func (p *Port) IsLocal() bool { return p.local }
