package netif

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Fake is an in-memory Manager/Interface pair used by tests that
// exercise the datapath core without real sockets. It models loopback
// detection, an injectable MTU, and a Sent log that tests can assert
// against, analogous to the fake CLI used by the teacher's
// ovs.DataPathService tests.
type Fake struct {
	mu    sync.Mutex
	ifs   map[string]*FakeInterface
	bound map[string]int
}

// NewFake returns an empty Fake manager.
func NewFake() *Fake {
	return &Fake{
		ifs:   make(map[string]*FakeInterface),
		bound: make(map[string]int),
	}
}

// Add registers iface so a later Open(iface.Name()) succeeds.
func (f *Fake) Add(iface *FakeInterface) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ifs[iface.name] = iface
}

// Open implements Manager.
func (f *Fake) Open(name string) (Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	iface, ok := f.ifs[name]
	if !ok {
		return nil, fmt.Errorf("netif: no such interface %q", name)
	}
	return iface, nil
}

// Bound implements Manager.
func (f *Fake) Bound(name string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dpIdx, ok := f.bound[name]
	return dpIdx, ok
}

// Bind implements Manager.
func (f *Fake) Bind(name string, dpIdx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dpIdx < 0 {
		delete(f.bound, name)
		return
	}
	f.bound[name] = dpIdx
}

// FakeInterface is an in-memory Interface for tests.
type FakeInterface struct {
	name       string
	hwAddr     net.HardwareAddr
	mtu        int
	loopback   bool
	ethernet   bool

	mu        sync.Mutex
	promisc   bool
	recvFn    func([]byte)
	closed    chan struct{}

	// Sent records every frame handed to Send, in order.
	Sent [][]byte
}

// NewFakeInterface builds a FakeInterface with sensible Ethernet
// defaults; tests override fields directly afterward.
func NewFakeInterface(name string, hwAddr net.HardwareAddr) *FakeInterface {
	return &FakeInterface{
		name:     name,
		hwAddr:   hwAddr,
		mtu:      1500,
		ethernet: true,
		closed:   make(chan struct{}),
	}
}

// Name implements Interface.
func (f *FakeInterface) Name() string { return f.name }

// HardwareAddr implements Interface.
func (f *FakeInterface) HardwareAddr() net.HardwareAddr { return f.hwAddr }

// MTU implements Interface.
func (f *FakeInterface) MTU() int { return f.mtu }

// SetMTU overrides the MTU reported to the forwarding engine's size
// check (§4.4).
func (f *FakeInterface) SetMTU(mtu int) { f.mtu = mtu }

// IsLoopback implements Interface.
func (f *FakeInterface) IsLoopback() bool { return f.loopback }

// SetLoopback marks this interface as loopback, so attach (§4.2) fails.
func (f *FakeInterface) SetLoopback(v bool) { f.loopback = v }

// IsEthernet implements Interface.
func (f *FakeInterface) IsEthernet() bool { return f.ethernet }

// SetEthernet overrides the reported link type.
func (f *FakeInterface) SetEthernet(v bool) { f.ethernet = v }

// SetPromiscuous implements Interface.
func (f *FakeInterface) SetPromiscuous(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promisc = on
	return nil
}

// Promiscuous reports the last value passed to SetPromiscuous.
func (f *FakeInterface) Promiscuous() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.promisc
}

// Send implements Interface.
func (f *FakeInterface) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.Sent = append(f.Sent, cp)
	return nil
}

// Receive implements Interface.
func (f *FakeInterface) Receive(ctx context.Context, fn func(frame []byte)) error {
	f.mu.Lock()
	f.recvFn = fn
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.recvFn = nil
		f.mu.Unlock()
	}()
	return nil
}

// Deliver simulates the OS handing a received frame to whatever
// callback is currently registered via Receive, exactly as the real
// ingress hook of §4.3 would be invoked.
func (f *FakeInterface) Deliver(frame []byte) {
	f.mu.Lock()
	fn := f.recvFn
	f.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// Close simulates the OS reporting this interface gone, per §3's
// port-destruction trigger.
func (f *FakeInterface) Close() {
	close(f.closed)
}

// Closed implements Interface.
func (f *FakeInterface) Closed() <-chan struct{} { return f.closed }

var _ Interface = (*FakeInterface)(nil)
var _ Manager = (*Fake)(nil)
