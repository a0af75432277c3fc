// Package netif abstracts the host operating system's network-interface
// subsystem: the "external collaborator" spec.md §1 deliberately scopes
// out of the datapath core. The datapath consumes only the Interface
// and Manager interfaces defined here; Linux holds the real
// implementation (backed by rtnetlink and AF_PACKET), and Fake holds an
// in-memory one used by every test that does not need real sockets.
package netif

import (
	"context"
	"net"
)

// Interface is one host network interface, as seen by the datapath's
// port-attach logic.
type Interface interface {
	// Name is the interface's OS-level name (e.g. "veth0").
	Name() string
	// HardwareAddr is the interface's current MAC address.
	HardwareAddr() net.HardwareAddr
	// MTU is the interface's current MTU, excluding any L2 header.
	MTU() int
	// IsLoopback reports whether the OS classifies this interface as
	// loopback; the port registry refuses to attach these (§4.2).
	IsLoopback() bool
	// IsEthernet reports whether the interface is an Ethernet-family
	// device; the port registry refuses to attach anything else.
	IsEthernet() bool

	// SetPromiscuous toggles promiscuous mode for the duration of a
	// port's attachment (§4.2).
	SetPromiscuous(on bool) error

	// Send transmits a single frame on the interface. The caller
	// retains no reference to frame after Send returns, success or
	// failure.
	Send(frame []byte) error

	// Receive installs fn as the callback invoked once per received
	// frame until ctx is cancelled or the interface goes away. Receive
	// does not block; it starts its own receive loop and returns
	// immediately.
	Receive(ctx context.Context, fn func(frame []byte)) error

	// Closed returns a channel that is closed when the OS reports this
	// interface has gone away, modelling §3's "OS signals that the
	// interface has gone away" lifecycle trigger.
	Closed() <-chan struct{}
}

// Manager opens Interfaces by name and watches for their removal. A
// Datapath's port registry uses exactly one Manager, acquired under the
// combined OS-network/registry lock described in §5.
type Manager interface {
	// Open resolves name to an Interface, failing if the name is
	// unknown to the host.
	Open(name string) (Interface, error)

	// Bound reports the dp_idx of the datapath an interface name is
	// currently bound to, and false if it is unbound. The datapath
	// registry uses this to enforce invariant 4 ("no two datapaths own
	// the same interface") and to fail BUSY (§7) on double-attach.
	Bound(name string) (dpIdx int, ok bool)

	// Bind records that name is now owned by dpIdx, or clears the
	// binding when dpIdx is negative.
	Bind(name string, dpIdx int)
}
