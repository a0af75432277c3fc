//go:build linux

package netif

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"unsafe"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// recheckLinks asks LinuxManager's linkWatcher (if one started
// successfully) to recheck every interface it has open.
func (m *LinuxManager) recheckLinks() {
	m.open.recheck()
}

// rtmGetLink/rtmNewLink are the rtnetlink message types this backend
// needs; mdlayher/netlink only ships the generic-netlink header types,
// so the route-family request/response numbers are named here exactly
// as ovsnl named the OVS generic-netlink family constants it consumed.
const (
	rtmNewLink = 16
	rtmGetLink = 18
)

// ifInfomsg mirrors struct ifinfomsg from linux/rtnetlink.h. Its layout
// is fixed by the kernel ABI, the same "cgo -godefs"-shaped contract
// ovsh.Header captures for OVS generic-netlink headers.
type ifInfomsg struct {
	Family uint8
	_      uint8
	Type   uint16
	Index  int32
	Flags  uint32
	Change uint32
}

const sizeofIfInfomsg = int(unsafe.Sizeof(ifInfomsg{}))

// LinuxManager is the real, Linux-backed netif.Manager. It resolves
// interface names via rtnetlink (through a raw *netlink.Conn, the same
// low-level connection type ovsnl.Client wraps for OVS's generic
// netlink families) and captures frames on an AF_PACKET socket.
type LinuxManager struct {
	conn *netlink.Conn

	mu    sync.Mutex
	bound map[string]int

	open       openLinkSet
	watchCancel context.CancelFunc
}

// NewLinuxManager dials the rtnetlink (NETLINK_ROUTE) family and, best
// effort, starts a link watcher over ethtool generic netlink
// notifications (see linkwatch.go). A host that doesn't advertise the
// ethtool family still gets a working Manager; it just never learns
// about a link vanishing except through an explicit DelPort.
func NewLinuxManager() (*LinuxManager, error) {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, fmt.Errorf("netif: dial rtnetlink: %w", err)
	}

	m := &LinuxManager{conn: conn, bound: make(map[string]int)}

	if watcher, err := newLinkWatcher(); err == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.watchCancel = cancel
		go watcher.run(ctx, m)
	}

	return m, nil
}

// Close releases the underlying rtnetlink connection and stops the
// link watcher, if one is running.
func (m *LinuxManager) Close() error {
	if m.watchCancel != nil {
		m.watchCancel()
	}
	return m.conn.Close()
}

// Open implements Manager by resolving name to a live link index and
// wrapping it as a LinuxInterface.
func (m *LinuxManager) Open(name string) (Interface, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("netif: %w", err)
	}

	l := &LinuxInterface{
		name:    name,
		index:   iface.Index,
		hwAddr:  iface.HardwareAddr,
		mtu:     iface.MTU,
		flags:   iface.Flags,
		conn:    m.conn,
		closeCh: make(chan struct{}),
	}
	m.open.add(l)
	return l, nil
}

// Bound implements Manager.
func (m *LinuxManager) Bound(name string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dpIdx, ok := m.bound[name]
	return dpIdx, ok
}

// Bind implements Manager.
func (m *LinuxManager) Bind(name string, dpIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dpIdx < 0 {
		delete(m.bound, name)
		return
	}
	m.bound[name] = dpIdx
}

// LinuxInterface is a real host network interface.
type LinuxInterface struct {
	name   string
	index  int
	hwAddr net.HardwareAddr
	mtu    int
	flags  net.Flags

	conn *netlink.Conn

	mu       sync.Mutex
	sock     int
	closeCh  chan struct{}
	closedAt sync.Once
}

// closeOnce closes closeCh exactly once; safe to call from the link
// watcher goroutine concurrently with any other closer.
func (l *LinuxInterface) closeOnce() {
	l.closedAt.Do(func() { close(l.closeCh) })
}

// Name implements Interface.
func (l *LinuxInterface) Name() string { return l.name }

// HardwareAddr implements Interface.
func (l *LinuxInterface) HardwareAddr() net.HardwareAddr { return l.hwAddr }

// MTU implements Interface.
func (l *LinuxInterface) MTU() int { return l.mtu }

// IsLoopback implements Interface.
func (l *LinuxInterface) IsLoopback() bool { return l.flags&net.FlagLoopback != 0 }

// IsEthernet implements Interface.
//
// A real deployment would inspect ARPHRD_ETHER from the rtnetlink
// link dump; net.Interface does not expose it, so point-to-point and
// loopback-flagged interfaces are the only ones rejected here as a
// conservative approximation.
func (l *LinuxInterface) IsEthernet() bool {
	return l.flags&(net.FlagLoopback|net.FlagPointToPoint) == 0
}

// SetPromiscuous implements Interface by sending an rtnetlink
// RTM_NEWLINK request toggling IFF_PROMISC, the same two-phase
// "build ifinfomsg header, attach attributes" shape ovsnl's vport
// requests use for the OVS generic-netlink family.
func (l *LinuxInterface) SetPromiscuous(on bool) error {
	change := uint32(unix.IFF_PROMISC)
	flags := uint32(0)
	if on {
		flags = uint32(unix.IFF_PROMISC)
	}

	body := make([]byte, sizeofIfInfomsg)
	hdr := ifInfomsg{
		Family: unix.AF_UNSPEC,
		Index:  int32(l.index),
		Flags:  flags,
		Change: change,
	}
	putIfInfomsg(body, hdr)

	msg := netlink.Message{
		Header: netlink.Header{
			Type:  rtmNewLink,
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: body,
	}

	_, err := l.conn.Execute(msg)
	return err
}

// Send implements Interface using an AF_PACKET SOCK_RAW socket bound
// to this interface's index.
func (l *LinuxInterface) Send(frame []byte) error {
	fd, err := l.packetSocket()
	if err != nil {
		return err
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  l.index,
	}
	return unix.Sendto(fd, frame, 0, &addr)
}

// Receive implements Interface by spawning a single goroutine reading
// from an AF_PACKET socket until ctx is done or the interface closes.
func (l *LinuxInterface) Receive(ctx context.Context, fn func(frame []byte)) error {
	fd, err := l.packetSocket()
	if err != nil {
		return err
	}

	go func() {
		buf := make([]byte, 65536)
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.closeCh:
				return
			default:
			}

			n, _, err := unix.Recvfrom(fd, buf, 0)
			if err != nil {
				return
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			fn(frame)
		}
	}()
	return nil
}

// Closed implements Interface.
func (l *LinuxInterface) Closed() <-chan struct{} { return l.closeCh }

// packetSocket lazily opens this interface's AF_PACKET socket.
func (l *LinuxInterface) packetSocket() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sock != 0 {
		return l.sock, nil
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return 0, fmt.Errorf("netif: open packet socket: %w", err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  l.index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("netif: bind packet socket: %w", err)
	}

	l.sock = fd
	return fd, nil
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

func putIfInfomsg(b []byte, h ifInfomsg) {
	_ = b[sizeofIfInfomsg-1]
	*(*ifInfomsg)(unsafe.Pointer(&b[0])) = h
}

var _ Interface = (*LinuxInterface)(nil)
var _ Manager = (*LinuxManager)(nil)
