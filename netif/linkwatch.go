//go:build linux

package netif

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/genetlink"
)

// ethtoolGenlName/ethtoolMcgrpMonitor locate the kernel's ethtool
// generic netlink family and its link-state multicast group, the same
// "list families, match by name, join the group" idiom ovsnl.Client.init
// uses to resolve OVS's own generic netlink families.
const (
	ethtoolGenlName      = "ethtool"
	ethtoolMcgrpMonitor  = "monitor"
)

// linkWatcher listens for ethtool link-state notifications and asks a
// LinuxManager to recheck its open interfaces whenever one arrives,
// giving the "OS signals an interface has gone away" lifecycle path a
// real asynchronous event source instead of relying solely on an
// operator-driven DelPort.
type linkWatcher struct {
	conn *genetlink.Conn
}

// newLinkWatcher resolves the ethtool family and joins its monitor
// group. It returns an error when the kernel doesn't advertise the
// family or its monitor group (common in containers and older kernels);
// NewLinuxManager treats any error here as "no watcher available"
// rather than a fatal error, since link
// watching is a best-effort addition to the authoritative DelPort path.
func newLinkWatcher() (*linkWatcher, error) {
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("netif: dial genetlink: %w", err)
	}

	family, err := conn.GetFamily(ethtoolGenlName)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("netif: resolve %s family: %w", ethtoolGenlName, err)
	}

	var groupID uint32
	found := false
	for _, g := range family.Groups {
		if g.Name == ethtoolMcgrpMonitor {
			groupID = g.ID
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("netif: %s family has no %s group", ethtoolGenlName, ethtoolMcgrpMonitor)
	}

	if err := conn.JoinGroup(groupID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netif: join %s group: %w", ethtoolMcgrpMonitor, err)
	}

	return &linkWatcher{conn: conn}, nil
}

// run reads notifications until ctx is cancelled, re-checking every
// interface LinuxManager currently has open on each one received. The
// notification payload itself isn't decoded: any message on the
// monitor group is treated as "something changed, go look".
func (w *linkWatcher) run(ctx context.Context, m *LinuxManager) {
	go func() {
		<-ctx.Done()
		w.conn.Close()
	}()

	for {
		_, _, err := w.conn.Receive()
		if err != nil {
			return
		}
		m.recheckLinks()
	}
}

// openLinkSet's add/remove/recheck give LinuxManager the bookkeeping
// linkWatcher needs without exposing its internals outside this file.
type openLinkSet struct {
	mu    sync.Mutex
	ifces map[string]*LinuxInterface
}

func (s *openLinkSet) add(l *LinuxInterface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ifces == nil {
		s.ifces = make(map[string]*LinuxInterface)
	}
	s.ifces[l.name] = l
}

func (s *openLinkSet) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ifces, name)
}

// recheck closes the Closed() channel of every tracked interface whose
// kernel link has disappeared since it was opened.
func (s *openLinkSet) recheck() {
	s.mu.Lock()
	snapshot := make([]*LinuxInterface, 0, len(s.ifces))
	for _, l := range s.ifces {
		snapshot = append(snapshot, l)
	}
	s.mu.Unlock()

	for _, l := range snapshot {
		if _, err := net.InterfaceByIndex(l.index); err != nil {
			l.closeOnce()
			s.remove(l.name)
		}
	}
}
