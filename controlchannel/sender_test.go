package controlchannel

import (
	"net"
	"testing"

	"github.com/davidcawork/openflow/controlchannel/internal/wire"
)

func newTestSession(t *testing.T) (*session, *wire.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	sess := newSession(wire.NewConn(a, nil), nil)
	peer := wire.NewConn(b, nil)
	return sess, peer
}

func TestGroupOfHashesWithinRange(t *testing.T) {
	for _, dpIdx := range []int{0, 1, 15, 16, 17, 255} {
		g := groupOf(dpIdx)
		if g >= NumGroups {
			t.Fatalf("groupOf(%d) = %d, want < %d", dpIdx, g, NumGroups)
		}
	}
	if groupOf(0) != groupOf(16) {
		t.Fatalf("groupOf(0) = %d, groupOf(16) = %d, want equal (hash wraps at NumGroups)", groupOf(0), groupOf(16))
	}
}

func TestUnicastLeavesGroupZero(t *testing.T) {
	sess, _ := newTestSession(t)
	s := unicast(sess, 7)
	if s.Conn != sess {
		t.Fatal("unicast Sender.Conn does not reference the session")
	}
	if s.Group != 0 {
		t.Fatalf("unicast Sender.Group = %d, want 0 (Conn always takes priority in deliver)", s.Group)
	}
	if s.Xid != 7 {
		t.Fatalf("unicast Sender.Xid = %d, want 7", s.Xid)
	}
}

func TestMulticastHasNoConn(t *testing.T) {
	s := multicast(5)
	if s.Conn != nil {
		t.Fatal("multicast Sender.Conn: want nil")
	}
	if s.Group != groupOf(5) {
		t.Fatalf("multicast Sender.Group = %d, want %d", s.Group, groupOf(5))
	}
}

func TestSessionSubscribeSubscribed(t *testing.T) {
	sess, _ := newTestSession(t)

	if sess.subscribed(3) {
		t.Fatal("subscribed(3) before any Subscribe call: want false")
	}
	sess.subscribe(3)
	if !sess.subscribed(3) {
		t.Fatal("subscribed(3) after subscribe(3): want true")
	}
	if sess.subscribed(4) {
		t.Fatal("subscribed(4) for an unsubscribed group: want false")
	}
}

func TestSessionSendDeliversOverConn(t *testing.T) {
	sess, peer := newTestSession(t)

	want := wire.Envelope{Op: wire.OpNotify, Xid: 1}
	errCh := make(chan error, 1)
	go func() { errCh <- sess.send(want) }()

	got, err := peer.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Op != want.Op || got.Xid != want.Xid {
		t.Fatalf("received envelope = %+v, want op=%v xid=%d", got, want.Op, want.Xid)
	}
}
