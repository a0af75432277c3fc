package controlchannel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/davidcawork/openflow/controlchannel/internal/wire"
)

func TestTransportServeHandlesSubscribeWithoutDispatch(t *testing.T) {
	d, _ := newTestDispatcher(t)
	transport := NewTransport(d, nil)

	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- transport.Serve(ctx, a) }()

	client := wire.NewConn(b, nil)
	if err := client.Send(wire.Envelope{Op: wire.OpSubscribe, GroupID: 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Subscribe does not reach the Dispatcher, so drive a QueryDP next
	// to confirm the session loop is still alive and routes to it.
	if err := client.Send(wire.Envelope{Op: wire.OpQueryDP, DPIdx: 0, Xid: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, err := client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if reply.Op != wire.OpErrorReply {
		t.Fatalf("QueryDP of a nonexistent dp_idx op = %v, want OpErrorReply", reply.Op)
	}

	// Serve only rechecks ctx between messages, blocked in Receive the
	// rest of the time; closing the client side is what actually wakes
	// it up here; cancel alone would leave it parked in Receive.
	cancel()
	client.Close()
	select {
	case err := <-serveErrCh:
		if err == nil {
			t.Fatal("Serve after the connection closed: want a non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the connection closed")
	}
}

func TestTransportMulticastOnlyReachesSubscribers(t *testing.T) {
	transport := NewTransport(nil, nil)

	subSess, subPeer := newTestSession(t)
	otherSess, otherPeer := newTestSession(t)

	transport.sessions[subSess] = struct{}{}
	transport.sessions[otherSess] = struct{}{}
	subSess.subscribe(4)

	transport.multicast(4, wire.Envelope{Op: wire.OpNotify, Xid: 99})

	env, err := subPeer.Receive()
	if err != nil {
		t.Fatalf("Receive on subscribed session: %v", err)
	}
	if env.Xid != 99 {
		t.Fatalf("Xid = %d, want 99", env.Xid)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := otherPeer.Receive()
		errCh <- err
	}()
	select {
	case <-errCh:
		t.Fatal("unsubscribed session received a multicast meant for another group")
	case <-time.After(100 * time.Millisecond):
		// Expected: nothing was delivered.
	}
}
