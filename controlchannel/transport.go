package controlchannel

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/davidcawork/openflow/controlchannel/internal/wire"
)

// Transport owns every live session and fans out multicast
// notifications to the subscribers of a notification group, per
// §4.6's delivery rule.
type Transport struct {
	Dispatcher *Dispatcher
	Logger     *log.Logger

	// Authenticate classifies a new connection as privileged or not,
	// gating the administrative operations of §4.7. A nil
	// Authenticate treats every connection as privileged; cmd/ofdpd
	// leaves it nil and relies on the unix socket's filesystem
	// permissions for access control.
	Authenticate func(rwc io.ReadWriteCloser) (privileged bool, err error)

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

// NewTransport creates a Transport dispatching requests to d.
func NewTransport(d *Dispatcher, ll *log.Logger) *Transport {
	return &Transport{
		Dispatcher: d,
		Logger:     ll,
		sessions:   make(map[*session]struct{}),
	}
}

// Serve frames rwc as a session and processes requests from it until
// it closes or ctx is cancelled. One call per accepted connection; the
// control plane's "may be entered from a different thread of
// execution" model (§5) maps onto one goroutine per connection here,
// each serialized only against its own traffic.
func (t *Transport) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	privileged := true
	if t.Authenticate != nil {
		var err error
		privileged, err = t.Authenticate(rwc)
		if err != nil {
			return err
		}
	}

	conn := wire.NewConn(rwc, nil)
	sess := newSession(conn, t.Logger)
	sess.privileged = privileged

	t.mu.Lock()
	t.sessions[sess] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.sessions, sess)
		t.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := conn.Receive()
		if err != nil {
			return err
		}

		if env.Op == wire.OpSubscribe {
			sess.subscribe(env.GroupID)
			continue
		}

		t.Dispatcher.Dispatch(ctx, sess, env)
	}
}

// multicast sends e to every session subscribed to group. A send
// error to one subscriber is logged and does not stop delivery to the
// rest. Each send is a synchronous Conn.Send, so a subscriber that is
// slow to read delays delivery to the others and blocks the caller.
func (t *Transport) multicast(group uint32, e wire.Envelope) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for sess := range t.sessions {
		if !sess.subscribed(group) {
			continue
		}
		if err := sess.send(e); err != nil && t.Logger != nil {
			t.Logger.Printf("controlchannel: multicast to %s: %v", sess.id, err)
		}
	}
}
