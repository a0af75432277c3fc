// Package controlchannel implements the control channel of spec.md
// §4.6-§4.9: the binary envelope framer, the request dispatcher, the
// statistics engine, and the asynchronous notification emitters. It is
// the only package in this module that talks to an out-of-process
// controller; everything below it (datapath, forwarding, pipeline) is
// transport-agnostic.
package controlchannel

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/davidcawork/openflow/controlchannel/internal/wire"
)

// NumGroups is the number of pre-allocated notification groups, per
// §4.6: "a small fixed number of notification groups (power of two,
// e.g. 16) is allocated at startup, and each datapath is bound to one
// by hashing dp_idx." This is the deliberate "option (b)" relaxation
// the design notes describe: listeners that care about a specific
// datapath filter by dp_idx in the envelope rather than relying on
// group membership alone.
const NumGroups = 16

// groupOf hashes a dp_idx onto one of NumGroups pre-allocated
// notification groups.
func groupOf(dpIdx int) uint32 {
	return uint32(dpIdx) % NumGroups
}

// Sender identifies the destination of an outbound message: either a
// specific connected peer (unicast replies, per-connection stats
// resumption) or, when Conn is nil, a multicast send on Group (async
// notifications per §4.6).
type Sender struct {
	// ID is an opaque per-connection identifier copied from the
	// session, used only to tell connections apart in log lines — the
	// OpenFlow wire protocol itself has no notion of a connection id.
	ID   uuid.UUID
	Conn *session
	Xid  uint32

	// Group is the notification group this sender's datapath hashes to,
	// used for multicast sends when Conn is nil.
	Group uint32
}

// unicast builds a Sender representing one specific connection, used
// by the dispatcher to reply to the request that arrived on s. Group
// is left zero: deliver() always prefers Conn over Group when both
// could apply, so it is only ever consulted for a true multicast
// Sender (see multicast below).
func unicast(s *session, xid uint32) Sender {
	return Sender{ID: s.id, Conn: s, Xid: xid}
}

// multicast builds a Sender with no specific peer, for escalation and
// other async notifications that fan out to every subscriber of a
// datapath's notification group.
func multicast(dpIdx int) Sender {
	return Sender{Group: groupOf(dpIdx)}
}

// session is one live connection: its wire.Conn, the set of
// notification groups it has subscribed to, and bookkeeping the
// dispatcher needs to build replies.
type session struct {
	id   uuid.UUID
	conn *wire.Conn
	log  *log.Logger

	// privileged marks a connection authenticated with the elevated
	// credential §4.7 requires for administrative operations
	// (ADD_DP/DEL_DP/ADD_PORT/DEL_PORT). Set once by Transport.Serve.
	privileged bool

	mu        sync.Mutex
	groups    map[uint32]bool
	lastDPIdx int // dp_idx of the most recent request; unicast does not read it (Sender.Group stays zero)
}

func newSession(conn *wire.Conn, ll *log.Logger) *session {
	return &session{
		id:     uuid.New(),
		conn:   conn,
		log:    ll,
		groups: make(map[uint32]bool),
	}
}

func (s *session) subscribe(group uint32) {
	s.mu.Lock()
	s.groups[group] = true
	s.mu.Unlock()
}

func (s *session) subscribed(group uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group]
}

func (s *session) send(e wire.Envelope) error {
	return s.conn.Send(e)
}
