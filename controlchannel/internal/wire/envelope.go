// Package wire implements the control-channel envelope of spec.md §6:
// a small binary framing layered around an OpenFlow 1.0 payload, plus
// the OpenFlow header helpers the rest of controlchannel builds on.
//
// The outer envelope is this reimplementation's own design — the
// design notes of §9 explicitly leave the outer transport unspecified
// beyond "a datagram transport" — but the inner OpenFlow payload is
// reproduced byte-for-byte per the OpenFlow 1.0 wire format, since
// that part is observable by real controllers.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OpCode identifies the kind of envelope, per §6's outer-envelope
// operation codes plus the transport-local additions this
// reimplementation needs because it has no kernel multicast group
// machinery to piggy-back on (OpSubscribe/OpNotify) and no separate
// reply channel (OpReply/OpErrorReply).
type OpCode uint8

// OpCode values. 1-6 mirror §4.7's dispatch table; 7-8 are local to
// this userland transport's notification-group subscription model
// (see controlchannel/transport.go); 9-10 mark replies to a request.
const (
	OpAddDP OpCode = iota + 1
	OpDelDP
	OpQueryDP
	OpAddPort
	OpDelPort
	OpOpenFlow
	OpSubscribe
	OpNotify
	OpReply
	OpErrorReply
)

// MaxEnvelope is the largest encoded envelope this transport accepts,
// per §6's "messages larger than 65535 bytes are rejected as
// TOO_LARGE" rule, applied to the whole envelope rather than just the
// inner OpenFlow payload so a misbehaving peer can't smuggle an
// oversized frame past the field-length checks below.
const MaxEnvelope = 65535

var (
	// ErrTooLarge is returned by Marshal when the encoded envelope
	// would exceed MaxEnvelope.
	ErrTooLarge = errors.New("wire: envelope exceeds maximum size")

	errShortEnvelope = errors.New("wire: envelope too short")
	errFieldOverrun  = errors.New("wire: envelope field overruns buffer")
)

// Envelope is the outer control-channel message: an operation code,
// the datapath it addresses (by index, §4.1's dp_idx), a notification
// group (meaningful only for OpNotify/OpSubscribe, §4.6), optional
// name fields for ADD_PORT/ADD_DP, and an optional embedded OpenFlow
// message.
type Envelope struct {
	Op       OpCode
	DPIdx    uint32
	GroupID  uint32
	Xid      uint32
	PortName string
	DPName   string
	Payload  []byte
}

// Marshal encodes e as a length-prefixed binary record:
//
//	1B op | 4B dp_idx | 4B group_id | 4B xid |
//	2B len(port_name) | port_name |
//	2B len(dp_name) | dp_name |
//	4B len(payload) | payload
//
// The caller is responsible for prefixing the result with a frame
// length when writing it to a stream (see Conn).
func Marshal(e Envelope) ([]byte, error) {
	size := 1 + 4 + 4 + 4 +
		2 + len(e.PortName) +
		2 + len(e.DPName) +
		4 + len(e.Payload)
	if size > MaxEnvelope {
		return nil, ErrTooLarge
	}

	b := make([]byte, size)
	i := 0

	b[i] = byte(e.Op)
	i++
	binary.BigEndian.PutUint32(b[i:], e.DPIdx)
	i += 4
	binary.BigEndian.PutUint32(b[i:], e.GroupID)
	i += 4
	binary.BigEndian.PutUint32(b[i:], e.Xid)
	i += 4

	binary.BigEndian.PutUint16(b[i:], uint16(len(e.PortName)))
	i += 2
	i += copy(b[i:], e.PortName)

	binary.BigEndian.PutUint16(b[i:], uint16(len(e.DPName)))
	i += 2
	i += copy(b[i:], e.DPName)

	binary.BigEndian.PutUint32(b[i:], uint32(len(e.Payload)))
	i += 4
	copy(b[i:], e.Payload)

	return b, nil
}

// Unmarshal decodes an envelope previously produced by Marshal.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope

	if len(b) < 1+4+4+4+2 {
		return e, errShortEnvelope
	}

	i := 0
	e.Op = OpCode(b[i])
	i++
	e.DPIdx = binary.BigEndian.Uint32(b[i:])
	i += 4
	e.GroupID = binary.BigEndian.Uint32(b[i:])
	i += 4
	e.Xid = binary.BigEndian.Uint32(b[i:])
	i += 4

	portLen := int(binary.BigEndian.Uint16(b[i:]))
	i += 2
	if i+portLen+2 > len(b) {
		return Envelope{}, errFieldOverrun
	}
	e.PortName = string(b[i : i+portLen])
	i += portLen

	dpLen := int(binary.BigEndian.Uint16(b[i:]))
	i += 2
	if i+dpLen+4 > len(b) {
		return Envelope{}, errFieldOverrun
	}
	e.DPName = string(b[i : i+dpLen])
	i += dpLen

	payLen := int(binary.BigEndian.Uint32(b[i:]))
	i += 4
	if i+payLen > len(b) {
		return Envelope{}, errFieldOverrun
	}
	e.Payload = b[i : i+payLen]
	i += payLen

	if i != len(b) {
		return Envelope{}, fmt.Errorf("wire: %d trailing bytes after envelope", len(b)-i)
	}

	return e, nil
}
