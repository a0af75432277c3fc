package controlchannel

import (
	"errors"

	"github.com/davidcawork/openflow/ofp10"
)

// MaxMessage is the largest single OpenFlow message this framer will
// produce. The OpenFlow length field is 16 bits wide, so §4.6 refuses
// anything larger with TOO_LARGE.
const MaxMessage = 0xffff

// ErrTooLarge is returned by frame.finish when a message's body grew
// past MaxMessage bytes.
var ErrTooLarge = errors.New("controlchannel: message exceeds 65535 bytes")

// frame is the two-phase message builder of §4.6: "reserve an upper
// bound, fill in the body, then shrink the reservation to the exact
// final size and patch the OpenFlow length [...] field. This avoids a
// prepass for messages whose final size depends on iteration (features
// reply, statistics reply)." Go's append already tracks a capacity
// separate from length, so "reserve" here means only a capacity hint;
// the shrink step is just patching the length field once the body is
// known.
type frame struct {
	buf []byte
}

// newFrame starts a message of the given type and transaction id, with
// capacity for capHint bytes in total, OpenFlow header included (a
// hint only; the buffer grows past it transparently via append).
func newFrame(typ ofp10.Type, xid uint32, capHint int) *frame {
	if capHint < ofp10.HeaderLen {
		capHint = ofp10.HeaderLen
	}
	buf := make([]byte, ofp10.HeaderLen, capHint)
	ofp10.PutHeader(buf, ofp10.Header{Version: ofp10.Version, Type: typ, Xid: xid})
	return &frame{buf: buf}
}

// append grows the body by p.
func (f *frame) append(p []byte) {
	f.buf = append(f.buf, p...)
}

// reserve grows the body by n zeroed bytes and returns that slice for
// the caller to fill in place, used by the fixed-size stats record
// appenders to avoid an extra copy per record.
func (f *frame) reserve(n int) []byte {
	start := len(f.buf)
	f.buf = append(f.buf, make([]byte, n)...)
	return f.buf[start:]
}

// size reports the body's current encoded length, OpenFlow header
// included.
func (f *frame) size() int { return len(f.buf) }

// finish patches the OpenFlow header's length field to the body's
// final size and returns it, or ErrTooLarge if the body outgrew
// MaxMessage.
func (f *frame) finish() ([]byte, error) {
	if len(f.buf) > MaxMessage {
		return nil, ErrTooLarge
	}
	f.buf[2] = byte(uint16(len(f.buf)) >> 8)
	f.buf[3] = byte(uint16(len(f.buf)))
	return f.buf, nil
}
