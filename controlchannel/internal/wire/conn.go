package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
)

// frameLenMax matches MaxEnvelope: the 4-byte length prefix could
// address far more, but the envelope layer already refuses to produce
// anything larger, so Receive uses the same ceiling to reject a
// corrupt or hostile length prefix before allocating a buffer for it.
const frameLenMax = MaxEnvelope

// NewConn creates a new Conn around rwc. If ll is non-nil, every read
// and write is logged through it, mirroring
// ovsdb/internal/jsonrpc.NewConn's debug-wrapper idiom.
func NewConn(rwc io.ReadWriteCloser, ll *log.Logger) *Conn {
	if ll != nil {
		rwc = &debugReadWriteCloser{rwc: rwc, ll: ll}
	}
	return &Conn{c: rwc}
}

// A Conn is one control-channel connection: a length-prefixed stream
// of binary Envelopes. Unlike ovsdb/internal/jsonrpc.Conn, there is no
// encoder/decoder to hold state across calls — each frame is
// self-contained — so Conn only needs to serialize concurrent senders
// and concurrent receivers against each other.
type Conn struct {
	c io.ReadWriteCloser

	encMu sync.Mutex
	decMu sync.Mutex
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.c.Close()
}

// Send encodes and writes a single Envelope, length-prefixed.
func (c *Conn) Send(e Envelope) error {
	b, err := Marshal(e)
	if err != nil {
		return err
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))

	c.encMu.Lock()
	defer c.encMu.Unlock()

	if _, err := c.c.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := c.c.Write(b); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// Receive reads and decodes a single Envelope. It returns io.EOF
// unwrapped, matching jsonrpc.Conn.Receive's convention, so callers
// can tell a clean peer disconnect from a framing error.
func (c *Conn) Receive() (Envelope, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()

	var hdr [4]byte
	if _, err := io.ReadFull(c.c, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Envelope{}, fmt.Errorf("wire: truncated frame length: %w", err)
		}
		return Envelope{}, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > frameLenMax {
		return Envelope{}, fmt.Errorf("wire: frame length %d exceeds maximum", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.c, body); err != nil {
		return Envelope{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	return Unmarshal(body)
}

type debugReadWriteCloser struct {
	rwc io.ReadWriteCloser
	ll  *log.Logger
}

func (rwc *debugReadWriteCloser) Read(b []byte) (int, error) {
	n, err := rwc.rwc.Read(b)
	if err != nil {
		return n, err
	}
	rwc.ll.Printf(" read: % x", b[:n])
	return n, nil
}

func (rwc *debugReadWriteCloser) Write(b []byte) (int, error) {
	n, err := rwc.rwc.Write(b)
	if err != nil {
		return n, err
	}
	rwc.ll.Printf("write: % x", b[:n])
	return n, nil
}

func (rwc *debugReadWriteCloser) Close() error {
	err := rwc.rwc.Close()
	rwc.ll.Println("close:", err)
	return err
}
