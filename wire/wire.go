package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// headerLen is the size of the big-endian length prefix on every frame.
const headerLen = 4

var (
	// ErrClosed indicates the peer closed the stream cleanly before sending
	// a frame header. It is distinct from every protocol error so callers
	// can end a session loop without treating it as a fault.
	ErrClosed = errors.New("wire: connection closed")

	// ErrFrameTooLarge indicates an incoming frame exceeded the configured
	// payload cap.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// Conn frames an underlying byte stream into discrete messages.
// Each message on the wire is a 4-byte big-endian length followed by exactly
// that many payload bytes. Conn never interprets payload contents.
//
// Conn is not safe for concurrent use; the protocol assumes a single writer
// and a single reader at a time per connection.
type Conn struct {
	rwc io.ReadWriteCloser

	// maxPayload caps incoming frame sizes. Zero means no cap; the framing
	// layer itself imposes no limit.
	maxPayload uint32
}

// NewConn wraps rwc in a framing connection.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc}
}

// SetMaxPayload sets the incoming frame size cap. Zero disables the cap.
func (c *Conn) SetMaxPayload(n uint32) {
	c.maxPayload = n
}

// Send writes one frame containing p.
func (c *Conn) Send(p []byte) error {
	buf := make([]byte, headerLen+len(p))
	binary.BigEndian.PutUint32(buf[:headerLen], uint32(len(p)))
	copy(buf[headerLen:], p)
	if _, err := c.rwc.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Recv reads one complete frame, looping until the full payload is obtained
// even when the stream delivers fewer bytes per read than requested.
// A clean EOF before any header byte returns ErrClosed.
func (c *Conn) Recv() ([]byte, error) {
	var head [headerLen]byte
	n, err := io.ReadFull(c.rwc, head[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(head[:])
	if c.maxPayload != 0 && size > c.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.rwc, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}
