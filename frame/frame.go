// Package frame implements the wire framing used on every connection: a
// 4-byte big-endian payload length followed by the payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the size of the length prefix.
	HeaderLen = 4

	// DefaultMaxPayload is the payload limit used when none is configured.
	DefaultMaxPayload = 1 << 20
)

// ErrFrameTooLarge is returned for a length prefix above the payload limit.
var ErrFrameTooLarge = errors.New("frame: payload too large")

// Append appends one frame carrying payload to dst.
func Append(dst []byte, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Encode returns a new frame carrying payload.
func Encode(payload []byte) []byte {
	return Append(make([]byte, 0, HeaderLen+len(payload)), payload)
}

// Deframer reassembles frames from arbitrarily fragmented input. One
// Deframer belongs to one connection.
type Deframer struct {
	max int
	buf []byte
	off int
}

// NewDeframer returns a Deframer that rejects payloads above max bytes.
// A non-positive max selects DefaultMaxPayload.
func NewDeframer(max int) *Deframer {
	if max <= 0 {
		max = DefaultMaxPayload
	}

	return &Deframer{max: max}
}

// Feed appends received bytes. Payloads returned by earlier Next calls are
// invalid after Feed.
func (d *Deframer) Feed(p []byte) {
	if len(p) == 0 {
		return
	}

	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}

	d.buf = append(d.buf, p...)
}

// Next returns the next complete payload, or ok=false when the buffered
// bytes do not yet hold one. A length prefix above the limit yields
// ErrFrameTooLarge; the connection cannot recover from that.
func (d *Deframer) Next() (payload []byte, ok bool, err error) {
	avail := d.buf[d.off:]
	if len(avail) < HeaderLen {
		return nil, false, nil
	}

	n := binary.BigEndian.Uint32(avail)
	if uint64(n) > uint64(d.max) {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, d.max)
	}

	end := HeaderLen + int(n)
	if len(avail) < end {
		return nil, false, nil
	}

	payload = avail[HeaderLen:end]
	d.off += end
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}

	return payload, true, nil
}

// Buffered returns the number of bytes held that have not been returned as
// payloads yet.
func (d *Deframer) Buffered() int {
	return len(d.buf) - d.off
}
