// Package databuffer provides DataBuffer, the typed byte buffer that handshake
// steps and message handlers read from and write to. Values are encoded
// big-endian; blobs and strings carry a 4-byte length prefix.
package databuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DefaultMaxBlob is the largest blob or string Blob and String accept when
// called with a non-positive limit.
const DefaultMaxBlob = 1 << 20

var (
	// ErrBufferTooShort is returned when fewer unread bytes remain than the
	// value being read requires. The read position is left unchanged.
	ErrBufferTooShort = errors.New("databuffer: buffer too short")

	// ErrBlobTooLarge is returned when a length prefix is negative or exceeds
	// the caller's limit.
	ErrBlobTooLarge = errors.New("databuffer: blob length exceeds limit")

	// ErrUnsupportedType is returned by Put for values it cannot encode.
	ErrUnsupportedType = errors.New("databuffer: unsupported value type")
)

// Serializable is implemented by payloads that encode themselves into a
// DataBuffer. It is the extension point for message types beyond the
// built-in primitives.
type Serializable interface {
	// Serialize appends the value's encoding to b.
	//
	// Parameters:
	//   - b: The buffer to write to
	Serialize(b *DataBuffer)
}

// DataBuffer is an append-only byte buffer with a read cursor. Writes always
// append to the end; reads consume from the cursor. It is not safe for
// concurrent use; every buffer in this module is owned by the tick goroutine.
type DataBuffer struct {
	buf []byte
	pos int
}

// New returns an empty DataBuffer with a small initial capacity.
//
// Returns:
//   - A new, empty *DataBuffer
func New() *DataBuffer {
	return &DataBuffer{buf: make([]byte, 0, 256)}
}

// Wrap returns a DataBuffer whose unread content is b. The slice is used
// directly, not copied; callers must not modify it while the buffer is in use.
//
// Parameters:
//   - b: The bytes to read from
//
// Returns:
//   - A *DataBuffer positioned at the start of b
func Wrap(b []byte) *DataBuffer {
	return &DataBuffer{buf: b}
}

// Len returns the total number of bytes written, read or not.
func (b *DataBuffer) Len() int {
	return len(b.buf)
}

// Remaining returns the number of unread bytes.
func (b *DataBuffer) Remaining() int {
	return len(b.buf) - b.pos
}

// Position returns the read cursor.
func (b *DataBuffer) Position() int {
	return b.pos
}

// Bytes returns every byte written, including those already read. The slice
// is valid until the next write or Reset.
func (b *DataBuffer) Bytes() []byte {
	return b.buf
}

// Unread returns the bytes between the cursor and the end. The slice is
// valid until the next write or Reset.
func (b *DataBuffer) Unread() []byte {
	return b.buf[b.pos:]
}

// Reset empties the buffer and rewinds the cursor, keeping capacity.
func (b *DataBuffer) Reset() {
	b.buf = b.buf[:0]
	b.pos = 0
}

// Compact discards already-read bytes so the unread bytes start at index 0.
func (b *DataBuffer) Compact() {
	if b.pos == 0 {
		return
	}

	n := copy(b.buf, b.buf[b.pos:])
	b.buf = b.buf[:n]
	b.pos = 0
}

// PutBytes appends raw bytes without a length prefix.
func (b *DataBuffer) PutBytes(p []byte) {
	b.buf = append(b.buf, p...)
}

// PutByte appends a single byte.
func (b *DataBuffer) PutByte(v byte) {
	b.buf = append(b.buf, v)
}

// PutBool appends a boolean as 0x00 or 0x01.
func (b *DataBuffer) PutBool(v bool) {
	if v {
		b.buf = append(b.buf, 1)
		return
	}

	b.buf = append(b.buf, 0)
}

// PutInt32 appends a big-endian int32.
func (b *DataBuffer) PutInt32(v int32) {
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(v))
}

// PutInt64 appends a big-endian int64.
func (b *DataBuffer) PutInt64(v int64) {
	b.buf = binary.BigEndian.AppendUint64(b.buf, uint64(v))
}

// PutFloat32 appends an IEEE-754 float32.
func (b *DataBuffer) PutFloat32(v float32) {
	b.buf = binary.BigEndian.AppendUint32(b.buf, math.Float32bits(v))
}

// PutFloat64 appends an IEEE-754 float64.
func (b *DataBuffer) PutFloat64(v float64) {
	b.buf = binary.BigEndian.AppendUint64(b.buf, math.Float64bits(v))
}

// PutBlob appends p prefixed by its int32 length.
func (b *DataBuffer) PutBlob(p []byte) {
	b.PutInt32(int32(len(p)))
	b.buf = append(b.buf, p...)
}

// PutString appends s as a length-prefixed blob.
func (b *DataBuffer) PutString(s string) {
	b.PutInt32(int32(len(s)))
	b.buf = append(b.buf, s...)
}

// Put appends any supported value: int32, int64, int (as int32), float32,
// float64, byte, bool, string, []byte (as a blob), Serializable, or another
// *DataBuffer (its unread bytes, raw).
//
// Parameters:
//   - value: The value to encode
//
// Returns:
//   - ErrUnsupportedType wrapped with the Go type if value cannot be encoded
func (b *DataBuffer) Put(value any) error {
	switch v := value.(type) {
	case int32:
		b.PutInt32(v)
	case int64:
		b.PutInt64(v)
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("%w: int %d overflows int32", ErrUnsupportedType, v)
		}
		b.PutInt32(int32(v))
	case float32:
		b.PutFloat32(v)
	case float64:
		b.PutFloat64(v)
	case byte:
		b.PutByte(v)
	case bool:
		b.PutBool(v)
	case string:
		b.PutString(v)
	case []byte:
		b.PutBlob(v)
	case Serializable:
		v.Serialize(b)
	case *DataBuffer:
		b.PutBytes(v.Unread())
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, value)
	}

	return nil
}

// Next consumes n bytes and returns them as a view into the buffer.
//
// Returns:
//   - The n bytes, valid until the next write or Reset
//   - ErrBufferTooShort if fewer than n bytes remain
func (b *DataBuffer) Next(n int) ([]byte, error) {
	if n < 0 || b.Remaining() < n {
		return nil, ErrBufferTooShort
	}

	p := b.buf[b.pos : b.pos+n]
	b.pos += n
	return p, nil
}

// Skip advances the cursor by n bytes.
func (b *DataBuffer) Skip(n int) error {
	_, err := b.Next(n)
	return err
}

// Byte reads one byte.
func (b *DataBuffer) Byte() (byte, error) {
	p, err := b.Next(1)
	if err != nil {
		return 0, err
	}

	return p[0], nil
}

// Bool reads a boolean; any non-zero byte is true.
func (b *DataBuffer) Bool() (bool, error) {
	v, err := b.Byte()
	return v != 0, err
}

// Int32 reads a big-endian int32.
func (b *DataBuffer) Int32() (int32, error) {
	p, err := b.Next(4)
	if err != nil {
		return 0, err
	}

	return int32(binary.BigEndian.Uint32(p)), nil
}

// Int64 reads a big-endian int64.
func (b *DataBuffer) Int64() (int64, error) {
	p, err := b.Next(8)
	if err != nil {
		return 0, err
	}

	return int64(binary.BigEndian.Uint64(p)), nil
}

// Float32 reads an IEEE-754 float32.
func (b *DataBuffer) Float32() (float32, error) {
	p, err := b.Next(4)
	if err != nil {
		return 0, err
	}

	return math.Float32frombits(binary.BigEndian.Uint32(p)), nil
}

// Float64 reads an IEEE-754 float64.
func (b *DataBuffer) Float64() (float64, error) {
	p, err := b.Next(8)
	if err != nil {
		return 0, err
	}

	return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
}

// Blob reads a length-prefixed blob. Either the whole blob is consumed or
// nothing is: on ErrBufferTooShort the cursor is restored.
//
// Parameters:
//   - max: Largest accepted length; non-positive means DefaultMaxBlob
//
// Returns:
//   - A copy of the blob bytes
//   - ErrBufferTooShort or ErrBlobTooLarge on failure
func (b *DataBuffer) Blob(max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxBlob
	}

	start := b.pos
	n, err := b.Int32()
	if err != nil {
		return nil, err
	}

	if n < 0 {
		b.pos = start
		return nil, fmt.Errorf("%w: negative length %d", ErrBlobTooLarge, n)
	}

	if int(n) > max {
		b.pos = start
		return nil, fmt.Errorf("%w: %d > %d", ErrBlobTooLarge, n, max)
	}

	p, err := b.Next(int(n))
	if err != nil {
		b.pos = start
		return nil, err
	}

	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

// String reads a length-prefixed string with the same rules as Blob.
func (b *DataBuffer) String(max int) (string, error) {
	p, err := b.Blob(max)
	if err != nil {
		return "", err
	}

	return string(p), nil
}
