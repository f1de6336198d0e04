package handshake

import (
	"encoding/binary"
	"fmt"

	"github.com/cyberinferno/go-tickserver/databuffer"
)

// Outbound is satisfied by targets that own an outgoing buffer.
type Outbound interface {
	Outgoing() *databuffer.DataBuffer
}

// Write returns a producer that appends the value returned by fn to the
// target's outgoing buffer.
func Write[S Outbound](name string, fn func(target S) any) Step[S] {
	return NewProducer[S](name, func(target S) error {
		return target.Outgoing().Put(fn(target))
	})
}

// ReadBytes returns a consumer that collects exactly n bytes, however they
// are fragmented across calls, then hands them to fn. The collected bytes
// live in the step, so the step must be built for a single target.
//
// Parameters:
//   - name: Step name
//   - n: Number of bytes to collect
//   - fn: Called once with the n bytes; an error fails the step
//
// Returns:
//   - The consumer step
func ReadBytes[S any](name string, n int, fn func(target S, data []byte) error) Step[S] {
	acc := make([]byte, 0, n)
	return NewConsumer[S](name, func(target S, in *databuffer.DataBuffer) (bool, error) {
		need := n - len(acc)
		if take := min(need, in.Remaining()); take > 0 {
			p, _ := in.Next(take)
			acc = append(acc, p...)
		}

		if len(acc) < n {
			return false, nil
		}

		data := acc
		acc = make([]byte, 0, n)
		return true, fn(target, data)
	})
}

// ReadInt32 returns a consumer that reads one big-endian int32.
func ReadInt32[S any](name string, fn func(target S, v int32) error) Step[S] {
	return ReadBytes[S](name, 4, func(target S, data []byte) error {
		return fn(target, int32(binary.BigEndian.Uint32(data)))
	})
}

// ReadBlob returns a consumer that reads an int32 length prefix followed by
// that many bytes. Lengths below zero or above max fail the step.
func ReadBlob[S any](name string, max int, fn func(target S, data []byte) error) Step[S] {
	if max <= 0 {
		max = databuffer.DefaultMaxBlob
	}

	var (
		header = make([]byte, 0, 4)
		body   []byte
		size   = -1
	)

	return NewConsumer[S](name, func(target S, in *databuffer.DataBuffer) (bool, error) {
		if size < 0 {
			if take := min(4-len(header), in.Remaining()); take > 0 {
				p, _ := in.Next(take)
				header = append(header, p...)
			}

			if len(header) < 4 {
				return false, nil
			}

			n := int32(binary.BigEndian.Uint32(header))
			if n < 0 {
				return false, fmt.Errorf("%w: negative length %d", databuffer.ErrBlobTooLarge, n)
			}

			if int(n) > max {
				return false, fmt.Errorf("%w: %d > %d", databuffer.ErrBlobTooLarge, n, max)
			}

			size = int(n)
			body = make([]byte, 0, size)
		}

		if take := min(size-len(body), in.Remaining()); take > 0 {
			p, _ := in.Next(take)
			body = append(body, p...)
		}

		if len(body) < size {
			return false, nil
		}

		data := body
		header, body, size = header[:0], nil, -1
		return true, fn(target, data)
	})
}
