package handshake

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-tickserver/databuffer"
)

type peer struct {
	out  *databuffer.DataBuffer
	seen []string
	skip bool
}

func newPeer() *peer {
	return &peer{out: databuffer.New()}
}

func (p *peer) Outgoing() *databuffer.DataBuffer {
	return p.out
}

func runAll(t *testing.T, q *Sequence[*peer], p *peer, in *databuffer.DataBuffer) Result {
	t.Helper()
	for i := 0; i < 100; i++ {
		res, err := q.Run(p, in)
		require.NoError(t, err)
		if res != Pending {
			return res
		}
	}

	t.Fatal("sequence did not settle")
	return Pending
}

func TestSequence_Run(t *testing.T) {
	t.Run("empty sequence is finished", func(t *testing.T) {
		res, err := NewSequence[*peer]().Run(newPeer(), databuffer.New())
		require.NoError(t, err)
		assert.Equal(t, Finished, res)
	})

	t.Run("producer writes and pops", func(t *testing.T) {
		p := newPeer()
		q := NewSequence(
			Write("id", func(*peer) any { return int32(7) }),
			Write("flag", func(*peer) any { return true }),
		)

		res, err := q.Run(p, databuffer.New())
		require.NoError(t, err)
		assert.Equal(t, Pending, res)
		assert.Equal(t, "flag", q.Head())

		res, err = q.Run(p, databuffer.New())
		require.NoError(t, err)
		assert.Equal(t, Finished, res)
		assert.Equal(t, []byte{0, 0, 0, 7, 1}, p.out.Bytes())
	})

	t.Run("false condition skips the step", func(t *testing.T) {
		p := newPeer()
		p.skip = true
		called := false
		q := NewSequence(
			NewProducer[*peer]("maybe", func(*peer) error {
				called = true
				return nil
			}).When(func(p *peer) bool { return !p.skip }),
			NewProducer[*peer]("always", func(p *peer) error {
				p.seen = append(p.seen, "always")
				return nil
			}),
		)

		assert.Equal(t, Finished, runAll(t, q, p, databuffer.New()))
		assert.False(t, called)
		assert.Equal(t, []string{"always"}, p.seen)
	})

	t.Run("producer error names the step", func(t *testing.T) {
		boom := errors.New("boom")
		q := NewSequence(NewProducer[*peer]("auth", func(*peer) error { return boom }))

		_, err := q.Run(newPeer(), databuffer.New())
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, "auth", stepErr.Step)
		assert.ErrorIs(t, err, boom)
	})
}

func TestSequence_Consumer(t *testing.T) {
	t.Run("awaits data on empty buffer", func(t *testing.T) {
		q := NewSequence(ReadInt32("n", func(*peer, int32) error { return nil }))
		res, err := q.Run(newPeer(), databuffer.New())
		require.NoError(t, err)
		assert.Equal(t, AwaitingData, res)
	})

	t.Run("two plus two bytes across calls completes", func(t *testing.T) {
		var got int32
		q := NewSequence(ReadInt32("n", func(_ *peer, v int32) error {
			got = v
			return nil
		}))
		p := newPeer()

		res, err := q.Run(p, databuffer.Wrap([]byte{0, 0}))
		require.NoError(t, err)
		assert.Equal(t, AwaitingData, res)

		res, err = q.Run(p, databuffer.Wrap([]byte{1, 2}))
		require.NoError(t, err)
		assert.Equal(t, Finished, res)
		assert.Equal(t, int32(258), got)
	})

	t.Run("leaves bytes beyond the step in the buffer", func(t *testing.T) {
		q := NewSequence(ReadBytes("two", 2, func(*peer, []byte) error { return nil }))
		in := databuffer.Wrap([]byte{1, 2, 3})

		res, err := q.Run(newPeer(), in)
		require.NoError(t, err)
		assert.Equal(t, Finished, res)
		assert.Equal(t, []byte{3}, in.Unread())
	})

	t.Run("consumer that reads nothing is a protocol violation", func(t *testing.T) {
		q := NewSequence(NewConsumer[*peer]("stuck", func(*peer, *databuffer.DataBuffer) (bool, error) {
			return false, nil
		}))

		_, err := q.Run(newPeer(), databuffer.Wrap([]byte{1}))
		assert.ErrorIs(t, err, ErrNoProgress)
	})

	t.Run("consumer that reads piecemeal is driven to completion", func(t *testing.T) {
		calls := 0
		q := NewSequence(NewConsumer[*peer]("piecemeal", func(_ *peer, in *databuffer.DataBuffer) (bool, error) {
			calls++
			_, err := in.Byte()
			return calls == 3, err
		}))
		in := databuffer.Wrap([]byte{1, 2, 3, 4})

		res, err := q.Run(newPeer(), in)
		require.NoError(t, err)
		assert.Equal(t, Finished, res)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 1, in.Remaining())
	})

	t.Run("append from a running step extends the sequence", func(t *testing.T) {
		p := newPeer()
		var q *Sequence[*peer]
		q = NewSequence(ReadInt32("hello", func(p *peer, v int32) error {
			q.Append(Write("reply", func(*peer) any { return v + 1 }))
			return nil
		}))

		assert.Equal(t, Finished, runAll(t, q, p, databuffer.Wrap([]byte{0, 0, 0, 1})))
		assert.Equal(t, []byte{0, 0, 0, 2}, p.out.Bytes())
	})
}

func TestReadBlob(t *testing.T) {
	payload := []byte("secret")
	b := databuffer.New()
	b.PutBlob(payload)
	wire := b.Bytes()

	for _, size := range []int{1, 2, 3, 5, len(wire)} {
		var got []byte
		q := NewSequence(ReadBlob("blob", 64, func(_ *peer, data []byte) error {
			got = data
			return nil
		}))
		p := newPeer()

		res := AwaitingData
		for off := 0; off < len(wire); off += size {
			end := min(off+size, len(wire))
			var err error
			res, err = q.Run(p, databuffer.Wrap(wire[off:end]))
			require.NoError(t, err)
		}

		assert.Equal(t, Finished, res, "fragment size %d", size)
		assert.Equal(t, payload, got, "fragment size %d", size)
	}

	t.Run("oversized length fails", func(t *testing.T) {
		q := NewSequence(ReadBlob("blob", 2, func(*peer, []byte) error { return nil }))
		_, err := q.Run(newPeer(), databuffer.Wrap(wire))
		assert.ErrorIs(t, err, databuffer.ErrBlobTooLarge)
	})

	t.Run("negative length fails", func(t *testing.T) {
		q := NewSequence(ReadBlob("blob", 2, func(*peer, []byte) error { return nil }))
		_, err := q.Run(newPeer(), databuffer.Wrap([]byte{0xff, 0xff, 0xff, 0xfe}))
		assert.ErrorIs(t, err, databuffer.ErrBlobTooLarge)
		assert.ErrorContains(t, err, "negative length -2")
	})
}

func TestSequence_NeverAwaitsWithEnoughData(t *testing.T) {
	q := NewSequence(
		ReadInt32("a", func(*peer, int32) error { return nil }),
		ReadBytes("b", 3, func(*peer, []byte) error { return nil }),
	)

	res := runAll(t, q, newPeer(), databuffer.Wrap(make([]byte, 7)))
	assert.Equal(t, Finished, res)
}
