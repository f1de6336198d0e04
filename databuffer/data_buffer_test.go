package databuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	x, y int32
}

func (p point) Serialize(b *DataBuffer) {
	b.PutInt32(p.x)
	b.PutInt32(p.y)
}

func TestDataBuffer_Put(t *testing.T) {
	t.Run("primitives are read back in order", func(t *testing.T) {
		b := New()
		require.NoError(t, b.Put(int32(-7)))
		require.NoError(t, b.Put(int64(1<<40)))
		require.NoError(t, b.Put(float32(1.5)))
		require.NoError(t, b.Put(2.25))
		require.NoError(t, b.Put(byte(9)))
		require.NoError(t, b.Put(true))
		require.NoError(t, b.Put("hi"))
		require.NoError(t, b.Put([]byte{1, 2}))

		i32, err := b.Int32()
		require.NoError(t, err)
		assert.Equal(t, int32(-7), i32)

		i64, err := b.Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(1<<40), i64)

		f32, err := b.Float32()
		require.NoError(t, err)
		assert.Equal(t, float32(1.5), f32)

		f64, err := b.Float64()
		require.NoError(t, err)
		assert.Equal(t, 2.25, f64)

		by, err := b.Byte()
		require.NoError(t, err)
		assert.Equal(t, byte(9), by)

		bo, err := b.Bool()
		require.NoError(t, err)
		assert.True(t, bo)

		s, err := b.String(0)
		require.NoError(t, err)
		assert.Equal(t, "hi", s)

		blob, err := b.Blob(0)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2}, blob)
		assert.Equal(t, 0, b.Remaining())
	})

	t.Run("serializable writes itself", func(t *testing.T) {
		b := New()
		require.NoError(t, b.Put(point{x: 3, y: 4}))
		assert.Equal(t, 8, b.Len())
	})

	t.Run("int outside int32 range is rejected", func(t *testing.T) {
		b := New()
		err := b.Put(int(1 << 40))
		assert.ErrorIs(t, err, ErrUnsupportedType)
		assert.Equal(t, 0, b.Len())
	})

	t.Run("unknown type is rejected", func(t *testing.T) {
		err := New().Put(struct{}{})
		assert.ErrorIs(t, err, ErrUnsupportedType)
	})
}

func TestDataBuffer_ShortReads(t *testing.T) {
	t.Run("int32 with two bytes fails and keeps cursor", func(t *testing.T) {
		b := Wrap([]byte{0, 1})
		_, err := b.Int32()
		assert.ErrorIs(t, err, ErrBufferTooShort)
		assert.Equal(t, 2, b.Remaining())
	})

	t.Run("partial blob restores cursor", func(t *testing.T) {
		b := New()
		b.PutInt32(5)
		b.PutBytes([]byte("ab"))
		_, err := b.Blob(0)
		assert.ErrorIs(t, err, ErrBufferTooShort)
		assert.Equal(t, 0, b.Position())
	})

	t.Run("oversized blob is rejected", func(t *testing.T) {
		b := New()
		b.PutBlob(make([]byte, 10))
		_, err := b.Blob(4)
		assert.ErrorIs(t, err, ErrBlobTooLarge)
		assert.Equal(t, 0, b.Position())
	})

	t.Run("negative length is rejected", func(t *testing.T) {
		b := New()
		b.PutInt32(-1)
		_, err := b.Blob(4)
		assert.ErrorIs(t, err, ErrBlobTooLarge)
		assert.ErrorContains(t, err, "negative length -1")
		assert.Equal(t, 0, b.Position())
	})
}

func TestDataBuffer_Compact(t *testing.T) {
	b := New()
	b.PutBytes([]byte{1, 2, 3, 4})
	require.NoError(t, b.Skip(3))

	b.Compact()
	assert.Equal(t, 0, b.Position())
	assert.Equal(t, []byte{4}, b.Unread())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Remaining())
}
