package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()

	t.Run("counts within window", func(t *testing.T) {
		c := NewMemoryCounter(time.Minute)
		for want := int64(1); want <= 3; want++ {
			n, err := c.Incr(ctx, "k", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
	})

	t.Run("window restarts after expiry", func(t *testing.T) {
		c := NewMemoryCounter(time.Minute)
		_, err := c.Incr(ctx, "k", 20*time.Millisecond)
		require.NoError(t, err)
		_, err = c.Incr(ctx, "k", 20*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(40 * time.Millisecond)
		n, err := c.Incr(ctx, "k", 20*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("reset forgets the counter", func(t *testing.T) {
		c := NewMemoryCounter(time.Minute)
		_, _ = c.Incr(ctx, "k", time.Minute)
		require.NoError(t, c.Reset(ctx, "k"))
		assert.Equal(t, 0, c.ItemCount())
	})

	t.Run("cancelled context", func(t *testing.T) {
		c := NewMemoryCounter(time.Minute)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.Incr(cctx, "k", time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, c.Reset(cctx, "k"), context.Canceled)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		c := NewMemoryCounter(time.Minute)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Incr(ctx, "k", time.Minute)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		n, err := c.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(51), n)
	})
}

func TestPolicy_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("blocklisted host is refused", func(t *testing.T) {
		p := NewPolicy(Config{Blocklist: []string{"10.0.0.9"}}, nil, nil)
		assert.Equal(t, ReasonBlocked, p.Check(ctx, "10.0.0.9:5000"))
		assert.True(t, p.Allow(ctx, "10.0.0.8:5000"))
	})

	t.Run("block and unblock at runtime", func(t *testing.T) {
		p := NewPolicy(Config{}, nil, nil)
		p.Block("::1")
		assert.Equal(t, ReasonBlocked, p.Check(ctx, "[::1]:80"))
		p.Unblock("::1")
		assert.Equal(t, Allowed, p.Check(ctx, "[::1]:80"))
	})

	t.Run("attempts over budget are refused per host", func(t *testing.T) {
		p := NewPolicy(Config{Window: time.Minute, MaxAttempts: 2}, NewMemoryCounter(time.Minute), nil)
		assert.Equal(t, Allowed, p.Check(ctx, "1.1.1.1:1"))
		assert.Equal(t, Allowed, p.Check(ctx, "1.1.1.1:2"))
		assert.Equal(t, ReasonRate, p.Check(ctx, "1.1.1.1:3"))
		assert.Equal(t, Allowed, p.Check(ctx, "2.2.2.2:1"))
	})

	t.Run("counter failure allows the connection", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 200 * time.Millisecond,
			MaxRetries:  -1,
		})
		defer client.Close()

		p := NewPolicy(Config{Window: time.Minute, MaxAttempts: 1}, NewRedisCounter(client, "test:"), nil)
		assert.Equal(t, Allowed, p.Check(ctx, "1.1.1.1:1"))
		assert.Equal(t, Allowed, p.Check(ctx, "1.1.1.1:1"))
	})
}

type stubSource struct {
	calls atomic.Int32
	hosts []string
	err   error
	gate  chan struct{}
}

func (s *stubSource) Blocklist(context.Context) ([]string, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}

	return s.hosts, s.err
}

func TestPolicy_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("without source is a no-op", func(t *testing.T) {
		p := NewPolicy(Config{Blocklist: []string{"a"}}, nil, nil)
		require.NoError(t, p.Refresh(ctx))
		assert.Equal(t, []string{"a"}, p.Blocked())
	})

	t.Run("replaces the blocklist", func(t *testing.T) {
		p := NewPolicy(Config{Blocklist: []string{"a"}}, nil, nil)
		p.SetSource(&stubSource{hosts: []string{"b", "c"}})
		require.NoError(t, p.Refresh(ctx))
		assert.ElementsMatch(t, []string{"b", "c"}, p.Blocked())
	})

	t.Run("failure keeps the previous list", func(t *testing.T) {
		p := NewPolicy(Config{Blocklist: []string{"a"}}, nil, nil)
		p.SetSource(&stubSource{err: errors.New("down")})
		assert.Error(t, p.Refresh(ctx))
		assert.Equal(t, []string{"a"}, p.Blocked())
	})

	t.Run("concurrent refreshes share one load", func(t *testing.T) {
		src := &stubSource{hosts: []string{"x"}, gate: make(chan struct{})}
		p := NewPolicy(Config{}, nil, nil)
		p.SetSource(src)

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, p.Refresh(ctx))
			}()
		}

		require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		close(src.gate)
		wg.Wait()

		assert.LessOrEqual(t, src.calls.Load(), int32(5))
		assert.Equal(t, []string{"x"}, p.Blocked())
	})

	t.Run("refresher stops with context", func(t *testing.T) {
		src := &stubSource{hosts: []string{"y"}}
		p := NewPolicy(Config{}, nil, nil)
		p.SetSource(src)

		cctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- p.RunRefresher(cctx, 5*time.Millisecond) }()

		require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, time.Millisecond)
		cancel()
		assert.NoError(t, <-done)
		assert.Equal(t, []string{"y"}, p.Blocked())
	})
}

func TestHost(t *testing.T) {
	assert.Equal(t, "10.1.2.3", Host("10.1.2.3:9000"))
	assert.Equal(t, "::1", Host("[::1]:9000"))
	assert.Equal(t, "example", Host("example"))
	assert.Equal(t, "::1", Host("[::1]"))
}
