package admission

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/go-tickserver/logger"
	"github.com/cyberinferno/go-tickserver/safeset"
)

// Reason explains a refusal. The empty Reason means the connection is
// allowed.
type Reason string

const (
	// Allowed means the connection may proceed.
	Allowed Reason = ""
	// ReasonBlocked means the host is on the blocklist.
	ReasonBlocked Reason = "blocklist"
	// ReasonRate means the host exceeded its attempt budget.
	ReasonRate Reason = "rate"
)

// BlocklistSource supplies the full blocklist on refresh.
type BlocklistSource interface {
	Blocklist(ctx context.Context) ([]string, error)
}

// RedisBlocklist reads the blocklist from a Redis set, so operators can
// block a host on every server with one SADD.
type RedisBlocklist struct {
	Client redis.Cmdable
	Key    string
}

// Blocklist implements BlocklistSource.
func (b RedisBlocklist) Blocklist(ctx context.Context) ([]string, error) {
	return b.Client.SMembers(ctx, b.Key).Result()
}

// Config configures a Policy.
type Config struct {
	// Blocklist holds hosts refused outright.
	Blocklist []string
	// Window is the attempt counting window.
	Window time.Duration
	// MaxAttempts is the number of connections a host may open per window;
	// 0 disables rate limiting.
	MaxAttempts int
}

// Policy applies the blocklist and the attempt budget. It is safe for
// concurrent use by accept goroutines.
type Policy struct {
	log         logger.Logger
	blocked     *safeset.SafeSet[string]
	counter     Counter
	window      time.Duration
	maxAttempts int

	source  BlocklistSource
	refresh singleflight.Group
}

// NewPolicy creates a Policy.
//
// Parameters:
//   - cfg: Blocklist and attempt budget
//   - counter: Attempt counter; nil disables rate limiting
//   - log: Logger for backend failures; nil discards them
//
// Returns:
//   - A new Policy
func NewPolicy(cfg Config, counter Counter, log logger.Logger) *Policy {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Policy{
		log:         log.With(logger.Field{Key: "component", Value: "admission"}),
		blocked:     safeset.NewSafeSet(cfg.Blocklist...),
		counter:     counter,
		window:      cfg.Window,
		maxAttempts: cfg.MaxAttempts,
	}
}

// SetSource makes Refresh load the blocklist from src.
func (p *Policy) SetSource(src BlocklistSource) {
	p.source = src
}

// Check decides whether a connection from endpoint may proceed. Counter
// failures are logged and the connection is allowed.
//
// Parameters:
//   - ctx: Context for the counter backend
//   - endpoint: Remote address in host:port form
//
// Returns:
//   - Allowed, or the reason for refusal
func (p *Policy) Check(ctx context.Context, endpoint string) Reason {
	host := Host(endpoint)
	if p.blocked.Contains(host) {
		return ReasonBlocked
	}

	if p.counter == nil || p.maxAttempts <= 0 {
		return Allowed
	}

	n, err := p.counter.Incr(ctx, "attempts:"+host, p.window)
	if err != nil {
		p.log.Warn("attempt counter unavailable, allowing connection", logger.Err(err), logger.Field{Key: "host", Value: host})
		return Allowed
	}

	if n > int64(p.maxAttempts) {
		return ReasonRate
	}

	return Allowed
}

// Allow reports whether Check allows endpoint.
func (p *Policy) Allow(ctx context.Context, endpoint string) bool {
	return p.Check(ctx, endpoint) == Allowed
}

// Block adds host to the blocklist.
func (p *Policy) Block(host string) {
	p.blocked.Add(host)
}

// Unblock removes host from the blocklist.
func (p *Policy) Unblock(host string) {
	p.blocked.Remove(host)
}

// Blocked returns a snapshot of the blocklist.
func (p *Policy) Blocked() []string {
	return p.blocked.Values()
}

// Refresh replaces the blocklist with the contents of the source set with
// SetSource. Concurrent calls share one load. Without a source it does
// nothing.
//
// Returns:
//   - An error if the source failed; the previous blocklist is kept
func (p *Policy) Refresh(ctx context.Context) error {
	if p.source == nil {
		return nil
	}

	_, err, _ := p.refresh.Do("blocklist", func() (interface{}, error) {
		hosts, err := p.source.Blocklist(ctx)
		if err != nil {
			return nil, err
		}

		p.blocked.Replace(hosts)
		return len(hosts), nil
	})

	return err
}

// RunRefresher calls Refresh every interval until ctx is done. Failures are
// logged.
//
// Returns:
//   - nil once ctx is done
func (p *Policy) RunRefresher(ctx context.Context, interval time.Duration) error {
	if p.source == nil || interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.Refresh(ctx); err != nil {
			p.log.Warn("blocklist refresh failed", logger.Err(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Host returns the host part of endpoint, or endpoint itself if it has no
// port.
func Host(endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return strings.Trim(endpoint, "[]")
	}

	return host
}
