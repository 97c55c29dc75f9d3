package httpmiddleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// Counter records hits per key in fixed windows aligned to the window size.
type Counter interface {
	// Hit counts one request for key in the window starting at start and
	// returns the count of that window and of the window before it.
	Hit(ctx context.Context, key string, start time.Time, window time.Duration) (curr, prev int64, err error)
}

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max requests per window.
	Max    int
	Window time.Duration
	// KeyFunc identifies the client. Defaults to the client IP.
	KeyFunc func(*http.Request) string
	// Counter stores the windows. Defaults to an in-process counter; use
	// RedisCounter to share limits between instances.
	Counter Counter
	// OnError is called when the counter fails. The request is let through.
	OnError func(*http.Request, error)
}

type windowCount struct {
	start      time.Time
	curr, prev int64
}

// memoryCounter is a Counter local to one process.
type memoryCounter struct {
	mu      sync.Mutex
	windows map[string]*windowCount
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{windows: make(map[string]*windowCount)}
}

func (c *memoryCounter) Hit(_ context.Context, key string, start time.Time, window time.Duration) (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[key]
	if !ok {
		w = &windowCount{start: start}
		c.windows[key] = w
	}
	if !w.start.Equal(start) {
		if start.Sub(w.start) == window {
			w.prev = w.curr
		} else {
			w.prev = 0
		}
		w.curr = 0
		w.start = start
	}
	w.curr++
	return w.curr, w.prev, nil
}

// evict drops keys idle for two windows.
func (c *memoryCounter) evict(now time.Time, window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, w := range c.windows {
		if now.Sub(w.start) >= 2*window {
			delete(c.windows, key)
		}
	}
}

// RedisCounter is a Counter shared through Redis. Window keys expire after
// two windows.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

var _ Counter = (*RedisCounter)(nil)

// NewRedisCounter returns a RedisCounter storing keys under prefix.
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) windowKey(key string, start time.Time) string {
	return c.prefix + key + ":" + strconv.FormatInt(start.Unix(), 10)
}

func (c *RedisCounter) Hit(ctx context.Context, key string, start time.Time, window time.Duration) (int64, int64, error) {
	var (
		incr *redis.IntCmd
		prev *redis.StringCmd
	)
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		cur := c.windowKey(key, start)
		incr = p.Incr(ctx, cur)
		p.PExpire(ctx, cur, 2*window)
		prev = p.Get(ctx, c.windowKey(key, start.Add(-window)))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, errors.Wrap(err, "count request")
	}
	p, err := prev.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, errors.Wrap(err, "read previous window")
	}
	return incr.Val(), p, nil
}

type decision struct {
	remaining int
	resetAt   time.Time
	allowed   bool
}

// decide weighs the previous window by how much of it the sliding window
// still covers.
func decide(limit int, window time.Duration, start, now time.Time, curr, prev int64) decision {
	overlap := 1 - now.Sub(start).Seconds()/window.Seconds()
	if overlap < 0 {
		overlap = 0
	}
	effective := float64(prev)*overlap + float64(curr)
	d := decision{resetAt: start.Add(window)}
	if effective > float64(limit) {
		return d
	}
	d.allowed = true
	d.remaining = max(0, int(float64(limit)-effective))
	return d
}

// RateLimit enforces a per-key sliding window limit. Exceeding it answers
// 429 with Retry-After. Every response carries X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset.
func RateLimit(cfg RateLimitConfig) Middleware {
	return rateLimit(cfg, nil)
}

// RateLimitWithCleanup is RateLimit with periodic eviction of idle keys from
// the in-process counter until ctx is done. A configured Counter is used as
// is.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	if cfg.Counter != nil {
		return rateLimit(cfg, nil)
	}
	mc := newMemoryCounter()
	go func() {
		ticker := time.NewTicker(2 * cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				mc.evict(now, cfg.Window)
			}
		}
	}()
	return rateLimit(cfg, mc)
}

func rateLimit(cfg RateLimitConfig, mc *memoryCounter) Middleware {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = defaultKeyFunc
	}
	if cfg.Counter == nil {
		if mc == nil {
			mc = newMemoryCounter()
		}
		cfg.Counter = mc
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			start := now.Truncate(cfg.Window)

			curr, prev, err := cfg.Counter.Hit(r.Context(), cfg.KeyFunc(r), start, cfg.Window)
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(r, err)
				}
				next.ServeHTTP(w, r)
				return
			}
			d := decide(cfg.Max, cfg.Window, start, now, curr, prev)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.resetAt.Unix(), 10))

			if !d.allowed {
				wait := max(0, time.Until(d.resetAt))
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyByHeader limits per value of the named header, such as an API key,
// and falls back to the client IP. Values are hashed before use as keys.
func KeyByHeader(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := r.Header.Get(name); v != "" {
			sum := sha256.Sum256([]byte(v))
			return "h:" + hex.EncodeToString(sum[:8])
		}
		return defaultKeyFunc(r)
	}
}

// defaultKeyFunc returns the first X-Forwarded-For hop, X-Real-IP, or the
// remote host.
func defaultKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
