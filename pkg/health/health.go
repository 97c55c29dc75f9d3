// Package health serves /livez and /readyz from checks that run in the
// background. A check turns unhealthy after a run of consecutive failures
// and healthy again after a run of consecutive successes; the endpoints only
// read the last outcome.
package health

import (
	"cmp"
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// CheckFunc returns nil while the checked component works.
type CheckFunc func(ctx context.Context) error

type outcome struct {
	healthy bool
	err     error
}

type check struct {
	name    string
	timeout time.Duration
	fn      CheckFunc
	failAt  int
	passAt  int

	last atomic.Pointer[outcome]

	// Owned by the goroutine calling run.
	fails, passes int
}

func (c *check) state() outcome {
	if o := c.last.Load(); o != nil {
		return *o
	}
	return outcome{healthy: true}
}

func (c *check) run(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.fn(runCtx)
	cancel()

	prev := c.state()
	next := outcome{healthy: prev.healthy, err: err}
	if err != nil {
		c.passes = 0
		c.fails++
		if c.fails >= c.failAt {
			next.healthy = false
		}
	} else {
		c.fails = 0
		c.passes++
		if c.passes >= c.passAt {
			next.healthy = true
		}
	}
	c.last.Store(&next)

	switch lg := zctx.From(ctx); {
	case prev.healthy && !next.healthy:
		lg.Warn("Health check failing", zap.String("check", c.name), zap.Error(err))
	case !prev.healthy && next.healthy:
		lg.Info("Health check recovered", zap.String("check", c.name))
	}
}

// CheckOption tunes a registered check.
type CheckOption func(*check)

// WithFailureThreshold sets how many consecutive failures mark the check
// unhealthy. Default 3.
func WithFailureThreshold(n int) CheckOption {
	return func(c *check) {
		if n > 0 {
			c.failAt = n
		}
	}
}

// WithSuccessThreshold sets how many consecutive successes mark the check
// healthy again. Default 1.
func WithSuccessThreshold(n int) CheckOption {
	return func(c *check) {
		if n > 0 {
			c.passAt = n
		}
	}
}

// Health holds the liveness and readiness checks of one process. It starts
// not ready; see SetReady.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	live   []*check
	gates  []*check
	cancel context.CancelFunc
}

// New returns an empty Health.
func New() *Health {
	return &Health{}
}

func newCheck(name string, timeout time.Duration, fn CheckFunc, opts []CheckOption) *check {
	c := &check{name: name, timeout: timeout, fn: fn, failAt: 3, passAt: 1}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddLivenessCheck registers a check of the process itself, such as
// goroutine count or GC pauses.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc, opts ...CheckOption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live = append(h.live, newCheck(name, timeout, fn, opts))
}

// AddReadinessCheck registers a check of a dependency the process needs to
// take traffic, such as PostgreSQL or Redis.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc, opts ...CheckOption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gates = append(h.gates, newCheck(name, timeout, fn, opts))
}

// Start runs every registered check once immediately and then every
// interval, each on its own goroutine, until Stop or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	all := slices.Concat(h.live, h.gates)
	h.mu.Unlock()

	for _, c := range all {
		go loop(ctx, c, interval)
	}
}

func loop(ctx context.Context, c *check, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop stops the check goroutines. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness gate: true once startup finished,
// false when draining for shutdown.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the gate is open and every readiness check passes.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(failing(h.snapshot(false))) == 0
}

func (h *Health) snapshot(live bool) []*check {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if live {
		return slices.Clone(h.live)
	}
	return slices.Clone(h.gates)
}

// LiveEndpoint serves /livez: 200 {"status":"ok"} or 503 with the failing
// checks.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, failing(h.snapshot(true)))
}

// ReadyEndpoint serves /readyz. A closed gate is reported as the "service"
// check.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := failing(h.snapshot(false))
	if !h.ready.Load() {
		failures = append(failures, failure{name: "service", reason: "not ready"})
	}
	writeStatus(w, failures)
}

type failure struct {
	name   string
	reason string
}

func failing(checks []*check) []failure {
	var out []failure
	for _, c := range checks {
		o := c.state()
		if o.healthy {
			continue
		}
		reason := "check is unhealthy"
		if o.err != nil {
			reason = o.err.Error()
		}
		out = append(out, failure{name: c.name, reason: reason})
	}
	return out
}

func writeStatus(w http.ResponseWriter, failures []failure) {
	slices.SortFunc(failures, func(a, b failure) int { return cmp.Compare(a.name, b.name) })

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	status := http.StatusOK
	e.Obj(func(e *jx.Encoder) {
		if len(failures) == 0 {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
			return
		}
		status = http.StatusServiceUnavailable
		e.Field("status", func(e *jx.Encoder) { e.Str("unhealthy") })
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, f := range failures {
					e.Field(f.name, func(e *jx.Encoder) { e.Str(f.reason) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
