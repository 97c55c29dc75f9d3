package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

// toggle is a CheckFunc whose result the test switches.
type toggle struct {
	mu  sync.Mutex
	err error
}

func (tg *toggle) set(err error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.err = err
}

func (tg *toggle) check(context.Context) error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.err
}

type statusBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func serve(t *testing.T, endpoint http.HandlerFunc) (int, statusBody) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body statusBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w.Code, body
}

// runN runs every registered check n times on the calling goroutine.
func runN(h *Health, n int) {
	for _, c := range append(h.snapshot(true), h.snapshot(false)...) {
		for range n {
			c.run(context.Background())
		}
	}
}

func TestLiveEndpoint(t *testing.T) {
	refused := func(context.Context) error { return errors.New("refused") }
	ok := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		checks     map[string]CheckFunc
		runs       int
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
		},
		{
			name:       "all passing",
			checks:     map[string]CheckFunc{"goroutines": ok, "gc_pause": ok},
			runs:       3,
			wantStatus: http.StatusOK,
		},
		{
			name:       "below failure threshold",
			checks:     map[string]CheckFunc{"goroutines": refused},
			runs:       2,
			wantStatus: http.StatusOK,
		},
		{
			name:       "at failure threshold",
			checks:     map[string]CheckFunc{"goroutines": refused, "gc_pause": ok},
			runs:       3,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"goroutines": "refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			for name, fn := range tt.checks {
				h.AddLivenessCheck(name, time.Second, fn)
			}
			runN(h, tt.runs)

			code, body := serve(t, h.LiveEndpoint)
			assert.Equal(t, tt.wantStatus, code)
			assert.Equal(t, tt.wantChecks, body.Checks)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "ok", body.Status)
			} else {
				assert.Equal(t, "unhealthy", body.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	down := &toggle{err: errors.New("connection refused")}
	h := New()
	h.AddReadinessCheck("postgres", time.Second, PingCheck(stubPinger{}))
	h.AddReadinessCheck("redis", time.Second, down.check, WithFailureThreshold(1))

	code, body := serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"service": "not ready"}, body.Checks)

	h.SetReady(true)
	runN(h, 1)
	code, body = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"redis": "connection refused"}, body.Checks)
	assert.False(t, h.IsReady())

	down.set(nil)
	runN(h, 1)
	code, body = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, h.IsReady())

	// Draining for shutdown.
	h.SetReady(false)
	assert.False(t, h.IsReady())
	code, _ = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCheckThresholds(t *testing.T) {
	tests := []struct {
		name    string
		opts    []CheckOption
		fails   int
		passes  int
		healthy []bool // after each run: fails first, then passes
	}{
		{
			name:    "defaults",
			fails:   3,
			passes:  1,
			healthy: []bool{true, true, false, true},
		},
		{
			name:    "fail fast",
			opts:    []CheckOption{WithFailureThreshold(1)},
			fails:   1,
			passes:  1,
			healthy: []bool{false, true},
		},
		{
			name:    "slow recovery",
			opts:    []CheckOption{WithFailureThreshold(1), WithSuccessThreshold(2)},
			fails:   1,
			passes:  2,
			healthy: []bool{false, false, true},
		},
		{
			name:    "non-positive ignored",
			opts:    []CheckOption{WithFailureThreshold(0), WithSuccessThreshold(-1)},
			fails:   3,
			passes:  1,
			healthy: []bool{true, true, false, true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := &toggle{err: errors.New("down")}
			c := newCheck("dep", time.Second, tg.check, tt.opts)

			var got []bool
			for range tt.fails {
				c.run(context.Background())
				got = append(got, c.state().healthy)
			}
			tg.set(nil)
			for range tt.passes {
				c.run(context.Background())
				got = append(got, c.state().healthy)
			}
			assert.Equal(t, tt.healthy, got)
		})
	}
}

func TestCheckTimeout(t *testing.T) {
	c := newCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, []CheckOption{WithFailureThreshold(1)})

	c.run(context.Background())
	st := c.state()
	assert.False(t, st.healthy)
	assert.ErrorIs(t, st.err, context.DeadlineExceeded)
}

func TestStartStop(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := New()
	h.AddLivenessCheck("counter", time.Second, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, time.Millisecond)

	h.Stop()
	h.Stop()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	stopped := calls
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, stopped, calls)
}

func TestEndpointsUnderConcurrentChecks(t *testing.T) {
	tg := &toggle{}
	h := New()
	h.AddReadinessCheck("flappy", time.Second, tg.check, WithFailureThreshold(1))
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				if i == 0 && j%5 == 0 {
					tg.set(errors.New("down"))
				} else if i == 0 {
					tg.set(nil)
				}
				w := httptest.NewRecorder()
				h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
				_ = h.IsReady()
			}
		}()
	}
	wg.Wait()
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, PingCheck(stubPinger{})(ctx))
	assert.EqualError(t, PingCheck(stubPinger{err: errors.New("refused")})(ctx), "refused")

	assert.NoError(t, GoroutineCountCheck(1_000_000)(ctx))
	assert.ErrorContains(t, GoroutineCountCheck(0)(ctx), "limit 0")

	assert.NoError(t, GCMaxPauseCheck(time.Hour)(ctx))

	assert.ErrorContains(t, KafkaCheck(nil)(ctx), "no kafka brokers")
}
