package mockserver

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chalabi2/rpcproxyd/internal/ratelimit"
)

// fakeLimiter lets tests force a rate-limit outcome without wiring a
// real *target.TargetServer.
type fakeLimiter struct{ outcome ratelimit.Outcome }

func (f fakeLimiter) TryAcquireRateLimit() ratelimit.Outcome { return f.outcome }

func TestIsMockAlias(t *testing.T) {
	if !IsMockAlias("mock-0") {
		t.Fatalf("expected mock-0 to be recognized as a mock alias")
	}
	if IsMockAlias("node-a") {
		t.Fatalf("expected node-a to not be recognized as a mock alias")
	}
}

func TestServer_ServesConfiguredResponse(t *testing.T) {
	s := New("mock-0", "127.0.0.1:0", nil, zap.NewNop())
	s.SetBehavior(Behavior{HTTPStatus: http.StatusOK, ResponseBody: `{"jsonrpc":"2.0","id":1,"result":"ok"}`})

	rec := &responseRecorder{}
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	s.handle(rec, req)

	if rec.status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.status)
	}
	if s.Stats().Served != 1 {
		t.Fatalf("expected served counter to increment")
	}
}

func TestServer_FailureRateOneAlwaysFails(t *testing.T) {
	s := New("mock-0", "127.0.0.1:0", nil, zap.NewNop())
	s.SetBehavior(Behavior{FailureRate: 1.0, HTTPStatus: http.StatusOK})

	rec := &responseRecorder{}
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	s.handle(rec, req)

	if rec.status < 400 {
		t.Fatalf("expected a failure-rate of 1.0 to always fail, got status %d", rec.status)
	}
	if s.Stats().Failed != 1 {
		t.Fatalf("expected failed counter to increment")
	}
}

func TestServer_PausedRejectsAllRequests(t *testing.T) {
	s := New("mock-0", "127.0.0.1:0", nil, zap.NewNop())
	s.Pause()

	rec := &responseRecorder{}
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	s.handle(rec, req)

	if rec.status != http.StatusServiceUnavailable {
		t.Fatalf("expected a paused mock to reject with 503, got %d", rec.status)
	}
}

func TestServer_ResetClearsCounters(t *testing.T) {
	s := New("mock-0", "127.0.0.1:0", nil, zap.NewNop())
	rec := &responseRecorder{}
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	s.handle(rec, req)

	s.Reset()
	if s.Stats() != (Stats{}) {
		t.Fatalf("expected all counters to be zero after Reset, got %+v", s.Stats())
	}
}

func TestServer_LatencyIsHonored(t *testing.T) {
	s := New("mock-0", "127.0.0.1:0", nil, zap.NewNop())
	s.SetBehavior(Behavior{LatencyMs: 20, HTTPStatus: http.StatusOK})

	rec := &responseRecorder{}
	req, _ := http.NewRequest(http.MethodPost, "/", nil)

	start := time.Now()
	s.handle(rec, req)
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected configured latency to be honored")
	}
}

func TestServer_InheritedRateLimitReturns429(t *testing.T) {
	s := New("mock-0", "127.0.0.1:0", fakeLimiter{outcome: ratelimit.RateLimited}, zap.NewNop())

	rec := &responseRecorder{}
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	s.handle(rec, req)

	if rec.status != http.StatusTooManyRequests {
		t.Fatalf("expected a rate-limited TargetServer to reject with 429, got %d", rec.status)
	}
	if s.Stats().Served != 0 {
		t.Fatalf("expected a rate-limited request to never be served")
	}
}

func TestServer_UnlimitedTargetServesNormally(t *testing.T) {
	s := New("mock-0", "127.0.0.1:0", fakeLimiter{outcome: ratelimit.Acquired}, zap.NewNop())

	rec := &responseRecorder{}
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	s.handle(rec, req)

	if rec.status != http.StatusOK {
		t.Fatalf("expected an acquired token to allow the request through, got %d", rec.status)
	}
}

func TestServer_WSEchoesSubscriptionMessages(t *testing.T) {
	s := New("mock-0", "127.0.0.1:0", nil, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	url := "ws://" + s.Addr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing mock ws endpoint: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("subscribe")); err != nil {
		t.Fatalf("writing message: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading echoed message: %v", err)
	}
	if string(msg) != "subscribe" {
		t.Fatalf("expected echoed message %q, got %q", "subscribe", msg)
	}
	if s.Stats().Served != 1 {
		t.Fatalf("expected served counter to increment for the ws connection")
	}
}

func TestServer_WSRejectsWhenPaused(t *testing.T) {
	s := New("mock-0", "127.0.0.1:0", nil, zap.NewNop())
	s.Pause()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	url := "ws://" + s.Addr() + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail while paused")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected a 503 handshake response while paused")
	}
}

// responseRecorder is a minimal http.ResponseWriter, avoiding a
// dependency on net/http/httptest for these single-call unit tests.
type responseRecorder struct {
	status int
	header http.Header
	body   []byte
}

func (r *responseRecorder) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return len(b), nil
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
}
