// Package mockserver implements the mock-server subsystem (§4.7): an
// in-process HTTP handler spawned for every localnet link whose alias
// begins with the reserved "mock-" prefix, used exclusively for
// integration-testing the proxy's selection and retry behavior.
// Behavior records are hot-swappable in place, in the same style as the
// teacher's HealthCache mutex-guarded map swap.
package mockserver

import (
	"encoding/json"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chalabi2/rpcproxyd/internal/jsonrpc"
	"github.com/chalabi2/rpcproxyd/internal/ratelimit"
)

// rateLimiter is the slice of *target.TargetServer a mock server needs:
// its own rate limiter pair, re-checked on the mock side so that a
// caller hitting the mock directly (bypassing the proxy's own
// TryAcquireRateLimit check) is still subject to the same cap (§4.7:
// "mocks inherit their TargetServer's rate limiter").
type rateLimiter interface {
	TryAcquireRateLimit() ratelimit.Outcome
}

// AliasPrefix is the reserved prefix identifying a mock link (§4.7).
const AliasPrefix = "mock-"

// IsMockAlias reports whether alias routes to the mock server manager.
func IsMockAlias(alias string) bool {
	return len(alias) >= len(AliasPrefix) && alias[:len(AliasPrefix)] == AliasPrefix
}

// Behavior is the hot-reloadable configuration of one mock server (§4.7:
// "failure_rate, latency_ms, http_status, response_body, paused").
type Behavior struct {
	FailureRate  float64 `json:"failure_rate"`
	LatencyMs    int     `json:"latency_ms"`
	HTTPStatus   int     `json:"http_status"`
	ResponseBody string  `json:"response_body"`
	Paused       bool    `json:"paused"`
}

// defaultHTTPStatus is used when a Behavior record omits http_status.
const defaultHTTPStatus = http.StatusOK

// counters tallies requests a mock server actually received, reported
// by the mockServerStats admin method (§4.8).
type counters struct {
	received int64
	served   int64
	failed   int64
}

// Server is one in-process mock upstream. It owns its own *http.Server
// bound to the port declared in the link's rpc URL.
type Server struct {
	alias   string
	addr    string
	boundMu sync.Mutex
	bound   string

	mu       sync.RWMutex
	behavior Behavior

	counters counters

	log   *zap.Logger
	rng   *rand.Rand
	rngMu sync.Mutex

	limiter rateLimiter

	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// New builds a mock server for one alias, listening on addr (the host:port
// parsed out of the link's configured rpc URL). limiter is the alias's
// own TargetServer, whose rate limiter this mock re-checks on every
// request; it may be nil if the alias has no configured rate limits.
func New(alias, addr string, limiter rateLimiter, log *zap.Logger) *Server {
	s := &Server{
		alias: alias,
		addr:  addr,
		behavior: Behavior{
			HTTPStatus:   defaultHTTPStatus,
			ResponseBody: `{"jsonrpc":"2.0","id":1,"result":"mock"}`,
		},
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background. It returns once the listener
// is bound, or an error if the port could not be acquired.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.boundMu.Lock()
	s.bound = ln.Addr().String()
	s.boundMu.Unlock()
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Warn("mock server exited", zap.String("alias", s.alias), zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the actual bound host:port once Start has succeeded,
// useful when addr was given as "host:0".
func (s *Server) Addr() string {
	s.boundMu.Lock()
	defer s.boundMu.Unlock()
	return s.bound
}

// Stop shuts the mock server down.
func (s *Server) Stop() error {
	return s.httpSrv.Close()
}

// SetBehavior hot-swaps this mock's behavior record (§4.7), matching
// the teacher's HealthCache write-lock-guarded Set.
func (s *Server) SetBehavior(b Behavior) {
	if b.HTTPStatus == 0 {
		b.HTTPStatus = defaultHTTPStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior = b
}

// Pause/Resume flip the paused flag without disturbing the rest of the
// behavior record.
func (s *Server) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior.Paused = true
}

func (s *Server) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior.Paused = false
}

// Reset clears this mock's request counters (mockServerReset, §4.8).
func (s *Server) Reset() {
	atomic.StoreInt64(&s.counters.received, 0)
	atomic.StoreInt64(&s.counters.served, 0)
	atomic.StoreInt64(&s.counters.failed, 0)
}

// Stats is the snapshot returned by mockServerStats (§4.8).
type Stats struct {
	Received int64 `json:"received"`
	Served   int64 `json:"served"`
	Failed   int64 `json:"failed"`
}

// Stats returns this mock's current request counters.
func (s *Server) Stats() Stats {
	return Stats{
		Received: atomic.LoadInt64(&s.counters.received),
		Served:   atomic.LoadInt64(&s.counters.served),
		Failed:   atomic.LoadInt64(&s.counters.failed),
	}
}

func (s *Server) behaviorSnapshot() Behavior {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.behavior
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.counters.received, 1)

	if s.rateLimited() {
		atomic.AddInt64(&s.counters.failed, 1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	b := s.behaviorSnapshot()

	if b.Paused {
		atomic.AddInt64(&s.counters.failed, 1)
		http.Error(w, "mock server paused", http.StatusServiceUnavailable)
		return
	}

	if b.LatencyMs > 0 {
		time.Sleep(time.Duration(b.LatencyMs) * time.Millisecond)
	}

	if b.FailureRate > 0 && s.rollFailure(b.FailureRate) {
		atomic.AddInt64(&s.counters.failed, 1)
		status := b.HTTPStatus
		if status < 400 {
			status = http.StatusInternalServerError
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		resp := jsonrpc.SynthesizeFailure(nil, "mock server injected failure")
		json.NewEncoder(w).Encode(resp)
		return
	}

	atomic.AddInt64(&s.counters.served, 1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.HTTPStatus)
	w.Write([]byte(b.ResponseBody))
}

// handleWS serves the mock WS-subscription endpoint on /ws, registered
// for every mock server. The proxy forwards HTTP POST only and does not
// carry WebSocket traffic, so this endpoint is reached by dialing the
// mock directly. It honors the same paused/latency/failure-rate behavior
// record as the HTTP path, then echoes every inbound message back once
// subscribed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.counters.received, 1)

	if s.rateLimited() {
		atomic.AddInt64(&s.counters.failed, 1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	b := s.behaviorSnapshot()

	if b.Paused {
		atomic.AddInt64(&s.counters.failed, 1)
		http.Error(w, "mock server paused", http.StatusServiceUnavailable)
		return
	}
	if b.LatencyMs > 0 {
		time.Sleep(time.Duration(b.LatencyMs) * time.Millisecond)
	}
	if b.FailureRate > 0 && s.rollFailure(b.FailureRate) {
		atomic.AddInt64(&s.counters.failed, 1)
		http.Error(w, "mock server injected failure", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		atomic.AddInt64(&s.counters.failed, 1)
		return
	}
	defer conn.Close()
	atomic.AddInt64(&s.counters.served, 1)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(msgType, msg); err != nil {
			return
		}
	}
}

func (s *Server) rateLimited() bool {
	if s.limiter == nil {
		return false
	}
	return s.limiter.TryAcquireRateLimit() == ratelimit.RateLimited
}

func (s *Server) rollFailure(rate float64) bool {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < rate
}
