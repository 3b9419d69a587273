// Package proxyserver implements the Proxy Server forward/retry loop
// (§4.6): one *http.Server per InputPort, listening on loopback,
// accepting JSON-RPC 2.0 POST requests and returning the chosen
// upstream's body verbatim. Per-request deadlines are applied the way
// the teacher's RequestDeadline middleware computes a context deadline
// per request, generalized here to the spec's fixed unary/stream split
// instead of a configurable tier table.
package proxyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpcproxyd/internal/jsonrpc"
	"github.com/chalabi2/rpcproxyd/internal/metrics"
	"github.com/chalabi2/rpcproxyd/internal/port"
	"github.com/chalabi2/rpcproxyd/internal/ratelimit"
	"github.com/chalabi2/rpcproxyd/internal/stats"
	"github.com/chalabi2/rpcproxyd/internal/target"
)

// Default timeouts per §4.6 step 4.
const (
	DefaultUnaryTimeout  = 30 * time.Second
	DefaultStreamTimeout = 5 * time.Minute

	// rateLimitWaitBudget bounds the total time, from request arrival,
	// spent waiting for a rate-limited candidate to free up (§4.6 step 5).
	rateLimitWaitBudget = 3 * time.Second
)

// candidateCount is the n_max passed to InputPort.SelectCandidates
// (§4.6 step 3: "typically 4").
const candidateCount = 4

// StickyHeader carries a previously used server's alias for a
// streaming/subscription sequence (§4.4 sticky sessions).
const StickyHeader = "X-Rpcproxyd-Sticky-Alias"

// OverrideHeader forces a specific server to position 0, for testing
// (§4.4 header override).
const OverrideHeader = "X-Rpcproxyd-Server-Override"

// StreamHeader marks a request as belonging to a streaming/subscription
// sequence, giving it the longer stream timeout.
const StreamHeader = "X-Rpcproxyd-Stream"

// Server is one network's proxy HTTP listener.
type Server struct {
	Network    string
	port       *port.InputPort
	classifier *jsonrpc.Classifier
	httpClient *http.Client
	metrics    *metrics.Metrics
	log        *zap.Logger

	httpSrv *http.Server
}

// New builds a proxy Server for one InputPort, listening on addr
// (typically "127.0.0.1:<port>").
func New(network string, p *port.InputPort, classifier *jsonrpc.Classifier, m *metrics.Metrics, log *zap.Logger, addr string) *Server {
	s := &Server{
		Network:    network,
		port:       p,
		classifier: classifier,
		httpClient: &http.Client{},
		metrics:    m,
		log:        log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving this network's proxy port.
func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	arrival := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeFailure(w, nil, "failed to read request body")
		return
	}

	var req jsonrpc.Request
	_ = json.Unmarshal(body, &req)

	kind := s.classifier.Classify(req.Method)
	sticky := r.Header.Get(StickyHeader)
	override := r.Header.Get(OverrideHeader)

	timeout := DefaultUnaryTimeout
	if r.Header.Get(StreamHeader) != "" {
		timeout = DefaultStreamTimeout
	}

	resp, outcome := s.forward(r.Context(), body, req, kind, sticky, override, timeout, arrival)
	s.port.RecordQueueTime(time.Since(arrival))
	if s.metrics != nil {
		s.metrics.SetQueueTimeMs(s.Network, s.port.AverageQueueTimeMs())
		s.metrics.ObserveRequestDuration(s.Network, time.Since(arrival).Seconds())
		s.metrics.ObserveRequest(s.Network, outcome.alias, outcome.label)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	w.Write(resp.body)
}

type forwardResult struct {
	status int
	body   []byte
}

type outcomeInfo struct {
	alias string
	label string
}

// forward implements §4.6 steps 3-6.
func (s *Server) forward(ctx context.Context, body []byte, req jsonrpc.Request, kind jsonrpc.Kind, sticky, override string, timeout time.Duration, arrival time.Time) (forwardResult, outcomeInfo) {
	candidates := s.port.SelectCandidates(candidateCount, sticky, override)

	var rateLimited []*target.TargetServer
	attempted := false

	for _, c := range candidates {
		if c.TryAcquireRateLimit() == ratelimit.RateLimited {
			c.Stats.NoteRateLimitSkip()
			if s.metrics != nil {
				s.metrics.ObserveRateLimitEvent(s.Network, c.Alias(), "skip")
			}
			rateLimited = append(rateLimited, c)
			continue
		}

		result, ok, retryable := s.attempt(ctx, c, body, kind, timeout)
		if ok {
			outcome := stats.SuccessFirstAttempt
			if attempted {
				outcome = stats.SuccessAfterRetry
			}
			c.Stats.NoteOutcome(outcome)
			return result, outcomeInfo{alias: c.Alias(), label: outcome.Label()}
		}
		attempted = true

		if !retryable {
			c.Stats.NoteOutcome(stats.FailureBadRequest)
			return result, outcomeInfo{alias: c.Alias(), label: stats.FailureBadRequest.Label()}
		}

		c.Stats.NoteOutcome(stats.FailureOther)
		if kind == jsonrpc.Write {
			return result, outcomeInfo{alias: c.Alias(), label: stats.FailureOther.Label()}
		}
		// read: continue to the next candidate
	}

	if len(rateLimited) > 0 {
		if result, outcome, responded := s.waitForRateLimited(ctx, rateLimited, body, req, kind, timeout, arrival); responded {
			return result, outcome
		}
	}

	failure := jsonrpc.SynthesizeFailure(req.ID, "no healthy upstream server available")
	b, _ := json.Marshal(failure)
	return forwardResult{status: http.StatusServiceUnavailable, body: b}, outcomeInfo{alias: "", label: stats.FailureOther.Label()}
}

// waitForRateLimited implements §4.6 step 5: a brief randomized backoff,
// then a bounded wait (up to 3s from arrival) racing every rate-limited
// candidate for the first one to free a token. A success, a bad-request
// error, or a write's transient failure is returned verbatim with
// responded true. A read's transient failure is counted and the wait
// goes on; if the budget elapses, or ctx ends, before one of those
// outcomes, responded is false and the last dialed result is discarded.
func (s *Server) waitForRateLimited(ctx context.Context, candidates []*target.TargetServer, body []byte, req jsonrpc.Request, kind jsonrpc.Kind, timeout time.Duration, arrival time.Time) (forwardResult, outcomeInfo, bool) {
	backoff := time.Duration(10+rand.Intn(91)) * time.Millisecond
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return forwardResult{}, outcomeInfo{}, false
	}

	deadline := arrival.Add(rateLimitWaitBudget)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return forwardResult{}, outcomeInfo{}, false
		}
		for _, c := range candidates {
			if c.TryAcquireRateLimit() != ratelimit.Acquired {
				c.Stats.NoteRateLimitSkip()
				if s.metrics != nil {
					s.metrics.ObserveRateLimitEvent(s.Network, c.Alias(), "skip")
				}
				continue
			}
			c.Stats.NoteRateLimitBlock()
			if s.metrics != nil {
				s.metrics.ObserveRateLimitEvent(s.Network, c.Alias(), "block")
			}

			result, ok, retryable := s.attempt(ctx, c, body, kind, timeout)
			if ok {
				c.Stats.NoteOutcome(stats.SuccessAfterRetry)
				return result, outcomeInfo{alias: c.Alias(), label: stats.SuccessAfterRetry.Label()}, true
			}
			if !retryable {
				c.Stats.NoteOutcome(stats.FailureBadRequest)
				return result, outcomeInfo{alias: c.Alias(), label: stats.FailureBadRequest.Label()}, true
			}

			c.Stats.NoteOutcome(stats.FailureOther)
			if kind == jsonrpc.Write {
				return result, outcomeInfo{alias: c.Alias(), label: stats.FailureOther.Label()}, true
			}
			// read: continue to the next rate-limited candidate
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return forwardResult{}, outcomeInfo{}, false
		}
	}
}

// attempt dials one candidate. It returns (result, success, retryable).
// retryable is only meaningful when success is false: true means the
// failure was transient and a read may try the next candidate; false
// means the upstream rejected the request itself (§4.6 step 4).
func (s *Server) attempt(ctx context.Context, c *target.TargetServer, body []byte, kind jsonrpc.Kind, timeout time.Duration) (forwardResult, bool, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.Config().RPC, bytes.NewReader(body))
	if err != nil {
		return forwardResult{status: http.StatusBadGateway}, false, true
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		// Network error, timeout, connection refused: transient (§4.6 step 4).
		return forwardResult{status: http.StatusBadGateway}, false, true
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return forwardResult{status: http.StatusBadGateway}, false, true
	}

	if resp.StatusCode >= 500 {
		return forwardResult{status: resp.StatusCode, body: respBody}, false, true
	}

	var rpcResp jsonrpc.Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		// Malformed upstream envelope: treated as a transport failure
		// (§8: "upstream protocol failure ... treated as transport failure").
		return forwardResult{status: http.StatusBadGateway}, false, true
	}

	if rpcResp.Error != nil {
		if rpcResp.Error.IsBadRequest() {
			return forwardResult{status: resp.StatusCode, body: respBody}, false, false
		}
		return forwardResult{status: resp.StatusCode, body: respBody}, false, true
	}

	return forwardResult{status: resp.StatusCode, body: respBody}, true, false
}

func (s *Server) writeFailure(w http.ResponseWriter, id json.RawMessage, message string) {
	failure := jsonrpc.SynthesizeFailure(id, message)
	b, _ := json.Marshal(failure)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	w.Write(b)
}
