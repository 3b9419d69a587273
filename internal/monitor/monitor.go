// Package monitor implements the Network Monitor (§4.5): a periodic
// task that independently probes every monitored link and is the sole
// writer of status, health_score, and resp_time_ms. Concurrency is
// bounded with the same semaphore pattern as the teacher's
// HealthChecker.CheckAllNodes.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/rpcproxyd/internal/jsonrpc"
	"github.com/chalabi2/rpcproxyd/internal/metrics"
	"github.com/chalabi2/rpcproxyd/internal/port"
	"github.com/chalabi2/rpcproxyd/internal/target"
)

// DefaultMaxConcurrentChecks bounds how many probes run in parallel for
// one InputPort's tick, mirroring the teacher's
// Performance.MaxConcurrentChecks.
const DefaultMaxConcurrentChecks = 8

// DefaultMethod is the lightweight liveness call issued to every
// monitored link absent a network-specific override (§4.5: "lightweight
// RPC health check"); net_version is supported by virtually every
// JSON-RPC blockchain node and carries no side effects.
const DefaultMethod = "net_version"

// Monitor periodically health-checks every monitored link on one
// InputPort.
type Monitor struct {
	network string
	port    *port.InputPort
	client  *http.Client
	metrics *metrics.Metrics
	log     *zap.Logger
	interval time.Duration
	timeout  time.Duration
	method   string
	maxConc  int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Monitor for one InputPort. intervalSeconds/timeoutSeconds
// come from the workdir's health_check configuration
// (config.WorkdirConfig.HealthCheckInterval/Timeout). m may be nil, in
// which case probes still update Stats but publish no gauges.
func New(network string, p *port.InputPort, intervalSeconds, timeoutSeconds int, method string, m *metrics.Metrics, log *zap.Logger) *Monitor {
	if method == "" {
		method = DefaultMethod
	}
	timeout := time.Duration(timeoutSeconds) * time.Second
	return &Monitor{
		network:  network,
		port:     p,
		client:   &http.Client{Timeout: timeout},
		metrics:  m,
		log:      log,
		interval: time.Duration(intervalSeconds) * time.Second,
		timeout:  timeout,
		method:   method,
		maxConc:  DefaultMaxConcurrentChecks,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run ticks every m.interval until ctx is cancelled or Stop is called,
// probing the whole roster on each tick.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

// Stop requests the run loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// checkAll probes every monitored server concurrently, bounded by a
// semaphore exactly as the teacher's CheckAllNodes does.
func (m *Monitor) checkAll(ctx context.Context) {
	servers := m.port.Servers()

	sem := make(chan struct{}, m.maxConc)
	var wg sync.WaitGroup

	for _, s := range servers {
		if !s.Config().IsMonitored() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			m.probeOne(ctx, s)
		}()
	}
	wg.Wait()
}

// probeOne issues one health-check request and records the outcome via
// Stats.RecordProbe, the only path in this repository allowed to call
// it (§4.5: "the monitor is the sole writer of status, health_score,
// and resp_time_ms").
func (m *Monitor) probeOne(ctx context.Context, s *target.TargetServer) {
	cfg := s.Config()

	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	body, _ := json.Marshal(jsonrpc.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage("1"),
		Method:  m.method,
	})

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.RPC, newReader(body))
	if err != nil {
		m.recordFailure(s)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := m.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		m.log.Debug("health probe failed", zap.String("alias", cfg.Alias), zap.Error(err))
		m.recordFailure(s)
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	s.Stats.RecordProbe(healthy, elapsed.Microseconds(), s.Stats.RateLimitRejectRate())
	m.publishGauges(s)
}

func (m *Monitor) recordFailure(s *target.TargetServer) {
	s.Stats.RecordProbe(false, 0, s.Stats.RateLimitRejectRate())
	m.publishGauges(s)
}

// publishGauges mirrors the stats this probe just recorded into the
// health_score and resp_time_ms gauges (§3 ServerStats fields); the
// monitor is the sole writer of both, on Stats and on these gauges.
func (m *Monitor) publishGauges(s *target.TargetServer) {
	if m.metrics == nil {
		return
	}
	m.metrics.SetHealthScore(m.network, s.Alias(), float64(s.Stats.HealthScore()))
	m.metrics.SetRespTimeMs(m.network, s.Alias(), float64(s.Stats.RespTimeMillis()))
}

func newReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
