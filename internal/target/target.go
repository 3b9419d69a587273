// Package target implements TargetServer (§4.3): one configured
// upstream, bundling its immutable configuration record, its live
// stats, and its optional rate limiter pair. It generalizes the
// teacher's NodeConfig+HealthChecker+CircuitBreaker trio: the circuit
// breaker's closed/open/half-open machine becomes the continuous signed
// health score in stats.ServerStats, and NodeConfig becomes
// config.LinkConfig.
package target

import (
	"sync/atomic"

	"github.com/chalabi2/rpcproxyd/internal/config"
	"github.com/chalabi2/rpcproxyd/internal/ratelimit"
	"github.com/chalabi2/rpcproxyd/internal/stats"
)

// TargetServer is one upstream known to an InputPort. Its identity
// within an InputPort is its alias (§3: "TargetServer identity within
// an InputPort is its alias").
type TargetServer struct {
	cfg     atomic.Pointer[config.LinkConfig]
	Stats   *stats.ServerStats
	limiter atomic.Pointer[ratelimit.Pair]
}

// New builds a TargetServer for a freshly appeared Link (§3 lifecycle:
// "created when a Link first appears in configuration").
func New(cfg config.LinkConfig) *TargetServer {
	t := &TargetServer{Stats: stats.New()}
	t.cfg.Store(&cfg)
	t.limiter.Store(ratelimit.NewPair(cfg.MaxPerSecs, cfg.MaxPerMin))
	return t
}

// Config returns the current configuration record. Safe to call
// concurrently with UpdateConfig.
func (t *TargetServer) Config() config.LinkConfig {
	return *t.cfg.Load()
}

// Alias returns this TargetServer's stable identity.
func (t *TargetServer) Alias() string {
	return t.cfg.Load().Alias
}

// UpdateConfig applies a hot-reloaded Link record in place (§3
// lifecycle: "updated in place on hot-reload (rate limiter re-created if
// limit changed)"). The rate limiter is only rebuilt when the caps
// actually changed, so in-flight TryAcquire calls against an unrelated
// field change are undisturbed.
func (t *TargetServer) UpdateConfig(cfg config.LinkConfig) {
	prev := t.cfg.Load()
	t.cfg.Store(&cfg)

	if !sameCaps(prev.MaxPerSecs, cfg.MaxPerSecs) || !sameCaps(prev.MaxPerMin, cfg.MaxPerMin) {
		t.limiter.Store(ratelimit.NewPair(cfg.MaxPerSecs, cfg.MaxPerMin))
	}
}

func sameCaps(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// IsEligible reports whether this server may be offered as a candidate
// at all (§4.3: "is_eligible() -> true iff selectable && status == OK").
func (t *TargetServer) IsEligible() bool {
	return t.Config().IsSelectable() && t.Stats.Status() == stats.StatusOK
}

// TryAcquireRateLimit consumes a token from this server's rate limiter,
// if one is configured. A server with no configured limits always
// acquires.
func (t *TargetServer) TryAcquireRateLimit() ratelimit.Outcome {
	return t.limiter.Load().TryAcquire()
}

// RateLimited reports whether this server currently has an active
// rate-limiter configuration.
func (t *TargetServer) RateLimited() bool {
	return t.limiter.Load().Configured()
}
