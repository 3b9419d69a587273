// Package port implements InputPort (§4.4): the per-network arena of
// TargetServers and the select_candidates tiering algorithm. The arena
// sidesteps the InputPort<->TargetServer cyclic reference spec.md §9
// flags by storing TargetServers in a slice indexed by alias, with the
// hot path (select/forward) only ever borrowing pointers out of it.
package port

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chalabi2/rpcproxyd/internal/config"
	"github.com/chalabi2/rpcproxyd/internal/stats"
	"github.com/chalabi2/rpcproxyd/internal/target"
)

// tier1RelativeBand and tier1FactorBand implement §4.4 step 4's dual
// latency-window rule: the stricter 25% band applies while L* is small,
// and the looser factor-of-2 band takes over once L* grows.
// tier1BandCrossoverMs is the L* value below which the relative band
// applies.
const (
	tier1RelativeBand    = 1.25
	tier1FactorBand      = 2.0
	tier1BandCrossoverMs = 50.0
)

// InputPort owns one network's TargetServer roster and the queue-time
// accumulator referenced by getLinks' avg_queue_time_ms (§6).
type InputPort struct {
	Network config.Network
	Port    int

	mu      sync.RWMutex
	servers []*target.TargetServer
	byAlias map[string]*target.TargetServer

	configVersion uint64

	queueTimeSumMs atomic.Int64
	queueTimeCount atomic.Int64

	rng   *rand.Rand
	rngMu sync.Mutex
}

// New builds an empty InputPort for one network/port pair. rngSeed
// fixes the per-port spread-randomization source so that test runs are
// reproducible; operators normally seed it from time.Now().UnixNano().
func New(network config.Network, listenPort int, rngSeed int64) *InputPort {
	return &InputPort{
		Network: network,
		Port:    listenPort,
		byAlias: make(map[string]*target.TargetServer),
		rng:     rand.New(rand.NewSource(rngSeed)),
	}
}

// ApplyLinks reconciles the roster against a freshly loaded
// WorkdirConfig: existing aliases are updated in place, new aliases are
// added, and aliases no longer present are removed (§3 lifecycle).
func (p *InputPort) ApplyLinks(links []config.LinkConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(links))
	for _, l := range links {
		seen[l.Alias] = true
		if existing, ok := p.byAlias[l.Alias]; ok {
			existing.UpdateConfig(l)
			continue
		}
		t := target.New(l)
		p.byAlias[l.Alias] = t
		p.servers = append(p.servers, t)
	}

	kept := p.servers[:0]
	for _, s := range p.servers {
		if seen[s.Alias()] {
			kept = append(kept, s)
			continue
		}
		delete(p.byAlias, s.Alias())
	}
	p.servers = kept

	atomic.AddUint64(&p.configVersion, 1)
}

// ConfigVersion returns the number of times ApplyLinks has run, exposed
// for the admin API's dataUuid bump-on-change detection.
func (p *InputPort) ConfigVersion() uint64 {
	return atomic.LoadUint64(&p.configVersion)
}

// Servers returns a snapshot slice of the current roster, safe to range
// over without holding the InputPort's lock.
func (p *InputPort) Servers() []*target.TargetServer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*target.TargetServer, len(p.servers))
	copy(out, p.servers)
	return out
}

// ByAlias looks up a TargetServer by its configured alias.
func (p *InputPort) ByAlias(alias string) (*target.TargetServer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.byAlias[alias]
	return t, ok
}

// RecordQueueTime folds one request's end-to-end latency into the
// running average reported by getLinks' avg_queue_time_ms (§4.6 step 7).
func (p *InputPort) RecordQueueTime(d time.Duration) {
	p.queueTimeSumMs.Add(d.Milliseconds())
	p.queueTimeCount.Add(1)
}

// AverageQueueTimeMs returns the mean recorded queue time in
// milliseconds, or 0 if no request has completed yet.
func (p *InputPort) AverageQueueTimeMs() float64 {
	count := p.queueTimeCount.Load()
	if count == 0 {
		return 0
	}
	return float64(p.queueTimeSumMs.Load()) / float64(count)
}

// SelectCandidates implements §4.4's algorithm. It never consumes
// rate-limit tokens; tokens are only spent once a candidate is actually
// dispatched (§4.6). stickyAlias pins a previously used server to
// position 0 of Tier 1 if still eligible; headerOverrideAlias
// unconditionally forces a selectable server to position 0 of the
// returned list regardless of tier.
func (p *InputPort) SelectCandidates(nMax int, stickyAlias, headerOverrideAlias string) []*target.TargetServer {
	servers := p.Servers()

	eligible := make([]*target.TargetServer, 0, len(servers))
	for _, s := range servers {
		if s.IsEligible() {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return p.tier3Fallback(servers, nMax, headerOverrideAlias)
	}

	best := eligible[0].Stats.RespTimeMillis()
	for _, s := range eligible[1:] {
		if rt := s.Stats.RespTimeMillis(); rt < best {
			best = rt
		}
	}

	band := best * tier1FactorBand
	if best < tier1BandCrossoverMs {
		band = best * tier1RelativeBand
	}

	var tier1, tier2 []*target.TargetServer
	for _, s := range eligible {
		if s.Stats.RespTimeMillis() <= band {
			tier1 = append(tier1, s)
		} else {
			tier2 = append(tier2, s)
		}
	}

	sort.SliceStable(tier1, func(i, j int) bool {
		a, b := tier1[i], tier1[j]
		ca, cb := a.Config(), b.Config()
		if ca.Priority != cb.Priority {
			return ca.Priority < cb.Priority
		}
		if sa, sb := a.Stats.HealthScore(), b.Stats.HealthScore(); sa != sb {
			return sa > sb
		}
		return a.Stats.RespTimeMillis() < b.Stats.RespTimeMillis()
	})
	p.spreadEqualPeers(tier1)

	sort.SliceStable(tier2, func(i, j int) bool {
		a, b := tier2[i], tier2[j]
		if ra, rb := a.Stats.RespTimeMillis(), b.Stats.RespTimeMillis(); ra != rb {
			return ra < rb
		}
		return a.Config().Priority < b.Config().Priority
	})

	var tier3 []*target.TargetServer
	for _, s := range servers {
		if s.Stats.Status() != stats.StatusDown {
			continue
		}
		if !s.Config().IsSelectable() {
			continue
		}
		tier3 = append(tier3, s)
	}
	sort.SliceStable(tier3, func(i, j int) bool {
		return tier3[i].Stats.HealthScore() > tier3[j].Stats.HealthScore()
	})

	if stickyAlias != "" {
		pinSticky(&tier1, stickyAlias)
	}

	ordered := append(append(tier1, tier2...), tier3...)
	if headerOverrideAlias != "" {
		ordered = forceToFront(ordered, servers, headerOverrideAlias)
	}

	if len(ordered) > nMax {
		ordered = ordered[:nMax]
	}
	return ordered
}

// tier3Fallback is reached when no server is eligible at all: the only
// candidates left are DOWN-but-selectable servers (§4.4 step 6), since
// Tier 1/2 both require eligibility.
func (p *InputPort) tier3Fallback(servers []*target.TargetServer, nMax int, headerOverrideAlias string) []*target.TargetServer {
	var tier3 []*target.TargetServer
	for _, s := range servers {
		if s.Config().IsSelectable() {
			tier3 = append(tier3, s)
		}
	}
	sort.SliceStable(tier3, func(i, j int) bool {
		return tier3[i].Stats.HealthScore() > tier3[j].Stats.HealthScore()
	})
	if headerOverrideAlias != "" {
		tier3 = forceToFront(tier3, servers, headerOverrideAlias)
	}
	if len(tier3) > nMax {
		tier3 = tier3[:nMax]
	}
	return tier3
}

// spreadEqualPeers applies a small deterministic shuffle within runs of
// Tier 1 servers that compare equal on (priority, health_score), so load
// spreads across equally-good peers instead of always favoring the one
// that happens to sort first (§4.4 step 4).
func (p *InputPort) spreadEqualPeers(tier1 []*target.TargetServer) {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()

	i := 0
	for i < len(tier1) {
		j := i + 1
		for j < len(tier1) && samePriorityAndHealth(tier1[i], tier1[j]) {
			j++
		}
		if j-i > 1 {
			p.rng.Shuffle(j-i, func(a, b int) {
				tier1[i+a], tier1[i+b] = tier1[i+b], tier1[i+a]
			})
		}
		i = j
	}
}

func samePriorityAndHealth(a, b *target.TargetServer) bool {
	ca, cb := a.Config(), b.Config()
	return ca.Priority == cb.Priority && a.Stats.HealthScore() == b.Stats.HealthScore()
}

func pinSticky(tier1 *[]*target.TargetServer, alias string) {
	list := *tier1
	for idx, s := range list {
		if s.Alias() == alias {
			if idx == 0 {
				return
			}
			pinned := list[idx]
			copy(list[1:idx+1], list[0:idx])
			list[0] = pinned
			return
		}
	}
}

func forceToFront(ordered, all []*target.TargetServer, alias string) []*target.TargetServer {
	var override *target.TargetServer
	for _, s := range all {
		if s.Alias() == alias && s.Config().IsSelectable() {
			override = s
			break
		}
	}
	if override == nil {
		return ordered
	}

	filtered := ordered[:0:0]
	for _, s := range ordered {
		if s.Alias() != alias {
			filtered = append(filtered, s)
		}
	}
	return append([]*target.TargetServer{override}, filtered...)
}
