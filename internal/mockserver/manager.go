package mockserver

import (
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/chalabi2/rpcproxyd/internal/config"
	"github.com/chalabi2/rpcproxyd/internal/port"
)

// Manager owns every mock server spawned for the localnet workdir. It
// enforces the hard-coded localnet-only guard at the point mocks are
// actually spun up, as a defense-in-depth backstop to
// config.WorkdirConfig.Validate's load-time rejection (§4.7: "attempts
// in any other network are rejected at configuration-load time").
type Manager struct {
	log *zap.Logger

	mu      sync.RWMutex
	servers map[string]*Server
}

// NewManager builds an empty Manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{log: log, servers: make(map[string]*Server)}
}

// ApplyLinks reconciles the running mock servers against a freshly
// loaded localnet WorkdirConfig: mock servers for aliases no longer
// present are stopped, and new mock-prefixed aliases are started. p is
// the localnet InputPort, already reconciled against the same links
// (§4.7: "mocks inherit their TargetServer's rate limiter") so each new
// mock server can be handed the TargetServer carrying its rate limiter.
func (m *Manager) ApplyLinks(network config.Network, links []config.LinkConfig, p *port.InputPort) error {
	if network != config.Localnet {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(links))
	for _, l := range links {
		if !l.IsMock() {
			continue
		}
		seen[l.Alias] = true
		if _, ok := m.servers[l.Alias]; ok {
			continue
		}
		addr, err := mockAddr(l.RPC)
		if err != nil {
			return fmt.Errorf("mock link %q: %w", l.Alias, err)
		}
		var limiter rateLimiter
		if p != nil {
			if ts, ok := p.ByAlias(l.Alias); ok {
				limiter = ts
			}
		}
		srv := New(l.Alias, addr, limiter, m.log)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("starting mock server %q on %s: %w", l.Alias, addr, err)
		}
		m.servers[l.Alias] = srv
	}

	for alias, srv := range m.servers {
		if !seen[alias] {
			srv.Stop()
			delete(m.servers, alias)
		}
	}
	return nil
}

func mockAddr(rpcURL string) (string, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("mock rpc url %q has no host:port", rpcURL)
	}
	return u.Host, nil
}

// Get looks up a running mock server by alias.
func (m *Manager) Get(alias string) (*Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[alias]
	return s, ok
}

// StopAll shuts down every running mock server, used on daemon
// shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for alias, srv := range m.servers {
		srv.Stop()
		delete(m.servers, alias)
	}
}
