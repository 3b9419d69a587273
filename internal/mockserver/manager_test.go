package mockserver

import (
	"net/http"
	"testing"

	"go.uber.org/zap"

	"github.com/chalabi2/rpcproxyd/internal/config"
	"github.com/chalabi2/rpcproxyd/internal/port"
)

func TestManager_ApplyLinks_WiresTargetServerRateLimiter(t *testing.T) {
	maxPerSec := uint32(1)
	links := []config.LinkConfig{
		{Alias: "mock-a", RPC: "http://127.0.0.1:0", MaxPerSecs: &maxPerSec},
	}

	p := port.New(config.Localnet, 0, 1)
	p.ApplyLinks(links)

	m := NewManager(zap.NewNop())
	if err := m.ApplyLinks(config.Localnet, links, p); err != nil {
		t.Fatalf("ApplyLinks: %v", err)
	}
	t.Cleanup(m.StopAll)

	srv, ok := m.Get("mock-a")
	if !ok {
		t.Fatalf("expected mock-a to be running")
	}

	ts, ok := p.ByAlias("mock-a")
	if !ok {
		t.Fatalf("expected mock-a to have a TargetServer")
	}
	// Exhaust the one-per-second token directly against the
	// TargetServer; the mock must observe the same limiter.
	ts.TryAcquireRateLimit()

	rec := &responseRecorder{}
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	srv.handle(rec, req)
	if rec.status != 429 {
		t.Fatalf("expected the mock to reject once its TargetServer's token is exhausted, got %d", rec.status)
	}
}

func TestManager_ApplyLinks_IgnoredOutsideLocalnet(t *testing.T) {
	links := []config.LinkConfig{{Alias: "mock-a", RPC: "http://127.0.0.1:0"}}
	m := NewManager(zap.NewNop())
	if err := m.ApplyLinks(config.Testnet, links, nil); err != nil {
		t.Fatalf("ApplyLinks: %v", err)
	}
	if _, ok := m.Get("mock-a"); ok {
		t.Fatalf("expected no mock servers to start outside localnet")
	}
}
