package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chalabi2/rpcproxyd/internal/config"
	"github.com/chalabi2/rpcproxyd/internal/metrics"
	"github.com/chalabi2/rpcproxyd/internal/port"
)

func TestMonitor_MarksHealthyServerOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer srv.Close()

	p := port.New(config.Localnet, 44340, 1)
	p.ApplyLinks([]config.LinkConfig{{Alias: "a", RPC: srv.URL, Priority: 10}})

	m := New("localnet", p, 1, 1, "", nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.checkAll(ctx)

	servers := p.Servers()
	if len(servers) != 1 {
		t.Fatalf("expected one server")
	}
	if servers[0].Stats.Status().String() != "OK" {
		t.Fatalf("expected server to be marked OK after a healthy probe, got %v", servers[0].Stats.Status())
	}
}

func TestMonitor_MarksUnreachableServerDown(t *testing.T) {
	p := port.New(config.Localnet, 44340, 1)
	p.ApplyLinks([]config.LinkConfig{{Alias: "a", RPC: "http://127.0.0.1:1", Priority: 10}})

	m := New("localnet", p, 1, 1, "", nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.checkAll(ctx)

	servers := p.Servers()
	if servers[0].Stats.Status().String() != "DOWN" {
		t.Fatalf("expected unreachable server to be marked DOWN")
	}
}

func TestMonitor_PublishesHealthScoreAndRespTimeGauges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer srv.Close()

	p := port.New(config.Localnet, 44340, 1)
	p.ApplyLinks([]config.LinkConfig{{Alias: "a", RPC: srv.URL, Priority: 10}})

	reg := prometheus.NewRegistry()
	mtr, err := metrics.Acquire(reg)
	if err != nil {
		t.Fatalf("acquiring metrics: %v", err)
	}
	t.Cleanup(metrics.Release)

	m := New("localnet", p, 1, 1, "", mtr, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.checkAll(ctx)

	mf, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := map[string]bool{"rpcproxyd_health_score": false, "rpcproxyd_resp_time_ms": false}
	for _, f := range mf {
		if _, ok := seen[f.GetName()]; ok && len(f.GetMetric()) > 0 {
			seen[f.GetName()] = true
		}
	}
	for name, ok := range seen {
		if !ok {
			t.Fatalf("expected %s to be published after a probe", name)
		}
	}
}

func TestMonitor_SkipsUnmonitoredLinks(t *testing.T) {
	unmonitored := false
	p := port.New(config.Localnet, 44340, 1)
	p.ApplyLinks([]config.LinkConfig{{Alias: "a", RPC: "http://127.0.0.1:1", Monitored: &unmonitored}})

	m := New("localnet", p, 1, 1, "", nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.checkAll(ctx)

	servers := p.Servers()
	if servers[0].Stats.Status().String() != "DOWN" {
		t.Fatalf("expected an unmonitored server to remain at its initial DOWN status, never probed")
	}
}
