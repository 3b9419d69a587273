// Package daemon wires the four proxy servers, the admin server, and
// the per-network monitors into one supervised process (§4, §5). An
// errgroup.Group supervises every long-running goroutine so that a
// fatal error in any one of them triggers a coordinated shutdown of the
// rest, mirroring the teacher's own preference for explicit supervised
// goroutine lifecycles over ad hoc go statements.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chalabi2/rpcproxyd/internal/admin"
	"github.com/chalabi2/rpcproxyd/internal/config"
	"github.com/chalabi2/rpcproxyd/internal/jsonrpc"
	"github.com/chalabi2/rpcproxyd/internal/metrics"
	"github.com/chalabi2/rpcproxyd/internal/mockserver"
	"github.com/chalabi2/rpcproxyd/internal/monitor"
	"github.com/chalabi2/rpcproxyd/internal/port"
	"github.com/chalabi2/rpcproxyd/internal/proxyserver"
)

// ProxyPorts maps each network to its fixed loopback listening port
// (§6: "44340 (localnet), 44341 (devnet), 44342 (testnet), 44343
// (mainnet)").
var ProxyPorts = map[config.Network]int{
	config.Localnet: 44340,
	config.Devnet:   44341,
	config.Testnet:  44342,
	config.Mainnet:  44343,
}

// AdminPort is the default admin JSON-RPC listener port (§6).
const AdminPort = 44399

// ConfigFileNames maps each network to its YAML file name inside the
// workdir root.
var ConfigFileNames = map[config.Network]string{
	config.Mainnet:  "mainnet.yaml",
	config.Testnet:  "testnet.yaml",
	config.Devnet:   "devnet.yaml",
	config.Localnet: "localnet.yaml",
}

// Daemon holds every constructed component, ready to Run.
type Daemon struct {
	log    *zap.Logger
	workdir string

	ports      map[config.Network]*port.InputPort
	monitors   map[config.Network]*monitor.Monitor
	proxies    map[config.Network]*proxyserver.Server
	mocks      *mockserver.Manager
	controller *admin.Controller
	watcher    *config.Watcher

	metrics *metrics.Metrics
}

// New loads every network's configuration file from workdir and builds
// the full component graph, but does not start any listener yet.
func New(workdir string, log *zap.Logger) (*Daemon, error) {
	d := &Daemon{
		log:      log,
		workdir:  workdir,
		ports:    make(map[config.Network]*port.InputPort),
		monitors: make(map[config.Network]*monitor.Monitor),
		proxies:  make(map[config.Network]*proxyserver.Server),
		mocks:    mockserver.NewManager(log),
	}

	m, err := metrics.Acquire(nil)
	if err != nil {
		return nil, fmt.Errorf("acquiring metrics: %w", err)
	}
	d.metrics = m

	classifier := jsonrpc.NewClassifier()

	for network, fileName := range ConfigFileNames {
		path := filepath.Join(workdir, fileName)
		cfg, err := config.Load(network, path)
		if err != nil {
			return nil, fmt.Errorf("loading %s config: %w", network, err)
		}

		p := port.New(network, ProxyPorts[network], time.Now().UnixNano())
		p.ApplyLinks(cfg.Links)
		d.ports[network] = p

		if err := d.mocks.ApplyLinks(network, cfg.Links, p); err != nil {
			return nil, fmt.Errorf("starting mock servers for %s: %w", network, err)
		}

		d.monitors[network] = monitor.New(string(network), p, cfg.HealthCheckInterval(), cfg.HealthCheckTimeout(), "", d.metrics, log)

		if cfg.IsProxyEnabled() {
			addr := fmt.Sprintf("127.0.0.1:%d", ProxyPorts[network])
			d.proxies[network] = proxyserver.New(string(network), p, classifier, d.metrics, log, addr)
		}
	}

	d.controller = admin.New(d.ports, d.mocks, log)

	watcher, err := config.NewWatcher(workdir, ConfigFileNames, log, d.onConfigChange)
	if err != nil {
		return nil, fmt.Errorf("starting config watcher: %w", err)
	}
	d.watcher = watcher

	return d, nil
}

func (d *Daemon) onConfigChange(network config.Network, cfg *config.WorkdirConfig, err error) {
	if err != nil {
		return
	}
	d.controller.ApplyConfig(network, cfg)
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails fatally, then shuts everything down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for network, m := range d.monitors {
		m := m
		network := network
		g.Go(func() error {
			m.Run(gctx)
			d.log.Info("monitor stopped", zap.String("network", string(network)))
			return nil
		})
	}

	for network, p := range d.proxies {
		p := p
		network := network
		g.Go(func() error {
			d.log.Info("proxy server listening", zap.String("network", string(network)))
			if err := p.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("%s proxy server: %w", network, err)
			}
			return nil
		})
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("/", d.controller)
	adminMux.Handle("/metrics", promhttp.Handler())
	adminSrv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", AdminPort), Handler: adminMux}
	g.Go(func() error {
		d.log.Info("admin server listening", zap.Int("port", AdminPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		d.watcher.Run()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for network, p := range d.proxies {
			if err := p.Shutdown(shutdownCtx); err != nil {
				d.log.Warn("proxy shutdown error", zap.String("network", string(network)), zap.Error(err))
			}
		}
		adminSrv.Shutdown(shutdownCtx)
		for _, m := range d.monitors {
			m.Stop()
		}
		d.watcher.Close()
		d.mocks.StopAll()
		d.controller.Stop()
		metrics.Release()
		return nil
	})

	return g.Wait()
}

