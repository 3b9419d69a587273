// Package admin implements the Admin Controller (§4.8): the single
// writer of InputPort sets, TargetServer rosters, and rate limiters, and
// the JSON-RPC surface of §6. Configuration reconciliation (InputPort
// rosters, rate limiters, mock server start/stop) is serialized through
// one goroutine reading a buffered channel of commands, so the Proxy
// Server and Network Monitor remain pure readers of the resulting state,
// per §4.8 and §9's "Global state" design note. The mock-control methods
// (set_behavior, reset, pause, resume, mockServerReset) do not go through
// that goroutine; they act directly on the mock server, which guards its
// own state.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chalabi2/rpcproxyd/internal/config"
	"github.com/chalabi2/rpcproxyd/internal/mockserver"
	"github.com/chalabi2/rpcproxyd/internal/port"
	"github.com/chalabi2/rpcproxyd/internal/stats"
)

// methodUUIDNamespace roots the stable per-method UUIDs; any fixed
// namespace works since only intra-process stability across calls to
// the same method is required (§6: "methodUuid is stable per response
// schema").
var methodUUIDNamespace = uuid.MustParse("6ba7b810-9dac-11d1-80b4-00c04fd430c8")

func methodUUID(method string) uuid.UUID {
	return uuid.NewSHA1(methodUUIDNamespace, []byte(method))
}

// command is one serialized mutation request handled by the Controller's
// single writer goroutine.
type command struct {
	run  func()
	done chan struct{}
}

// Controller owns every InputPort and the mock server Manager, and
// dispatches the admin JSON-RPC methods of §6.
type Controller struct {
	ports map[config.Network]*port.InputPort
	mocks *mockserver.Manager
	log   *zap.Logger

	commands chan command
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Controller over the given per-network InputPorts.
func New(ports map[config.Network]*port.InputPort, mocks *mockserver.Manager, log *zap.Logger) *Controller {
	c := &Controller{
		ports:    ports,
		mocks:    mocks,
		log:      log,
		commands: make(chan command, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go c.run()
	return c
}

// run is the single writer goroutine serializing every mutation.
func (c *Controller) run() {
	defer close(c.doneCh)
	for {
		select {
		case cmd := <-c.commands:
			cmd.run()
			close(cmd.done)
		case <-c.stopCh:
			for {
				select {
				case cmd := <-c.commands:
					cmd.run()
					close(cmd.done)
				default:
					return
				}
			}
		}
	}
}

// Stop drains in-flight commands and halts the controller goroutine.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// submit serializes run through the controller's single writer and
// blocks until it has completed.
func (c *Controller) submit(run func()) {
	cmd := command{run: run, done: make(chan struct{})}
	c.commands <- cmd
	<-cmd.done
}

// ApplyConfig is called by the configuration watcher whenever a
// network's file reloads successfully; it serializes the InputPort and
// mock-manager reconciliation through the single writer.
func (c *Controller) ApplyConfig(network config.Network, cfg *config.WorkdirConfig) {
	c.submit(func() {
		p, ok := c.ports[network]
		if !ok {
			return
		}
		p.ApplyLinks(cfg.Links)
		if c.mocks != nil {
			if err := c.mocks.ApplyLinks(network, cfg.Links, p); err != nil {
				c.log.Warn("mock server reconciliation failed", zap.String("network", string(network)), zap.Error(err))
			}
		}
	})
}

// envelope is the response header every admin method reply carries
// (§6): methodUuid is stable per schema, dataUuid is a fresh
// time-sortable identifier per response so that a strictly monotonic
// sequence is always observable across calls, and key lets a consumer
// correlate a reply to its request.
type envelope struct {
	Method     string      `json:"method"`
	MethodUUID string      `json:"methodUuid"`
	DataUUID   string      `json:"dataUuid"`
	Key        string      `json:"key"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func (c *Controller) reply(method, key string, result interface{}, err error) envelope {
	e := envelope{
		Method:     method,
		MethodUUID: methodUUID(method).String(),
		DataUUID:   uuid.Must(uuid.NewV7()).String(),
		Key:        key,
	}
	if err != nil {
		e.Error = err.Error()
	} else {
		e.Result = result
	}
	return e
}

// adminRequest is the JSON-RPC 2.0 envelope every admin call arrives in.
type adminRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// ServeHTTP dispatches one admin JSON-RPC request.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "getVersions":
		result, err = c.getVersions(req.Params)
	case "getWorkdirStatus":
		result, err = c.getWorkdirStatus(req.Params)
	case "getLinks":
		result, err = c.getLinks(req.Params)
	case "workdirCommand":
		result, err = c.workdirCommand(req.Params)
	case "mockServerControl":
		result, err = c.mockServerControl(req.Params)
	case "mockServerStats":
		result, err = c.mockServerStats(req.Params)
	case "mockServerReset":
		result, err = c.mockServerReset(req.Params)
	default:
		err = fmt.Errorf("unknown method %q", req.Method)
	}

	key := ""
	if req.ID != nil {
		key = string(req.ID)
	}
	resp := c.reply(req.Method, key, result, err)

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

type workdirParams struct {
	Workdir string `json:"workdir"`
}

func (c *Controller) getVersions(raw json.RawMessage) (interface{}, error) {
	var p workdirParams
	_ = json.Unmarshal(raw, &p)

	methods := []string{"getVersions", "getWorkdirStatus", "getLinks", "workdirCommand", "mockServerControl", "mockServerStats", "mockServerReset"}
	entries := make([]map[string]string, 0, len(methods))
	for _, m := range methods {
		entries = append(entries, map[string]string{
			"method":     m,
			"methodUuid": methodUUID(m).String(),
			"dataUuid":   uuid.Must(uuid.NewV7()).String(),
			"key":        p.Workdir,
		})
	}
	return entries, nil
}

func (c *Controller) getWorkdirStatus(raw json.RawMessage) (interface{}, error) {
	var p workdirParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	network := config.Network(p.Workdir)
	ip, ok := c.ports[network]
	if !ok {
		return nil, fmt.Errorf("unknown workdir %q", p.Workdir)
	}

	servers := ip.Servers()
	okCount := 0
	for _, s := range servers {
		if s.Stats.Status() == stats.StatusOK {
			okCount++
		}
	}
	return map[string]interface{}{
		"workdir":          p.Workdir,
		"total_links":      len(servers),
		"healthy_links":    okCount,
		"config_version":   ip.ConfigVersion(),
		"avg_queue_time_ms": ip.AverageQueueTimeMs(),
		"checked_at":       time.Now().UTC().Format(time.RFC3339),
	}, nil
}

type getLinksParams struct {
	Workdir string `json:"workdir"`
	Display string `json:"display,omitempty"`
}

// linkReport matches §6's "Stats output" table exactly.
type linkReport struct {
	Alias      string  `json:"alias"`
	Status     string  `json:"status"`
	HealthPct  int32   `json:"health_pct"`
	LoadPct    float64 `json:"load_pct"`
	RespTimeMs float64 `json:"resp_time_ms"`
	SuccessPct float64 `json:"success_pct"`
}

type linksSummary struct {
	SuccessFirstAttempt int64   `json:"success_on_first_attempt"`
	SuccessAfterRetry   int64   `json:"success_after_retry"`
	FailureBadRequest   int64   `json:"failure_bad_request"`
	FailureOther        int64   `json:"failure_other"`
	AvgQueueTimeMs      float64 `json:"avg_queue_time_ms"`
}

func (c *Controller) getLinks(raw json.RawMessage) (interface{}, error) {
	var p getLinksParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	network := config.Network(p.Workdir)
	ip, ok := c.ports[network]
	if !ok {
		return nil, fmt.Errorf("unknown workdir %q", p.Workdir)
	}

	servers := ip.Servers()
	totalRequests := int64(0)
	snaps := make([]stats.Snapshot, len(servers))
	for i, s := range servers {
		snaps[i] = s.Stats.Read()
		totalRequests += snaps[i].TotalUserRequests()
	}

	links := make([]linkReport, len(servers))
	var summary linksSummary
	for i, s := range servers {
		snap := snaps[i]
		loadPct := 0.0
		if totalRequests > 0 {
			loadPct = 100 * float64(snap.TotalUserRequests()) / float64(totalRequests)
		}
		successPct := 0.0
		if total := snap.TotalUserRequests(); total > 0 {
			successPct = 100 * float64(snap.SuccessFirstAttempt+snap.SuccessAfterRetry) / float64(total)
		}
		links[i] = linkReport{
			Alias:      s.Alias(),
			Status:     snap.Status.String(),
			HealthPct:  snap.HealthScore,
			LoadPct:    loadPct,
			RespTimeMs: snap.RespTimeMillis,
			SuccessPct: successPct,
		}
		summary.SuccessFirstAttempt += snap.SuccessFirstAttempt
		summary.SuccessAfterRetry += snap.SuccessAfterRetry
		summary.FailureBadRequest += snap.FailureBadRequest
		summary.FailureOther += snap.FailureOther
	}
	summary.AvgQueueTimeMs = ip.AverageQueueTimeMs()

	return map[string]interface{}{
		"links":   links,
		"summary": summary,
	}, nil
}

type workdirCommandParams struct {
	Workdir string `json:"workdir"`
	Command string `json:"command"`
}

// workdirCommand runs a small set of workdir-level operations. The only
// accepted command is "reload", which is acknowledged and changes
// nothing: it does not re-read the file or reconcile the InputPort, which
// happens only when the configuration watcher sees the file written.
// Rewriting configuration files is out of scope for this admin surface
// (§1: install scripts own the on-disk layout).
func (c *Controller) workdirCommand(raw json.RawMessage) (interface{}, error) {
	var p workdirCommandParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	network := config.Network(p.Workdir)
	if _, ok := c.ports[network]; !ok {
		return nil, fmt.Errorf("unknown workdir %q", p.Workdir)
	}
	switch p.Command {
	case "reload":
		return map[string]string{"status": "acknowledged"}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", p.Command)
	}
}

type mockControlParams struct {
	Alias    string               `json:"alias"`
	Action   string               `json:"action"`
	Behavior *mockserver.Behavior `json:"behavior,omitempty"`
}

func (c *Controller) mockServerControl(raw json.RawMessage) (interface{}, error) {
	var p mockControlParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if c.mocks == nil {
		return nil, fmt.Errorf("no mock servers configured")
	}
	srv, ok := c.mocks.Get(p.Alias)
	if !ok {
		return nil, fmt.Errorf("unknown mock alias %q", p.Alias)
	}

	switch p.Action {
	case "set_behavior":
		if p.Behavior == nil {
			return nil, fmt.Errorf("set_behavior requires a behavior payload")
		}
		srv.SetBehavior(*p.Behavior)
	case "reset":
		srv.Reset()
	case "pause":
		srv.Pause()
	case "resume":
		srv.Resume()
	default:
		return nil, fmt.Errorf("unknown mockServerControl action %q", p.Action)
	}
	return map[string]string{"status": "ok"}, nil
}

type mockAliasParams struct {
	Alias string `json:"alias"`
}

func (c *Controller) mockServerStats(raw json.RawMessage) (interface{}, error) {
	var p mockAliasParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if c.mocks == nil {
		return nil, fmt.Errorf("no mock servers configured")
	}
	srv, ok := c.mocks.Get(p.Alias)
	if !ok {
		return nil, fmt.Errorf("unknown mock alias %q", p.Alias)
	}
	return srv.Stats(), nil
}

func (c *Controller) mockServerReset(raw json.RawMessage) (interface{}, error) {
	var p mockAliasParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if c.mocks == nil {
		return nil, fmt.Errorf("no mock servers configured")
	}
	srv, ok := c.mocks.Get(p.Alias)
	if !ok {
		return nil, fmt.Errorf("unknown mock alias %q", p.Alias)
	}
	srv.Reset()
	return map[string]string{"status": "ok"}, nil
}
