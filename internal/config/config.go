// Package config loads, validates, and hot-reloads the per-network
// configuration files (§6). Each network (mainnet, testnet, devnet,
// localnet) has its own YAML file; a fsnotify watcher on the workdir
// triggers a re-parse and re-validate on every write, and an invalid
// file is rejected in full, leaving the previously loaded configuration
// in effect.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	validator "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Network identifies one of the four loopback listener networks.
type Network string

const (
	Mainnet  Network = "mainnet"
	Testnet  Network = "testnet"
	Devnet   Network = "devnet"
	Localnet Network = "localnet"
)

// mockAliasPrefix is the reserved alias prefix that routes a link to the
// in-process mock server manager instead of a real upstream (§4.7).
const mockAliasPrefix = "mock-"

// HealthCheckConfig controls the Network Monitor's probe cadence for one
// workdir (§4.5).
type HealthCheckConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" validate:"omitempty,gte=1"`
	TimeoutSeconds  int `yaml:"timeout_seconds" validate:"omitempty,gte=1"`
}

// DefaultHealthCheckInterval is used when a workdir config omits
// interval_seconds, matching §4.5's "default every 15 seconds".
const DefaultHealthCheckInterval = 15

// DefaultHealthCheckTimeout is used when a workdir config omits
// timeout_seconds.
const DefaultHealthCheckTimeout = 5

// LinkConfig is one upstream entry in a network's configuration file
// (§3, §6). Field tags drive both YAML decoding and validator/v10
// struct-tag validation; invalid fields fail the whole file's load.
type LinkConfig struct {
	Alias      string  `yaml:"alias" validate:"required,linkalias"`
	RPC        string  `yaml:"rpc" validate:"required,url"`
	WS         string  `yaml:"ws" validate:"omitempty,url"`
	Metrics    string  `yaml:"metrics" validate:"omitempty,url"`
	Priority   int     `yaml:"priority" validate:"gte=0"`
	Selectable *bool   `yaml:"selectable"`
	Monitored  *bool   `yaml:"monitored"`
	MaxPerSecs *uint32 `yaml:"max_per_secs" validate:"omitempty,gt=0"`
	MaxPerMin  *uint32 `yaml:"max_per_min" validate:"omitempty,gt=0"`
}

// defaultPriority matches spec.md §3: "priority ... default 20".
const defaultPriority = 20

// IsSelectable returns the effective selectable flag, defaulting to true.
func (l LinkConfig) IsSelectable() bool {
	return l.Selectable == nil || *l.Selectable
}

// IsMonitored returns the effective monitored flag, defaulting to true.
func (l LinkConfig) IsMonitored() bool {
	return l.Monitored == nil || *l.Monitored
}

// IsMock reports whether this link's alias routes to the mock server
// manager rather than a real upstream.
func (l LinkConfig) IsMock() bool {
	return strings.HasPrefix(l.Alias, mockAliasPrefix)
}

// WorkdirConfig is the decoded form of one network's YAML file.
type WorkdirConfig struct {
	Network      Network           `yaml:"-"`
	ProxyEnabled *bool             `yaml:"proxy_enabled"`
	HealthCheck  HealthCheckConfig `yaml:"health_check"`
	Links        []LinkConfig      `yaml:"links"`
}

// IsProxyEnabled defaults to true when omitted.
func (w WorkdirConfig) IsProxyEnabled() bool {
	return w.ProxyEnabled == nil || *w.ProxyEnabled
}

// HealthCheckInterval resolves the configured interval, or the default.
func (w WorkdirConfig) HealthCheckInterval() int {
	if w.HealthCheck.IntervalSeconds > 0 {
		return w.HealthCheck.IntervalSeconds
	}
	return DefaultHealthCheckInterval
}

// HealthCheckTimeout resolves the configured timeout, or the default.
func (w WorkdirConfig) HealthCheckTimeout() int {
	if w.HealthCheck.TimeoutSeconds > 0 {
		return w.HealthCheck.TimeoutSeconds
	}
	return DefaultHealthCheckTimeout
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("linkalias", validateLinkAlias)
	})
	return validate
}

// validateLinkAlias rejects empty and whitespace-containing aliases; the
// mock-prefix/network pairing is checked separately in Validate, since
// that check needs the enclosing network, not just the field.
func validateLinkAlias(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	if v == "" || strings.ContainsAny(v, " \t\n") {
		return false
	}
	return true
}

// Validate applies struct-tag validation plus the structural checks
// spec.md §6/§8 require that cut across single fields: unique aliases
// within the workdir, and the mock-prefix-only-on-localnet guard.
func (w *WorkdirConfig) Validate() error {
	v := getValidator()

	seen := make(map[string]bool, len(w.Links))
	for i := range w.Links {
		link := &w.Links[i]
		if link.Priority == 0 {
			// priority 0 is indistinguishable from an omitted field, so
			// it is coerced to the default along with a truly-absent
			// value; an explicit 0 cannot be expressed.
			link.Priority = defaultPriority
		}
		if err := v.Struct(link); err != nil {
			return fmt.Errorf("link %q: %w", link.Alias, err)
		}
		if seen[link.Alias] {
			return fmt.Errorf("duplicate alias %q in %s workdir", link.Alias, w.Network)
		}
		seen[link.Alias] = true

		if link.IsMock() && w.Network != Localnet {
			return fmt.Errorf("link %q: mock- prefix is only permitted in the localnet workdir, got %s", link.Alias, w.Network)
		}
	}
	return nil
}

// Load reads and validates one network's configuration file. On
// failure the caller must keep using its previously loaded
// WorkdirConfig (§8: "rejected at load; the prior configuration remains
// in effect").
func Load(network Network, path string) (*WorkdirConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s config at %s: %w", network, path, err)
	}

	var cfg WorkdirConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s config at %s: %w", network, path, err)
	}
	cfg.Network = network

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s config at %s: %w", network, path, err)
	}
	return &cfg, nil
}
