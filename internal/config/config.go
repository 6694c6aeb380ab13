// Package config loads the proxy's declarative YAML configuration
// (spec.md §6) and builds it into an immutable Snapshot. Loading follows
// the teacher's config.go shape (env-var substitution, validate, apply
// defaults) collapsed from the teacher's multi-tenant pool document down to
// this proxy's single-upstream, rule-driven one.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dbbouncer/piimask/internal/rules"
)

// Protocol is the wire protocol the proxy speaks, fixed for the process
// (spec.md §6, "protocol mode... selected at startup and fixed").
type Protocol string

const (
	ProtocolPostgres Protocol = "postgres"
	ProtocolMySQL    Protocol = "mysql"
)

// Config is the root of the YAML document.
type Config struct {
	Listen         ListenConfig   `yaml:"listen"`
	Admin          AdminConfig    `yaml:"admin"`
	Upstream       UpstreamConfig `yaml:"upstream"`
	UpstreamTLS    bool           `yaml:"upstream_tls"`
	TLS            TLSConfig      `yaml:"tls"`
	Rules          []RuleConfig   `yaml:"rules"`
	Limits         LimitsConfig   `yaml:"limits"`
	HealthCheck    HealthCheckCfg `yaml:"health_check"`
	MaskingEnabled *bool          `yaml:"masking_enabled,omitempty"`
}

// ListenConfig is the single client-facing listener.
type ListenConfig struct {
	Protocol Protocol `yaml:"protocol"`
	Port     int      `yaml:"port"`
	Bind     string   `yaml:"bind"`
}

// AdminConfig is internal/admin's read-only HTTP surface
// (/healthz, /metrics, /connections).
type AdminConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// UpstreamConfig names the one database this proxy relays to.
type UpstreamConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TLSConfig is client-facing TLS (opaque stream wrapper to the core per
// spec.md §1 Non-goals).
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// RuleConfig is one entry of the YAML rules list.
type RuleConfig struct {
	Table    string `yaml:"table,omitempty"`
	Column   string `yaml:"column"`
	Strategy string `yaml:"strategy"`
	Salt     string `yaml:"salt,omitempty"`
}

// LimitsConfig governs the connection handler's acceptance policy
// (spec.md §4.F).
type LimitsConfig struct {
	MaxConnections       int `yaml:"max_connections"`
	ConnectionsPerSecond int `yaml:"connections_per_second"`
	ConnectTimeoutSecs   int `yaml:"connect_timeout_secs"`
	IdleTimeoutSecs      int `yaml:"idle_timeout_secs"`
	ShutdownTimeoutSecs  int `yaml:"shutdown_timeout_secs"`
}

func (l LimitsConfig) ConnectTimeout() time.Duration {
	return time.Duration(l.ConnectTimeoutSecs) * time.Second
}
func (l LimitsConfig) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutSecs) * time.Second
}
func (l LimitsConfig) ShutdownTimeout() time.Duration {
	return time.Duration(l.ShutdownTimeoutSecs) * time.Second
}

// HealthCheckCfg governs the separate upstream health-check task
// (spec.md §5).
type HealthCheckCfg struct {
	Enabled            bool `yaml:"enabled"`
	IntervalSecs       int  `yaml:"interval_secs"`
	TimeoutSecs        int  `yaml:"timeout_secs"`
	UnhealthyThreshold int  `yaml:"unhealthy_threshold"`
	HealthyThreshold   int  `yaml:"healthy_threshold"`
}

func (h HealthCheckCfg) Interval() time.Duration { return time.Duration(h.IntervalSecs) * time.Second }
func (h HealthCheckCfg) Timeout() time.Duration  { return time.Duration(h.TimeoutSecs) * time.Second }

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment values,
// leaving the literal text in place when the variable is unset.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads, substitutes, parses, validates, and defaults a config file.
// A load failure is fatal to startup (spec.md §7, "Config errors at load:
// abort startup").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 6432
	}
	if cfg.Listen.Bind == "" {
		cfg.Listen.Bind = "0.0.0.0"
	}
	if cfg.Listen.Protocol == "" {
		cfg.Listen.Protocol = ProtocolPostgres
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Admin.Bind == "" {
		cfg.Admin.Bind = "0.0.0.0"
	}
	if cfg.Limits.MaxConnections == 0 {
		cfg.Limits.MaxConnections = 100
	}
	if cfg.Limits.ConnectionsPerSecond == 0 {
		cfg.Limits.ConnectionsPerSecond = 50
	}
	if cfg.Limits.ConnectTimeoutSecs == 0 {
		cfg.Limits.ConnectTimeoutSecs = 5
	}
	if cfg.Limits.IdleTimeoutSecs == 0 {
		cfg.Limits.IdleTimeoutSecs = 300
	}
	if cfg.Limits.ShutdownTimeoutSecs == 0 {
		cfg.Limits.ShutdownTimeoutSecs = 30
	}
	if cfg.HealthCheck.IntervalSecs == 0 {
		cfg.HealthCheck.IntervalSecs = 10
	}
	if cfg.HealthCheck.TimeoutSecs == 0 {
		cfg.HealthCheck.TimeoutSecs = 3
	}
	if cfg.HealthCheck.UnhealthyThreshold == 0 {
		cfg.HealthCheck.UnhealthyThreshold = 3
	}
	if cfg.HealthCheck.HealthyThreshold == 0 {
		cfg.HealthCheck.HealthyThreshold = 1
	}
	if cfg.MaskingEnabled == nil {
		enabled := true
		cfg.MaskingEnabled = &enabled
	}
}

func validate(cfg *Config) error {
	if cfg.Listen.Protocol != ProtocolPostgres && cfg.Listen.Protocol != ProtocolMySQL {
		return fmt.Errorf("listen.protocol must be %q or %q, got %q", ProtocolPostgres, ProtocolMySQL, cfg.Listen.Protocol)
	}
	if cfg.Upstream.Host == "" {
		return fmt.Errorf("upstream.host is required")
	}
	if cfg.Upstream.Port == 0 {
		return fmt.Errorf("upstream.port is required")
	}
	if cfg.TLS.Enabled && (cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "") {
		return fmt.Errorf("tls.enabled requires both cert_path and key_path")
	}
	for i, r := range cfg.Rules {
		if r.Column == "" {
			return fmt.Errorf("rules[%d]: column is required", i)
		}
	}
	return nil
}

// Redacted returns a copy of cfg safe to log. This config shape carries no
// upstream credentials (the proxy relays bytes, it never authenticates to
// the upstream itself), so there is nothing to mask beyond what TLS paths
// name, which are not sensitive.
func (c Config) Redacted() Config {
	return c
}

// BuildRuleTable parses every RuleConfig into a rules.Rule, skipping and
// warning on unknown strategy tokens (spec.md §6, "Unknown tokens cause the
// rule to be skipped and a warning to be surfaced at load").
func BuildRuleTable(entries []RuleConfig) *rules.Table {
	built := make([]rules.Rule, 0, len(entries))
	for _, e := range entries {
		strategy, err := rules.ParseStrategy(e.Strategy)
		if err != nil {
			slog.Warn("skipping rule with unknown strategy", "table", e.Table, "column", e.Column, "strategy", e.Strategy)
			continue
		}
		built = append(built, rules.Rule{
			Table:    e.Table,
			Column:   e.Column,
			Strategy: strategy,
			Salt:     e.Salt,
		})
	}
	return rules.NewTable(built)
}
