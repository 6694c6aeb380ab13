package config

import (
	"sync"
	"sync/atomic"

	"github.com/dbbouncer/piimask/internal/rules"
)

// Snapshot is the immutable configuration state the masking engine and
// connection handler read (spec.md §3, "Configuration state"). Replaced
// wholesale on every reload; readers always see a complete, consistent
// snapshot and never block (spec.md §5).
type Snapshot struct {
	Listen         ListenConfig
	Upstream       UpstreamConfig
	UpstreamTLS    bool
	TLS            TLSConfig
	Limits         LimitsConfig
	HealthCheck    HealthCheckCfg
	rules          *rules.Table
	maskingEnabled bool
}

// Rules implements mask.RuleSource.
func (s *Snapshot) Rules() *rules.Table { return s.rules }

// MaskingEnabled implements mask.RuleSource.
func (s *Snapshot) MaskingEnabled() bool { return s.maskingEnabled }

// NewSnapshot builds an immutable Snapshot from a loaded Config.
func NewSnapshot(cfg *Config) *Snapshot {
	enabled := true
	if cfg.MaskingEnabled != nil {
		enabled = *cfg.MaskingEnabled
	}
	return &Snapshot{
		Listen:         cfg.Listen,
		Upstream:       cfg.Upstream,
		UpstreamTLS:    cfg.UpstreamTLS,
		TLS:            cfg.TLS,
		Limits:         cfg.Limits,
		HealthCheck:    cfg.HealthCheck,
		rules:          BuildRuleTable(cfg.Rules),
		maskingEnabled: enabled,
	}
}

// Store holds the current Snapshot behind a lock-free read path, adapted
// from the teacher's router.Router (internal/router/router.go): an
// atomic.Value for readers, a plain mutex serializing writers so two
// concurrent reloads can't race each other.
type Store struct {
	v   atomic.Value // holds *Snapshot
	wmu sync.Mutex
}

// NewStore returns a Store seeded with initial.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.v.Store(initial)
	return s
}

// Load returns the current snapshot. Never blocks.
func (s *Store) Load() *Snapshot {
	return s.v.Load().(*Snapshot)
}

// Swap wholesale-replaces the snapshot, serialized against other writers.
func (s *Store) Swap(next *Snapshot) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.v.Store(next)
}
