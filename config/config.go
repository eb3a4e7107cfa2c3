// Package config loads and validates Skyloft runtime configuration: the
// general per-app options and the policy-specific ones from spec §6
// ("Configuration for SQ / SQ-LCBE"). File-based defaults (TOML, via
// BurntSushi/toml) compose with a functional-options overlay, following
// eventloop/options.go's LoopOption pattern layered over resolveLoopOptions'
// struct-of-defaults.
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/skyloft-rt/skyloft/errs"
)

// Policy names recognized by app.PolicyByName / app.Bootstrap.
const (
	PolicyFIFO   = "fifo"
	PolicyRR     = "rr"
	PolicyCFS    = "cfs"
	PolicyEEVDF  = "eevdf"
	PolicySQ     = "sq"
	PolicySQLCBE = "sqlcbe"
)

// Config is the fully resolved runtime configuration for one app.
type Config struct {
	// Policy selects one of the Policy* constants.
	Policy string

	// NumCPUs is the number of pinned worker CPUs owned by this app.
	NumCPUs int

	// StackSize is the size, in bytes, of each task's stack region. Must be
	// a power of two; defaults to 256 KiB per spec §3.
	StackSize int

	// MagazineSize is the per-CPU allocator cache size (spec §4.1 default 8).
	MagazineSize int

	// MaxTasksPerApp bounds the shared-mode preallocated task/stack array.
	// 0 means "size automatically from available system memory."
	MaxTasksPerApp int

	// TimerHz is the host-timer preemption frequency, used when the
	// user-interrupt delivery path (platform.Uintr) is unavailable.
	TimerHz int

	// SQ holds the SQ / SQ-LCBE specific options (spec §6); ignored by the
	// other four policies.
	SQ SQConfig
}

// SQConfig models the §6 "Configuration for SQ / SQ-LCBE" recognized
// options.
type SQConfig struct {
	// NumWorkers is the worker CPU count (<= total CPUs - 1).
	NumWorkers int

	// PreemptionQuantum is how long a worker may run one task before the
	// dispatcher sends a preemption interrupt; 0 disables time preemption.
	PreemptionQuantum time.Duration

	// GuaranteedCPUs is the SQ-LCBE LC floor (spec §4.4.6, property P10).
	GuaranteedCPUs int

	// AdjustQuantum is how often the SQ-LCBE dispatcher re-evaluates
	// congestion.
	AdjustQuantum time.Duration

	// CongestionThresh is the active/elapsed ratio below which LC is
	// considered congested.
	CongestionThresh float64
}

// Default returns a Config with every field at its spec-mandated default.
func Default() Config {
	return Config{
		Policy:         PolicyEEVDF,
		NumCPUs:        1,
		StackSize:      256 * 1024,
		MagazineSize:   8,
		MaxTasksPerApp: 0,
		TimerHz:        1000,
		SQ: SQConfig{
			NumWorkers:        1,
			PreemptionQuantum: 0,
			GuaranteedCPUs:    0,
			AdjustQuantum:     time.Millisecond,
			CongestionThresh: 0.9,
		},
	}
}

// Option mutates a Config during Load, applied after file-based
// defaults so callers can override specific fields programmatically.
type Option func(*Config)

// WithPolicy overrides the scheduling policy.
func WithPolicy(name string) Option {
	return func(c *Config) { c.Policy = name }
}

// WithNumCPUs overrides the pinned CPU count.
func WithNumCPUs(n int) Option {
	return func(c *Config) { c.NumCPUs = n }
}

// WithStackSize overrides the per-task stack size.
func WithStackSize(n int) Option {
	return func(c *Config) { c.StackSize = n }
}

// WithSQ overrides the SQ/SQ-LCBE options wholesale.
func WithSQ(sq SQConfig) Option {
	return func(c *Config) { c.SQ = sq }
}

// tomlDoc mirrors Config's shape for file decoding; kept separate so zero
// values in the file (absent keys) don't clobber Default()'s non-zero
// defaults the way decoding directly into Config would.
type tomlDoc struct {
	Policy         string `toml:"policy"`
	NumCPUs        int    `toml:"num_cpus"`
	StackSize      int    `toml:"stack_size"`
	MagazineSize   int    `toml:"magazine_size"`
	MaxTasksPerApp int    `toml:"max_tasks_per_app"`
	TimerHz        int    `toml:"timer_hz"`
	SQ             struct {
		NumWorkers        int     `toml:"num_workers"`
		PreemptionQuantum int     `toml:"preemption_quantum_us"`
		GuaranteedCPUs    int     `toml:"guaranteed_cpus"`
		AdjustQuantum     int     `toml:"adjust_quantum_us"`
		CongestionThresh  float64 `toml:"congestion_thresh"`
	} `toml:"sq"`
}

// Load reads a TOML file at path, overlays it onto Default(), then applies
// opts. Missing keys keep their Default() value; path == "" skips file
// loading entirely (Default() plus opts only).
func Load(path string, opts ...Option) (Config, error) {
	cfg := Default()

	if path != "" {
		var doc tomlDoc
		meta, err := toml.DecodeFile(path, &doc)
		if err != nil {
			return Config{}, err
		}

		if meta.IsDefined("policy") {
			cfg.Policy = doc.Policy
		}
		if meta.IsDefined("num_cpus") {
			cfg.NumCPUs = doc.NumCPUs
		}
		if meta.IsDefined("stack_size") {
			cfg.StackSize = doc.StackSize
		}
		if meta.IsDefined("magazine_size") {
			cfg.MagazineSize = doc.MagazineSize
		}
		if meta.IsDefined("max_tasks_per_app") {
			cfg.MaxTasksPerApp = doc.MaxTasksPerApp
		}
		if meta.IsDefined("timer_hz") {
			cfg.TimerHz = doc.TimerHz
		}
		if meta.IsDefined("sq", "num_workers") {
			cfg.SQ.NumWorkers = doc.SQ.NumWorkers
		}
		if meta.IsDefined("sq", "preemption_quantum_us") {
			cfg.SQ.PreemptionQuantum = time.Duration(doc.SQ.PreemptionQuantum) * time.Microsecond
		}
		if meta.IsDefined("sq", "guaranteed_cpus") {
			cfg.SQ.GuaranteedCPUs = doc.SQ.GuaranteedCPUs
		}
		if meta.IsDefined("sq", "adjust_quantum_us") {
			cfg.SQ.AdjustQuantum = time.Duration(doc.SQ.AdjustQuantum) * time.Microsecond
		}
		if meta.IsDefined("sq", "congestion_thresh") {
			cfg.SQ.CongestionThresh = doc.SQ.CongestionThresh
		}
	}

	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface confusingly deep
// inside allocator/policy code.
func (c Config) Validate() error {
	switch c.Policy {
	case PolicyFIFO, PolicyRR, PolicyCFS, PolicyEEVDF, PolicySQ, PolicySQLCBE:
	default:
		return errs.NewInvalidArgument("policy", c.Policy)
	}
	if c.NumCPUs <= 0 {
		return errs.NewInvalidArgument("num_cpus", c.NumCPUs)
	}
	if c.StackSize <= 0 || c.StackSize&(c.StackSize-1) != 0 {
		return errs.NewInvalidArgument("stack_size", c.StackSize)
	}
	if c.MagazineSize <= 0 {
		return errs.NewInvalidArgument("magazine_size", c.MagazineSize)
	}
	if (c.Policy == PolicySQ || c.Policy == PolicySQLCBE) && c.SQ.NumWorkers <= 0 {
		return errs.NewInvalidArgument("sq.num_workers", c.SQ.NumWorkers)
	}
	if c.Policy == PolicySQLCBE && c.SQ.GuaranteedCPUs >= c.SQ.NumWorkers {
		return errs.NewInvalidArgument("sq.guaranteed_cpus", c.SQ.GuaranteedCPUs)
	}
	return nil
}
