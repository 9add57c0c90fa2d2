// Package config loads host configuration.
//
// Values come from, in increasing precedence: DefaultConfig, a YAML file,
// VIGIL_* environment variables (nested keys joined with "_", so
// scheduler.max_retries is VIGIL_SCHEDULER_MAX_RETRIES) and bound command
// line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/vigil/internal/chaindata"
	"github.com/roach88/vigil/internal/incident"
	"github.com/roach88/vigil/internal/logging"
	"github.com/roach88/vigil/internal/query"
	"github.com/roach88/vigil/internal/retry"
	"github.com/roach88/vigil/internal/sandbox"
	"github.com/roach88/vigil/internal/scheduler"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "VIGIL"

// DefaultFile is read from the working directory when no file is given.
const DefaultFile = "vigil.yaml"

// Chain drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Ledger modes.
const (
	LedgerNone = "none"
	LedgerHTTP = "http"
	LedgerFile = "file"
)

type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	DBPath    string          `mapstructure:"db_path"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Modules   ModulesConfig   `mapstructure:"modules"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Query     QueryConfig     `mapstructure:"query"`
	Incidents IncidentsConfig `mapstructure:"incidents"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Forwarder ForwarderConfig `mapstructure:"forwarder"`
	Status    StatusConfig    `mapstructure:"status"`
	Log       LogConfig       `mapstructure:"log"`
}

type ChainConfig struct {
	Driver     string `mapstructure:"driver"`
	Path       string `mapstructure:"path"`
	DSN        string `mapstructure:"dsn"`
	MaxConns   int32  `mapstructure:"max_conns"`
	InitSchema bool   `mapstructure:"init_schema"`
}

type ModulesConfig struct {
	URL string `mapstructure:"url"`
}

type SchedulerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	MaxConcurrency  int64         `mapstructure:"max_concurrency"`
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	MaxWindowBlocks uint64        `mapstructure:"max_window_blocks"`
}

type SandboxConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages"`
	MaxHostCalls     int           `mapstructure:"max_host_calls"`
}

type QueryConfig struct {
	MaxRows  int           `mapstructure:"max_rows"`
	MaxBytes int           `mapstructure:"max_bytes"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type IncidentsConfig struct {
	MaxMessageBytes int `mapstructure:"max_message_bytes"`
}

type LedgerConfig struct {
	Mode     string `mapstructure:"mode"`
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
	Dir      string `mapstructure:"dir"`
}

type ForwarderConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
// Empty paths are derived from DataDir by Load.
func DefaultConfig() Config {
	sched := scheduler.DefaultConfig()
	budget := sandbox.DefaultBudget()
	limits := query.DefaultLimits()
	fwd := incident.DefaultForwarderConfig()
	return Config{
		DataDir: ".vigil",
		Chain: ChainConfig{
			Driver:   DriverSQLite,
			MaxConns: 5,
		},
		Scheduler: SchedulerConfig{
			TickInterval:    sched.TickInterval,
			MaxConcurrency:  sched.MaxConcurrency,
			MaxRetries:      sched.MaxRetries,
			InitialBackoff:  sched.InitialBackoff,
			MaxBackoff:      sched.MaxBackoff,
			MaxWindowBlocks: sched.MaxWindowBlocks,
		},
		Sandbox: SandboxConfig{
			Timeout:          budget.Timeout,
			MemoryLimitPages: budget.MemoryLimitPages,
			MaxHostCalls:     budget.MaxHostCalls,
		},
		Query: QueryConfig{
			MaxRows:  limits.MaxRows,
			MaxBytes: limits.MaxBytes,
			Timeout:  limits.Timeout,
		},
		Incidents: IncidentsConfig{
			MaxMessageBytes: incident.DefaultMaxMessageBytes,
		},
		Ledger: LedgerConfig{
			Mode: LedgerNone,
		},
		Forwarder: ForwarderConfig{
			PollInterval:    fwd.PollInterval,
			BatchSize:       fwd.BatchSize,
			RatePerSecond:   fwd.RatePerSecond,
			Burst:           fwd.Burst,
			InitialBackoff:  fwd.Retry.Initial,
			MaxBackoff:      fwd.Retry.Max,
			BreakerFailures: fwd.BreakerFailures,
			BreakerTimeout:  fwd.BreakerTimeout,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7420",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"data-dir":    "data_dir",
	"db":          "db_path",
	"chain-db":    "chain.path",
	"chain-dsn":   "chain.dsn",
	"modules-url": "modules.url",
	"status-addr": "status.addr",
	"log-level":   "log.level",
	"log-format":  "log.format",
}

// Load reads configuration. An empty path reads DefaultFile if it exists.
// Flags in fs named in the flag table override every other source.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, filepath.Ext(DefaultFile)))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"data_dir":                    d.DataDir,
		"db_path":                     d.DBPath,
		"chain.driver":                d.Chain.Driver,
		"chain.path":                  d.Chain.Path,
		"chain.dsn":                   d.Chain.DSN,
		"chain.max_conns":             d.Chain.MaxConns,
		"chain.init_schema":           d.Chain.InitSchema,
		"modules.url":                 d.Modules.URL,
		"scheduler.tick_interval":     d.Scheduler.TickInterval,
		"scheduler.max_concurrency":   d.Scheduler.MaxConcurrency,
		"scheduler.max_retries":       d.Scheduler.MaxRetries,
		"scheduler.initial_backoff":   d.Scheduler.InitialBackoff,
		"scheduler.max_backoff":       d.Scheduler.MaxBackoff,
		"scheduler.max_window_blocks": d.Scheduler.MaxWindowBlocks,
		"sandbox.timeout":             d.Sandbox.Timeout,
		"sandbox.memory_limit_pages":  d.Sandbox.MemoryLimitPages,
		"sandbox.max_host_calls":      d.Sandbox.MaxHostCalls,
		"query.max_rows":              d.Query.MaxRows,
		"query.max_bytes":             d.Query.MaxBytes,
		"query.timeout":               d.Query.Timeout,
		"incidents.max_message_bytes": d.Incidents.MaxMessageBytes,
		"ledger.mode":                 d.Ledger.Mode,
		"ledger.endpoint":             d.Ledger.Endpoint,
		"ledger.token":                d.Ledger.Token,
		"ledger.dir":                  d.Ledger.Dir,
		"forwarder.poll_interval":     d.Forwarder.PollInterval,
		"forwarder.batch_size":        d.Forwarder.BatchSize,
		"forwarder.rate_per_second":   d.Forwarder.RatePerSecond,
		"forwarder.burst":             d.Forwarder.Burst,
		"forwarder.initial_backoff":   d.Forwarder.InitialBackoff,
		"forwarder.max_backoff":       d.Forwarder.MaxBackoff,
		"forwarder.breaker_failures":  d.Forwarder.BreakerFailures,
		"forwarder.breaker_timeout":   d.Forwarder.BreakerTimeout,
		"status.enabled":              d.Status.Enabled,
		"status.addr":                 d.Status.Addr,
		"log.format":                  d.Log.Format,
		"log.level":                   d.Log.Level,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// resolve fills paths derived from DataDir.
func (c *Config) resolve() error {
	if c.DataDir == "" {
		return &Error{Key: "data_dir", Message: "must not be empty"}
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "vigil.db")
	}
	if c.Chain.Driver == DriverSQLite && c.Chain.Path == "" {
		c.Chain.Path = filepath.Join(c.DataDir, "chain.db")
	}
	if c.Modules.URL == "" {
		abs, err := filepath.Abs(filepath.Join(c.DataDir, "modules"))
		if err != nil {
			return fmt.Errorf("resolve module dir: %w", err)
		}
		c.Modules.URL = "file://" + filepath.ToSlash(abs)
	}
	if c.Ledger.Mode == LedgerFile && c.Ledger.Dir == "" {
		c.Ledger.Dir = filepath.Join(c.DataDir, "ledger")
	}
	return nil
}

// Error reports an invalid configuration value.
type Error struct {
	Key     string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

// IsError reports whether err is a configuration Error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Validate rejects values the host cannot run with.
func (c Config) Validate() error {
	switch c.Chain.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Chain.DSN == "" {
			return &Error{Key: "chain.dsn", Message: "required for the postgres driver"}
		}
	default:
		return &Error{Key: "chain.driver", Message: fmt.Sprintf("unknown driver %q", c.Chain.Driver)}
	}

	s := c.Scheduler
	switch {
	case s.TickInterval <= 0:
		return &Error{Key: "scheduler.tick_interval", Message: "must be positive"}
	case s.MaxConcurrency < 1:
		return &Error{Key: "scheduler.max_concurrency", Message: "must be at least 1"}
	case s.MaxRetries < 0:
		return &Error{Key: "scheduler.max_retries", Message: "must not be negative"}
	case s.InitialBackoff <= 0:
		return &Error{Key: "scheduler.initial_backoff", Message: "must be positive"}
	case s.MaxBackoff < s.InitialBackoff:
		return &Error{Key: "scheduler.max_backoff", Message: "must be at least scheduler.initial_backoff"}
	}

	switch {
	case c.Sandbox.Timeout <= 0:
		return &Error{Key: "sandbox.timeout", Message: "must be positive"}
	case c.Sandbox.MemoryLimitPages < 1 || c.Sandbox.MemoryLimitPages > 65536:
		return &Error{Key: "sandbox.memory_limit_pages", Message: "must be between 1 and 65536"}
	case c.Sandbox.MaxHostCalls < 0:
		return &Error{Key: "sandbox.max_host_calls", Message: "must not be negative"}
	}

	switch {
	case c.Query.MaxRows < 0:
		return &Error{Key: "query.max_rows", Message: "must not be negative"}
	case c.Query.MaxBytes < 0:
		return &Error{Key: "query.max_bytes", Message: "must not be negative"}
	case c.Query.Timeout < 0:
		return &Error{Key: "query.timeout", Message: "must not be negative"}
	case c.Incidents.MaxMessageBytes < 1:
		return &Error{Key: "incidents.max_message_bytes", Message: "must be positive"}
	}

	switch c.Ledger.Mode {
	case LedgerNone, LedgerFile:
	case LedgerHTTP:
		if c.Ledger.Endpoint == "" {
			return &Error{Key: "ledger.endpoint", Message: "required for http mode"}
		}
	default:
		return &Error{Key: "ledger.mode", Message: fmt.Sprintf("unknown mode %q", c.Ledger.Mode)}
	}

	f := c.Forwarder
	switch {
	case f.PollInterval <= 0:
		return &Error{Key: "forwarder.poll_interval", Message: "must be positive"}
	case f.BatchSize < 1:
		return &Error{Key: "forwarder.batch_size", Message: "must be at least 1"}
	case f.RatePerSecond < 0:
		return &Error{Key: "forwarder.rate_per_second", Message: "must not be negative"}
	case f.InitialBackoff <= 0:
		return &Error{Key: "forwarder.initial_backoff", Message: "must be positive"}
	case f.MaxBackoff < f.InitialBackoff:
		return &Error{Key: "forwarder.max_backoff", Message: "must be at least forwarder.initial_backoff"}
	case f.BreakerFailures < 1:
		return &Error{Key: "forwarder.breaker_failures", Message: "must be at least 1"}
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		return &Error{Key: "status.addr", Message: "required when the status server is enabled"}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return &Error{Key: "log.format", Message: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}

// SchedulerConfig returns the scheduler settings, including the run budget.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		TickInterval:    c.Scheduler.TickInterval,
		MaxConcurrency:  c.Scheduler.MaxConcurrency,
		MaxRetries:      c.Scheduler.MaxRetries,
		InitialBackoff:  c.Scheduler.InitialBackoff,
		MaxBackoff:      c.Scheduler.MaxBackoff,
		MaxWindowBlocks: c.Scheduler.MaxWindowBlocks,
		Budget:          c.Budget(),
	}
}

// Budget returns the per-run sandbox budget.
func (c Config) Budget() sandbox.Budget {
	return sandbox.Budget{
		Timeout:          c.Sandbox.Timeout,
		MemoryLimitPages: c.Sandbox.MemoryLimitPages,
		MaxHostCalls:     c.Sandbox.MaxHostCalls,
	}
}

// QueryLimits returns the query engine limits.
func (c Config) QueryLimits() query.Limits {
	return query.Limits{
		MaxRows:  c.Query.MaxRows,
		MaxBytes: c.Query.MaxBytes,
		Timeout:  c.Query.Timeout,
	}
}

// ForwarderConfig returns the ledger forwarder settings.
func (c Config) ForwarderConfig() incident.ForwarderConfig {
	f := c.Forwarder
	return incident.ForwarderConfig{
		PollInterval:    f.PollInterval,
		BatchSize:       f.BatchSize,
		RatePerSecond:   f.RatePerSecond,
		Burst:           f.Burst,
		Retry:           retry.Policy{Initial: f.InitialBackoff, Max: f.MaxBackoff},
		BreakerFailures: f.BreakerFailures,
		BreakerTimeout:  f.BreakerTimeout,
	}
}

// PostgresConfig returns the chain connection settings for the postgres
// driver.
func (c Config) PostgresConfig() chaindata.PostgresConfig {
	return chaindata.PostgresConfig{
		DSN:        c.Chain.DSN,
		MaxConns:   c.Chain.MaxConns,
		InitSchema: c.Chain.InitSchema,
	}
}

// Logging returns the logger settings.
func (c Config) Logging() logging.Config {
	return logging.Config{Format: c.Log.Format, Level: c.Log.Level}
}
