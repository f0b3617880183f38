// Package config loads and validates archiver configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/fetcher/mastercard"
	"github.com/JakeFAU/fx-rate-archiver/internal/fetcher/visa"
	"github.com/JakeFAU/fx-rate-archiver/internal/logging"
	"github.com/JakeFAU/fx-rate-archiver/internal/orchestrator"
	"github.com/JakeFAU/fx-rate-archiver/internal/runlog"
)

// EnvPrefix is prepended to environment overrides, e.g. FXARCHIVE_STORE_ROOT.
const EnvPrefix = "FXARCHIVE"

// Config captures all archiver configuration knobs loaded via Viper.
type Config struct {
	Logging    logging.Config    `mapstructure:"logging"`
	Store      StoreConfig       `mapstructure:"store"`
	Archive    ArchiveConfig     `mapstructure:"archive"`
	Visa       VisaConfig        `mapstructure:"visa"`
	Mastercard mastercard.Config `mapstructure:"mastercard"`
	Runlog     RunlogConfig      `mapstructure:"runlog"`
	Server     ServerConfig      `mapstructure:"server"`
}

// StoreConfig selects where shards live.
type StoreConfig struct {
	// Backend is local, gcs or memory.
	Backend   string `mapstructure:"backend"`
	Root      string `mapstructure:"root"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	// Lock guards the local store root against concurrent archival processes.
	Lock bool `mapstructure:"lock"`
}

// ArchiveConfig controls what a backfill fetches and how.
type ArchiveConfig struct {
	Watchlist            []string `mapstructure:"watchlist"`
	Providers            []string `mapstructure:"providers"`
	Days                 int      `mapstructure:"days"`
	AnyProviderSatisfies bool     `mapstructure:"any_provider_satisfies"`

	orchestrator.Config `mapstructure:",squash"`
}

// VisaConfig adds request pacing to the stateless client settings.
type VisaConfig struct {
	visa.Config `mapstructure:",squash"`

	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RunlogConfig selects the run history backend.
type RunlogConfig struct {
	// Backend is memory, postgres or none.
	Backend string `mapstructure:"backend"`

	runlog.PostgresConfig `mapstructure:",squash"`
}

// ServerConfig controls the read-only API.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Mastercard = cfg.Mastercard.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")

	v.SetDefault("store.backend", "local")
	v.SetDefault("store.root", "db")
	v.SetDefault("store.gcs_bucket", "")
	v.SetDefault("store.gcs_prefix", "")
	v.SetDefault("store.lock", true)

	v.SetDefault("archive.watchlist", []string{"USD/INR"})
	v.SetDefault("archive.providers", []string{"VISA", "MASTERCARD"})
	v.SetDefault("archive.days", 7)
	v.SetDefault("archive.any_provider_satisfies", false)
	v.SetDefault("archive.parallelism", 8)
	v.SetDefault("archive.max_retries", 3)
	v.SetDefault("archive.retry_base_delay", "500ms")
	v.SetDefault("archive.retry_max_delay", "30s")
	v.SetDefault("archive.stop_at_history_end", true)
	v.SetDefault("archive.close_timeout", "30s")

	v.SetDefault("visa.base_url", visa.DefaultBaseURL)
	v.SetDefault("visa.user_agent", "")
	v.SetDefault("visa.timeout", "20s")
	v.SetDefault("visa.rps", 2)
	v.SetDefault("visa.burst", 1)

	v.SetDefault("mastercard.refresh_every", 25)
	v.SetDefault("mastercard.restart_every", 200)
	v.SetDefault("mastercard.forbidden_pause", "10m")
	v.SetDefault("mastercard.recovery_pause", "30s")
	v.SetDefault("mastercard.response_timeout", "20s")
	v.SetDefault("mastercard.navigation_timeout", "45s")
	v.SetDefault("mastercard.launch_attempts", 3)
	v.SetDefault("mastercard.queue_depth", 64)
	v.SetDefault("mastercard.form_url", mastercard.DefaultFormURL)
	v.SetDefault("mastercard.warm_up_url", mastercard.DefaultWarmUpURL)
	v.SetDefault("mastercard.api_path", mastercard.DefaultAPIPath)
	v.SetDefault("mastercard.user_agent", "")
	v.SetDefault("mastercard.headless", true)
	v.SetDefault("mastercard.chrome_path", "")
	v.SetDefault("mastercard.date_layout", "2006-01-02")
	v.SetDefault("mastercard.form.source_currency", "")
	v.SetDefault("mastercard.form.target_currency", "")
	v.SetDefault("mastercard.form.amount", "")
	v.SetDefault("mastercard.form.date", "")
	v.SetDefault("mastercard.form.submit", "")

	v.SetDefault("runlog.backend", "memory")
	v.SetDefault("runlog.dsn", "")
	v.SetDefault("runlog.table", "fx_runs")
	v.SetDefault("runlog.max_conns", 4)
	v.SetDefault("runlog.max_conn_lifetime", "30m")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "local":
		if strings.TrimSpace(c.Store.Root) == "" {
			errs = append(errs, errors.New("store.root is required for the local backend"))
		}
	case "gcs":
		if c.Store.GCSBucket == "" {
			errs = append(errs, errors.New("store.gcs_bucket is required for the gcs backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be local, gcs or memory, got %q", c.Store.Backend))
	}

	if _, err := c.Pairs(); err != nil {
		errs = append(errs, fmt.Errorf("archive.watchlist: %w", err))
	}
	if _, err := c.Providers(); err != nil {
		errs = append(errs, fmt.Errorf("archive.providers: %w", err))
	}
	if c.Archive.Days <= 0 {
		errs = append(errs, errors.New("archive.days must be > 0"))
	}
	if c.Archive.Parallelism <= 0 {
		errs = append(errs, errors.New("archive.parallelism must be > 0"))
	}
	if c.Archive.MaxRetries < 0 {
		errs = append(errs, errors.New("archive.max_retries must be >= 0"))
	}
	if c.Visa.Timeout <= 0 {
		errs = append(errs, errors.New("visa.timeout must be > 0"))
	}
	if c.Visa.RPS < 0 {
		errs = append(errs, errors.New("visa.rps must be >= 0"))
	}
	if err := c.Mastercard.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("mastercard: %w", err))
	}

	switch c.Runlog.Backend {
	case "memory", "none":
	case "postgres":
		if c.Runlog.DSN == "" {
			errs = append(errs, errors.New("runlog.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("runlog.backend must be memory, postgres or none, got %q", c.Runlog.Backend))
	}

	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	return errors.Join(errs...)
}

// Pairs parses the watchlist.
func (c Config) Pairs() ([]archive.Pair, error) {
	pairs, err := archive.ParsePairs(c.Archive.Watchlist)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, errors.New("at least one pair is required")
	}
	return pairs, nil
}

// Providers parses the enabled providers.
func (c Config) Providers() ([]archive.Provider, error) {
	if len(c.Archive.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	out := make([]archive.Provider, 0, len(c.Archive.Providers))
	for _, raw := range c.Archive.Providers {
		p, err := archive.ParseProvider(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
