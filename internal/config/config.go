// Package config loads and validates importer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/country-content-importer/internal/logging"
	"github.com/JakeFAU/country-content-importer/internal/telemetry"
	"github.com/JakeFAU/country-content-importer/internal/wiki"
)

// EnvPrefix namespaces environment overrides, e.g. IMPORTER_DB_DSN.
const EnvPrefix = "IMPORTER"

// Archive drivers.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Catalog sources.
const (
	CatalogFile = "file"
	CatalogDB   = "db"
)

const maxWorkers = 8

// Config captures all importer configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	RateLimit RateLimitConfig  `mapstructure:"ratelimit"`
	Resolver  ResolverConfig   `mapstructure:"resolver"`
	Importer  ImporterConfig   `mapstructure:"importer"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	DB        DBConfig         `mapstructure:"db"`
	Catalog   CatalogConfig    `mapstructure:"catalog"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Logging   logging.Config   `mapstructure:"logging"`
	Tracing   telemetry.Config `mapstructure:"tracing"`
}

// ServerConfig controls the status server started by `import --serve`.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey guards the progress and stats routes when set.
	APIKey string `mapstructure:"api_key"`
}

// HTTPConfig configures timeouts and retries of outbound calls.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  float64       `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// BreakerConfig tunes the circuit breaker. A zero cooldown keeps the breaker
// open until it is reset.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// RateLimitConfig spaces outbound calls across all workers.
type RateLimitConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// ResolverConfig tunes title resolution.
type ResolverConfig struct {
	SearchTTL time.Duration  `mapstructure:"search_ttl"`
	Endpoints wiki.Endpoints `mapstructure:"endpoints"`
}

// ImporterConfig drives the orchestrator.
type ImporterConfig struct {
	Languages       []string `mapstructure:"languages"`
	Workers         int      `mapstructure:"workers"`
	UnitTransaction bool     `mapstructure:"unit_transaction"`
	UserAgent       string   `mapstructure:"user_agent"`
	FlagURL         string   `mapstructure:"flag_url"`
}

// ProgressConfig locates the resumption state.
type ProgressConfig struct {
	Path      string `mapstructure:"path"`
	SaveEvery int    `mapstructure:"save_every"`
}

// DBConfig controls the Postgres pool.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CatalogConfig selects where entities come from.
type CatalogConfig struct {
	Source string `mapstructure:"source"`
	Path   string `mapstructure:"path"`
}

// ArchiveConfig selects where raw article markup is archived.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig enables unit.imported notifications when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
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
	cfg.Importer.Languages = normalizeLanguages(cfg.Importer.Languages)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key needs a default for AutomaticEnv to see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	endpoints := wiki.DefaultEndpoints()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_base", 2.0)
	v.SetDefault("http.backoff_max", 10*time.Second)
	v.SetDefault("http.max_body_bytes", 16<<20)
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", time.Minute)
	v.SetDefault("ratelimit.min_interval", 250*time.Millisecond)
	v.SetDefault("resolver.search_ttl", 30*time.Minute)
	v.SetDefault("resolver.endpoints.wikipedia_base", endpoints.WikipediaBase)
	v.SetDefault("resolver.endpoints.wikidata_api", endpoints.WikidataAPI)
	v.SetDefault("resolver.endpoints.sparql", endpoints.SPARQL)
	v.SetDefault("importer.languages", []string{"en", "de", "es", "zh", "hi"})
	v.SetDefault("importer.workers", 2)
	v.SetDefault("importer.unit_transaction", false)
	v.SetDefault("importer.user_agent", "CountryContentImporter/1.0 (https://github.com/JakeFAU/country-content-importer)")
	v.SetDefault("importer.flag_url", "https://flagcdn.com/w320/%s.png")
	v.SetDefault("progress.path", "import_progress.json")
	v.SetDefault("progress.save_every", 10)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("catalog.source", CatalogFile)
	v.SetDefault("catalog.path", "configs/catalog.yaml")
	v.SetDefault("archive.driver", ArchiveNone)
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "articles")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.ratio", 1.0)
}

func normalizeLanguages(langs []string) []string {
	out := make([]string, 0, len(langs))
	seen := make(map[string]bool, len(langs))
	for _, lang := range langs {
		lang = strings.ToLower(strings.TrimSpace(lang))
		if lang == "" || seen[lang] {
			continue
		}
		seen[lang] = true
		out = append(out, lang)
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Importer.UserAgent) == "" {
		return fmt.Errorf("importer.user_agent is required")
	}
	if c.Importer.Workers < 1 || c.Importer.Workers > maxWorkers {
		return fmt.Errorf("importer.workers must be between 1 and %d", maxWorkers)
	}
	if len(c.Importer.Languages) == 0 {
		return fmt.Errorf("importer.languages must not be empty")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("http.max_attempts must be >= 1")
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be >= 1")
	}
	if c.Breaker.Cooldown < 0 || c.RateLimit.MinInterval < 0 {
		return fmt.Errorf("breaker.cooldown and ratelimit.min_interval must not be negative")
	}
	if c.Progress.Path == "" {
		return fmt.Errorf("progress.path is required")
	}
	if c.Tracing.Ratio < 0 || c.Tracing.Ratio > 1 {
		return fmt.Errorf("tracing.ratio must be within [0, 1]")
	}
	switch c.Catalog.Source {
	case CatalogFile:
		if c.Catalog.Path == "" {
			return fmt.Errorf("catalog.path is required for the file source")
		}
	case CatalogDB:
	default:
		return fmt.Errorf("catalog.source must be %q or %q, got %q", CatalogFile, CatalogDB, c.Catalog.Source)
	}
	switch c.Archive.Driver {
	case ArchiveNone:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local driver")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("archive.driver must be one of none, local, gcs, got %q", c.Archive.Driver)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

// RequireDB reports an error when no DSN is configured. Only commands that
// touch the database call it.
func (c Config) RequireDB() error {
	if strings.TrimSpace(c.DB.DSN) == "" {
		return fmt.Errorf("db.dsn is required")
	}
	return nil
}
