// Package config enables config file parsing.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/moonbeam-foundation/lazyfork/log"
)

const (
	// DefaultDelayBetweenRequests is the pause before every upstream RPC request.
	DefaultDelayBetweenRequests = 100 * time.Millisecond

	// DefaultMaxRetriesPerRequest is the number of times a failed upstream
	// RPC request is retried before giving up.
	DefaultMaxRetriesPerRequest = 10

	// DefaultRequestTimeout bounds a single upstream RPC attempt.
	DefaultRequestTimeout = 10 * time.Second
)

// Config contains the CLI configuration.
type Config struct {
	LazyLoading *LazyLoadingConfig `koanf:"lazy_loading"`
	Server      *ServerConfig      `koanf:"server"`
	Log         *LogConfig         `koanf:"log"`
	Metrics     *MetricsConfig     `koanf:"metrics"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.LazyLoading != nil {
		if err := cfg.LazyLoading.Validate(); err != nil {
			return fmt.Errorf("lazy_loading: %w", err)
		}
	}
	if cfg.Server != nil {
		if err := cfg.Server.Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}

// LazyLoadingConfig configures the forked state backend and the remote
// node it forks from.
type LazyLoadingConfig struct {
	// RPC is the HTTP JSON-RPC endpoint of the remote node.
	RPC string `koanf:"rpc"`

	// FromBlock is the fork checkpoint, either a block number or a 0x-prefixed
	// block hash. If empty, the remote node's best block is used.
	FromBlock string `koanf:"from_block"`

	// StateOverrides is an optional path to a JSON or YAML file with storage
	// entries to inject into the first local block.
	StateOverrides string `koanf:"state_overrides"`

	DelayBetweenRequests time.Duration `koanf:"delay_between_requests"`
	MaxRetriesPerRequest *int          `koanf:"max_retries_per_request"`
	RequestTimeout       time.Duration `koanf:"request_timeout"`

	// MaxRequestsPerSecond caps the upstream request rate. Zero disables the limit.
	MaxRequestsPerSecond float64 `koanf:"max_requests_per_second"`

	// Cache holds the configuration for a file-based cache of upstream responses.
	Cache *CacheConfig `koanf:"cache"`
}

// Validate validates the lazy loading configuration.
func (cfg *LazyLoadingConfig) Validate() error {
	if cfg.RPC == "" {
		return fmt.Errorf("no rpc endpoint provided")
	}
	u, err := url.Parse(cfg.RPC)
	if err != nil {
		return fmt.Errorf("malformed rpc endpoint '%s': %w", cfg.RPC, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported rpc endpoint scheme '%s', only http(s) is supported", u.Scheme)
	}
	if cfg.DelayBetweenRequests < 0 {
		return fmt.Errorf("delay_between_requests must not be negative")
	}
	if cfg.MaxRetriesPerRequest != nil && *cfg.MaxRetriesPerRequest < 0 {
		return fmt.Errorf("max_retries_per_request must not be negative")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if cfg.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("max_requests_per_second must not be negative")
	}
	if cfg.Cache != nil {
		if err := cfg.Cache.Validate(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	return nil
}

// Delay returns the configured inter-request delay, or the default.
func (cfg *LazyLoadingConfig) Delay() time.Duration {
	if cfg.DelayBetweenRequests == 0 {
		return DefaultDelayBetweenRequests
	}
	return cfg.DelayBetweenRequests
}

// MaxRetries returns the configured retry count, or the default.
func (cfg *LazyLoadingConfig) MaxRetries() int {
	if cfg.MaxRetriesPerRequest == nil {
		return DefaultMaxRetriesPerRequest
	}
	return *cfg.MaxRetriesPerRequest
}

// Timeout returns the configured per-attempt request timeout, or the default.
func (cfg *LazyLoadingConfig) Timeout() time.Duration {
	if cfg.RequestTimeout == 0 {
		return DefaultRequestTimeout
	}
	return cfg.RequestTimeout
}

type CacheConfig struct {
	// CacheDir is the directory where the cache data is stored
	CacheDir string `koanf:"cache_dir"`
}

func (cfg *CacheConfig) Validate() error {
	if cfg.CacheDir == "" {
		return fmt.Errorf("invalid cache filepath")
	}
	return nil
}

// ServerConfig contains the JSON-RPC server configuration.
type ServerConfig struct {
	// Endpoint is the service endpoint from which to serve the API.
	Endpoint string `koanf:"endpoint"`

	// CORSAllowedOrigins defaults to allowing all origins.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// Validate validates the server configuration.
func (cfg *ServerConfig) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed server endpoint '%s'", cfg.Endpoint)
	}
	return nil
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	var format log.Format
	if err := format.Set(cfg.Format); err != nil {
		return err
	}
	var level log.Level
	return level.Set(cfg.Level)
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	PullEndpoint string `koanf:"pull_endpoint"`

	// PprofEndpoint optionally serves net/http/pprof handlers.
	PprofEndpoint string `koanf:"pprof_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("malformed Prometheus pull endpoint '%s'", cfg.PullEndpoint)
	}
	return nil
}

// InitConfig initializes configuration from file.
func InitConfig(f string) (*Config, error) {
	return initConfig(file.Provider(f))
}

func initConfig(p koanf.Provider) (*Config, error) {
	var config Config
	k := koanf.New(".")

	// Load configuration from the yaml config.
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, err
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		// `__` is used as a hierarchy delimiter.
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// Unmarshal into config.
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}

	// Validate config.
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
