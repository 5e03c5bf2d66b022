package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	API        APIConfig
	Cache      CacheConfig
	Credential CredentialConfig
	Observe    ObserveConfig
	Server     ServerConfig
}

type ServerConfig struct {
	Port                   int    `env:"SERVER_PORT, default=8090"`
	ShutdownTimeoutSeconds int    `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`
	Origin                 string `env:"SERVER_ORIGIN"`
}

// APIConfig describes how the remote gallery API is reached.
type APIConfig struct {
	URL            string `env:"GALLERY_API_URL, default=http://localhost:8000/api"`
	TimeoutSeconds int    `env:"GALLERY_API_TIMEOUT_SECS, default=30"`

	// RateLimit paces outgoing requests (requests per second). Zero disables
	// pacing.
	RateLimit float64 `env:"GALLERY_API_RATE_LIMIT, default=0"`
	RateBurst int     `env:"GALLERY_API_RATE_BURST, default=10"`

	MaxIdleConns    int `env:"GALLERY_API_MAX_IDLE_CONNS, default=100"`
	MaxConnsPerHost int `env:"GALLERY_API_MAX_CONNS_PER_HOST, default=20"`
}

// CredentialConfig selects where the bearer credential is persisted.
type CredentialConfig struct {
	// Store is one of "memory", "file" or "redis".
	Store string `env:"CREDENTIAL_STORE, default=file"`

	// File is the credential document location. Empty selects the user
	// configuration directory.
	File string `env:"CREDENTIAL_FILE"`

	// EncryptionKey is a hex encoded 32 byte key used to seal the credential
	// file. Optional.
	EncryptionKey string `env:"CREDENTIAL_ENCRYPTION_KEY"`

	Redis RedisConfig
}

type RedisConfig struct {
	Address  string `env:"CREDENTIAL_REDIS_ADDRESS"`
	Password string `env:"CREDENTIAL_REDIS_PASSWORD"`
	DB       int    `env:"CREDENTIAL_REDIS_DB, default=0"`
	Prefix   string `env:"CREDENTIAL_REDIS_PREFIX, default=gallery"`
}

// CacheConfig controls the resource and detail caches.
type CacheConfig struct {
	// ReleasePolicy is "eager" (release a handle when its last consumer lets
	// go) or "deferred" (keep handles until invalidation or logout).
	ReleasePolicy string `env:"RESOURCE_RELEASE_POLICY, default=eager"`

	DetailTTLSeconds int   `env:"DETAIL_CACHE_TTL_SECS, default=30"`
	DetailMaxSize    int   `env:"DETAIL_CACHE_MAX_SIZE, default=1000"`
	BlobMaxBytes     int64 `env:"BLOB_MAX_BYTES, default=20971520"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=chinmina-gallery"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.API.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid API configuration: %w", err)
	}

	if err := cfg.Credential.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid credential configuration: %w", err)
	}

	if err := cfg.Cache.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	if cfg.Server.Origin == "" {
		cfg.Server.Origin = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	return cfg, nil
}

// Validate checks the API base URL is absolute.
func (c *APIConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("could not parse GALLERY_API_URL: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("GALLERY_API_URL must be absolute: %s", c.URL)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("GALLERY_API_RATE_LIMIT must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return fmt.Errorf("GALLERY_API_RATE_BURST must be at least 1 when GALLERY_API_RATE_LIMIT is set")
	}
	return nil
}

// Validate checks that the selected credential store has what it needs.
func (c *CredentialConfig) Validate() error {
	switch c.Store {
	case "memory", "file":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("CREDENTIAL_REDIS_ADDRESS required when CREDENTIAL_STORE=redis")
		}
	default:
		return fmt.Errorf("unknown CREDENTIAL_STORE %q: must be one of memory, file, redis", c.Store)
	}

	if c.EncryptionKey != "" {
		if c.Store != "file" {
			return fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is only supported with CREDENTIAL_STORE=file")
		}
		if _, err := c.Key(); err != nil {
			return err
		}
	}

	return nil
}

// Key decodes the credential encryption key. A nil key means sealing is
// disabled.
func (c *CredentialConfig) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must be 32 bytes, got %d", len(key))
	}

	return key, nil
}

// Validate checks the cache settings.
func (c *CacheConfig) Validate() error {
	if c.ReleasePolicy != "eager" && c.ReleasePolicy != "deferred" {
		return fmt.Errorf("RESOURCE_RELEASE_POLICY must be eager or deferred, got %q", c.ReleasePolicy)
	}
	if c.DetailMaxSize <= 0 {
		return fmt.Errorf("DETAIL_CACHE_MAX_SIZE must be positive")
	}
	if c.BlobMaxBytes <= 0 {
		return fmt.Errorf("BLOB_MAX_BYTES must be positive")
	}
	return nil
}
