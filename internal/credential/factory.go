package credential

import (
	"context"
	"fmt"

	"github.com/chinmina/chinmina-gallery/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewBackendFromConfig creates the backend selected by configuration.
//
// "memory" scopes the credential to this process, "file" to the OS user
// profile and "redis" to every client sharing the configured prefix.
func NewBackendFromConfig(ctx context.Context, cfg config.CredentialConfig) (Backend, error) {
	switch cfg.Store {
	case "memory":
		log.Info().Str("credential_store", "memory").Msg("initializing credential store")
		return NewMemoryBackend(), nil

	case "file":
		path := cfg.File
		if path == "" {
			p, err := DefaultFilePath()
			if err != nil {
				return nil, err
			}
			path = p
		}

		key, err := cfg.Key()
		if err != nil {
			return nil, err
		}

		log.Info().
			Str("credential_store", "file").
			Str("path", path).
			Bool("sealed", key != nil).
			Msg("initializing credential store")

		return NewFileBackend(path, key)

	case "redis":
		log.Info().
			Str("credential_store", "redis").
			Str("address", cfg.Redis.Address).
			Str("prefix", cfg.Redis.Prefix).
			Msg("initializing credential store")

		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis credential store unreachable: %w", err)
		}

		return NewRedisBackend(client, cfg.Redis.Prefix), nil

	default:
		return nil, fmt.Errorf("invalid credential store %q: must be one of memory, file, redis", cfg.Store)
	}
}
