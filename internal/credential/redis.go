package credential

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	fieldToken    = "token"
	fieldUsername = "username"
)

// RedisBackend persists the record as a hash at "<prefix>:credential". Every
// client configured with the same prefix shares one credential; a login or
// logout by any of them is visible to the others after Reload. That sharing
// is not coordinated beyond Redis' own atomicity.
type RedisBackend struct {
	client *redis.Client
	key    string
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{
		client: client,
		key:    prefix + ":credential",
	}
}

func (b *RedisBackend) Load(ctx context.Context) (Record, bool, error) {
	vals, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read credential hash: %w", err)
	}

	rec := Record{
		Token:    Credential(vals[fieldToken]),
		Identity: Identity(vals[fieldUsername]),
	}

	return rec, !rec.IsZero(), nil
}

func (b *RedisBackend) Save(ctx context.Context, rec Record) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, b.key)
		p.HSet(ctx, b.key,
			fieldToken, string(rec.Token),
			fieldUsername, string(rec.Identity),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write credential hash: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context) error {
	if err := b.client.Del(ctx, b.key).Err(); err != nil {
		return fmt.Errorf("failed to delete credential hash: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
