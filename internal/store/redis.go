package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"scribe/internal/config"
	"scribe/internal/jobs"
)

const (
	redisBlobPrefix = "scribe:blob:"
	redisJobsPrefix = "scribe:jobs:"
)

// Redis persists blobs and job snapshots in a Redis instance. Entries carry
// no TTL; removal is explicit, matching the SQLite backend.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to the configured Redis instance and verifies it with a
// ping.
func OpenRedis(ctx context.Context, cfg *config.Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Store.RedisAddr, err)
	}
	return &Redis{client: client}, nil
}

// Close releases the client connection pool.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := r.client.Get(ctx, redisBlobPrefix+path).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, jobs.ErrNotFound
		}
		return nil, fmt.Errorf("get blob %q: %w", path, err)
	}
	return data, nil
}

func (r *Redis) Put(ctx context.Context, path string, data []byte) error {
	if err := r.client.Set(ctx, redisBlobPrefix+path, data, 0).Err(); err != nil {
		return fmt.Errorf("put blob %q: %w", path, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, path string) error {
	if err := r.client.Del(ctx, redisBlobPrefix+path).Err(); err != nil {
		return fmt.Errorf("delete blob %q: %w", path, err)
	}
	return nil
}

func (r *Redis) GetJobs(ctx context.Context, userKey string) ([]jobs.Record, error) {
	payload, err := r.client.Get(ctx, redisJobsPrefix+userKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get jobs for %q: %w", userKey, err)
	}
	var records []jobs.Record
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("decode job snapshot for %q: %w", userKey, err)
	}
	return records, nil
}

func (r *Redis) PutJobs(ctx context.Context, userKey string, records []jobs.Record) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode job snapshot for %q: %w", userKey, err)
	}
	if err := r.client.Set(ctx, redisJobsPrefix+userKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("put jobs for %q: %w", userKey, err)
	}
	return nil
}

// Open selects a backend from config: "sqlite" (default) or "redis".
func Open(ctx context.Context, cfg *config.Config) (jobs.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return OpenRedis(ctx, cfg)
	default:
		return OpenSQLite(cfg)
	}
}
