// Package redisstore implements storage.Store on Redis. Each collection is
// one hash: field = document id, value = document JSON. Updates and deletes
// run as optimistic transactions on that hash.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/hookd/internal/sandbox"
	"github.com/jkaninda/hookd/internal/storage"
)

const (
	defaultKeyPrefix = "hookd"
	maxTxRetries     = 10
)

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements storage.Store backed by Redis.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	logger.Info("redis store opened", slog.String("addr", cfg.Addr), slog.Int("db", cfg.DB))
	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

func (s *Store) Repository(name string) sandbox.Repository {
	return &repository{client: s.client, key: s.prefix + ":docs:" + name}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Driver() string { return storage.DriverRedis }

type repository struct {
	client *redis.Client
	key    string
}

func (r *repository) Find(ctx context.Context, filter map[string]any) ([]map[string]any, error) {
	filter, err := storage.Normalize(filter)
	if err != nil {
		return nil, err
	}
	if id, ok := filter[storage.IDField].(string); ok && len(filter) == 1 {
		raw, err := r.client.HGet(ctx, r.key, id).Result()
		if errors.Is(err, redis.Nil) {
			return []map[string]any{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("finding document: %w", err)
		}
		doc, err := decode(raw)
		if err != nil {
			return nil, err
		}
		return []map[string]any{doc}, nil
	}

	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	out := []map[string]any{}
	for _, raw := range all {
		doc, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if storage.Matches(doc, filter) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (r *repository) Create(ctx context.Context, record map[string]any) (map[string]any, error) {
	doc, err := storage.NewDocument(record)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	id := storage.DocumentID(doc)
	added, err := r.client.HSetNX(ctx, r.key, id, data).Result()
	if err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}
	if !added {
		return nil, sandbox.NewScriptError(409, fmt.Sprintf("document %q already exists", id))
	}
	return doc, nil
}

func (r *repository) Update(ctx context.Context, filter, changes map[string]any) (int64, error) {
	filter, err := storage.Normalize(filter)
	if err != nil {
		return 0, err
	}
	changes, err = storage.Normalize(changes)
	if err != nil {
		return 0, err
	}

	var n int64
	err = r.transact(ctx, func(tx *redis.Tx) error {
		n = 0
		all, err := tx.HGetAll(ctx, r.key).Result()
		if err != nil {
			return err
		}
		updated := make(map[string]any)
		for id, raw := range all {
			doc, err := decode(raw)
			if err != nil {
				return err
			}
			if !storage.Matches(doc, filter) {
				continue
			}
			data, err := json.Marshal(storage.Apply(doc, changes))
			if err != nil {
				return fmt.Errorf("encoding document: %w", err)
			}
			updated[id] = data
		}
		if len(updated) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.key, updated)
			return nil
		})
		if err == nil {
			n = int64(len(updated))
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("updating documents: %w", err)
	}
	return n, nil
}

func (r *repository) Delete(ctx context.Context, filter map[string]any) (int64, error) {
	filter, err := storage.Normalize(filter)
	if err != nil {
		return 0, err
	}

	var n int64
	err = r.transact(ctx, func(tx *redis.Tx) error {
		n = 0
		all, err := tx.HGetAll(ctx, r.key).Result()
		if err != nil {
			return err
		}
		var ids []string
		for id, raw := range all {
			doc, err := decode(raw)
			if err != nil {
				return err
			}
			if storage.Matches(doc, filter) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, r.key, ids...)
			return nil
		})
		if err == nil {
			n = int64(len(ids))
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("deleting documents: %w", err)
	}
	return n, nil
}

// transact runs fn under WATCH on the collection key, retrying when another
// client changed the hash in between.
func (r *repository) transact(ctx context.Context, fn func(tx *redis.Tx) error) error {
	for range maxTxRetries {
		err := r.client.Watch(ctx, fn, r.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func decode(raw string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}
