// Package redisrepository keeps the table set in a single Redis hash.
package redisrepository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crlogger/internal/repository"
)

type Store struct {
	Client *redis.Client
	key    string
	loc    *time.Location
}

func NewStore(opt *redis.Options, key string, loc *time.Location) *Store {
	return NewStoreWithClient(redis.NewClient(opt), key, loc)
}

func NewStoreWithClient(client *redis.Client, key string, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{Client: client, key: key, loc: loc}
}

func (s *Store) Load(ctx context.Context) (map[string]time.Time, bool, error) {
	raw, err := s.Client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("loading checkpoints from %s: %w", s.key, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	tables, err := repository.DecodeValues(raw, s.loc)
	if err != nil {
		return nil, false, err
	}
	return tables, true, nil
}

// Save replaces the hash inside MULTI/EXEC so readers never observe a mix
// of old and new fields.
func (s *Store) Save(ctx context.Context, tables map[string]time.Time) error {
	values := make(map[string]any, len(tables))
	for name, ts := range tables {
		if name == "" {
			return fmt.Errorf("%w: empty table name", repository.ErrPersistence)
		}
		values[name] = repository.FormatTimestamp(ts)
	}
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.HSet(ctx, s.key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPersistence, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.Client.Close()
}
