// Package rkv is a Redis-backed key/value store with the same contract as tkv, so either can
// hold the relay's buffered records.
package rkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/InsulaLabs/relay/db/tkv"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultOpTimeout = 2 * time.Second
	scanBatch        = 256
)

type Config struct {
	Logger   *slog.Logger
	Addr     string
	Username string
	Password string
	DB       int

	// AppCtx bounds every call; OpTimeout is applied per operation on top of it.
	AppCtx    context.Context
	OpTimeout time.Duration
}

type Store struct {
	logger    *slog.Logger
	appCtx    context.Context
	opTimeout time.Duration
	client    *redis.Client
}

func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AppCtx == nil {
		cfg.AppCtx = context.Background()
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := &Store{
		logger:    cfg.Logger.WithGroup("rkv"),
		appCtx:    cfg.AppCtx,
		opTimeout: cfg.OpTimeout,
		client:    client,
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// The relay keeps running with an unreachable buffer; writes fail and are logged.
		s.logger.Warn("redis not reachable at startup", "addr", cfg.Addr, "error", err)
	} else {
		s.logger.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	}
	return s, nil
}

func (s *Store) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.appCtx, s.opTimeout)
}

func (s *Store) Get(key string) (string, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &tkv.ErrKeyNotFound{Key: key}
		}
		return "", &tkv.ErrInternal{Err: err}
	}
	return val, nil
}

func (s *Store) Set(key string, value string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return &tkv.ErrInternal{Err: err}
	}
	return nil
}

func (s *Store) Delete(key string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return &tkv.ErrInternal{Err: err}
	}
	return nil
}

// ListKeys walks the keyspace with SCAN rather than KEYS so a large buffer does not stall redis.
func (s *Store) ListKeys(prefix string) ([]string, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	keys := []string{}
	iter := s.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, &tkv.ErrInternal{Err: err}
	}
	return keys, nil
}

func (s *Store) Count(prefix string) (int, error) {
	keys, err := s.ListKeys(prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Store) BatchSet(entries []tkv.TKVBatchEntry) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	pipe := s.client.TxPipeline()
	for _, entry := range entries {
		pipe.Set(ctx, entry.Key, entry.Value, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &tkv.ErrInternal{Err: err}
	}
	return nil
}

func (s *Store) BatchDelete(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx()
	defer cancel()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return &tkv.ErrInternal{Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		s.logger.Error("error closing redis client", "error", err)
		return &tkv.ErrInternal{Err: err}
	}
	s.logger.Info("redis client closed")
	return nil
}
