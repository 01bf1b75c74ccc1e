package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crlogger/internal/config"
	"crlogger/internal/db"
	"crlogger/internal/repository"
	filerepository "crlogger/internal/repository/file"
	gormrepository "crlogger/internal/repository/gorm"
	redisrepository "crlogger/internal/repository/redis"
	sqliterepository "crlogger/internal/repository/sqlite"
)

// checkpointStore bundles the selected repository with the resources
// that must be released alongside it.
type checkpointStore struct {
	Repo repository.CheckpointRepository
	// DB is set for the postgres backend so readiness can ping it.
	DB *db.DB
}

func (s *checkpointStore) Close() error {
	var errs []error
	if s.Repo != nil {
		errs = append(errs, s.Repo.Close())
	}
	if s.DB != nil {
		errs = append(errs, db.Close(s.DB))
	}
	return errors.Join(errs...)
}

func openCheckpointStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*checkpointStore, error) {
	loc := cfg.DeviceLocation()
	switch cfg.Checkpoint.Backend {
	case config.BackendFile:
		log.Info("checkpoints in file", zap.String("path", cfg.Checkpoint.Path))
		return &checkpointStore{Repo: filerepository.New(cfg.Checkpoint.Path, loc)}, nil

	case config.BackendSQLite:
		repo, err := sqliterepository.Open(ctx, cfg.Checkpoint.Path, loc)
		if err != nil {
			return nil, err
		}
		log.Info("checkpoints in sqlite", zap.String("path", cfg.Checkpoint.Path))
		return &checkpointStore{Repo: repo}, nil

	case config.BackendPostgres:
		conn, err := db.Open(cfg.Checkpoint.DSN, cfg.Checkpoint.DB)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.SetTimezone(conn, cfg.Checkpoint.DB.Timezone); err != nil {
			log.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(conn); err != nil {
			_ = db.Close(conn)
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
		log.Info("checkpoints in postgres")
		return &checkpointStore{Repo: gormrepository.New(conn.Gorm), DB: conn}, nil

	case config.BackendRedis:
		repo := redisrepository.NewStore(&redis.Options{
			Addr:     cfg.Checkpoint.RedisAddr,
			Password: cfg.Checkpoint.RedisPass,
			DB:       cfg.Checkpoint.RedisDB,
		}, cfg.Checkpoint.RedisKey, loc)
		if err := repo.Client.Ping(ctx).Err(); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Checkpoint.RedisAddr, err)
		}
		log.Info("checkpoints in redis", zap.String("addr", cfg.Checkpoint.RedisAddr), zap.String("key", cfg.Checkpoint.RedisKey))
		return &checkpointStore{Repo: repo}, nil
	}
	return nil, fmt.Errorf("unsupported checkpoint backend %q", cfg.Checkpoint.Backend)
}
