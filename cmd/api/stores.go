package main

import (
	"context"
	"fmt"
	"log/slog"

	"peercall-platform/internal/audit"
	"peercall-platform/internal/config"
	"peercall-platform/internal/docstore"
	"peercall-platform/pkg/logger"
	"peercall-platform/pkg/utils"
)

// openStore connects the shared document store selected by DOCSTORE_BACKEND.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (docstore.Store, func(), error) {
	storeLog := logger.Component(log, "docstore")
	switch cfg.Store.Backend {
	case "redis":
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		s := docstore.NewRedisStore(rdb, storeLog)
		return s, func() {
			_ = s.Close()
			_ = rdb.Close()
		}, nil
	case "mongo":
		client, err := utils.OpenMongo(ctx, utils.MongoConfig{URI: cfg.Mongo.URI})
		if err != nil {
			return nil, nil, err
		}
		s := docstore.NewMongoStore(client.Database(cfg.Mongo.Database), storeLog)
		return s, func() {
			_ = s.Close()
			_ = client.Disconnect(context.Background())
		}, nil
	case "memory":
		s := docstore.NewMemoryStore()
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown docstore backend %q", cfg.Store.Backend)
	}
}

// openCallLog returns the Postgres call log when DB_HOST is set, else an
// in-memory one.
func openCallLog(ctx context.Context, cfg config.Config, log *slog.Logger) (audit.Repository, func(), error) {
	if !cfg.CallLogEnabled() {
		log.Info("call log kept in memory; set DB_HOST to persist it")
		return audit.NewMemoryRepo(), func() {}, nil
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	repo, err := audit.NewPostgresRepo(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return repo, func() { _ = db.Close() }, nil
}
