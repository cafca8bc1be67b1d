package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kavos113/minicr/config"
	"github.com/kavos113/minicr/handler"
	"github.com/kavos113/minicr/logger"
	"github.com/kavos113/minicr/metrics"
	"github.com/kavos113/minicr/registry"
	"github.com/kavos113/minicr/storage"
	"github.com/kavos113/minicr/storage/filesystem"
	"github.com/kavos113/minicr/storage/inmemory"
	"github.com/kavos113/minicr/storage/s3"
	"github.com/kavos113/minicr/store"
	"github.com/kavos113/minicr/store/boltstore"
	"github.com/kavos113/minicr/store/dynamostore"
	"github.com/kavos113/minicr/store/redisstore"
	"github.com/kavos113/minicr/upload"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type app struct {
	echo    *echo.Echo
	uploads *upload.Manager
	tags    store.Store
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	content, err := newStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	tags, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	staging, err := newStaging(cfg)
	if err != nil {
		tags.Close()
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(logger.NewLoggingMiddleware("minicr", log).Handler())

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)

		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Subsystem:  "minicr_http",
			Registerer: reg,
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/metrics"
			},
		}))
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
	}

	uploads := upload.NewManager(content, upload.Options{
		Staging: staging,
		TTL:     cfg.Upload.TTL,
		Metrics: m,
	}, log)

	handler.New(registry.New(content, tags, uploads, m, log), log).Register(e)

	return &app{echo: e, uploads: uploads, tags: tags}, nil
}

func (a *app) close() error {
	return a.tags.Close()
}

func newStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "filesystem":
		return filesystem.NewStorage(cfg.Storage.Path, log)
	case "s3":
		return s3.NewStorage(ctx, s3.Config{
			Bucket:    cfg.Storage.S3.Bucket,
			Endpoint:  cfg.Storage.S3.Endpoint,
			Region:    cfg.Storage.S3.Region,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
		}, log)
	case "inmemory":
		return inmemory.NewStorage(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func newStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.TagStore.Driver {
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(cfg.TagStore.Bolt.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create tag store directory: %w", err)
		}
		return boltstore.NewStore(cfg.TagStore.Bolt.Path, log)
	case "dynamodb":
		return dynamostore.NewStore(ctx, dynamostore.Config{
			Endpoint:    cfg.TagStore.DynamoDB.Endpoint,
			Region:      cfg.TagStore.DynamoDB.Region,
			TablePrefix: cfg.TagStore.DynamoDB.TablePrefix,
			AccessKey:   cfg.TagStore.DynamoDB.AccessKey,
			SecretKey:   cfg.TagStore.DynamoDB.SecretKey,
		}, log)
	case "redis":
		return redisstore.NewStore(ctx, redisstore.Options{
			Addr:     cfg.TagStore.Redis.Addr,
			Password: cfg.TagStore.Redis.Password,
			DB:       cfg.TagStore.Redis.DB,
		}, log)
	}
	return nil, fmt.Errorf("unknown tag store driver %q", cfg.TagStore.Driver)
}

func newStaging(cfg *config.Config) (upload.Staging, error) {
	switch cfg.Upload.Staging {
	case "memory":
		return upload.NewMemoryStaging(), nil
	case "filesystem":
		return upload.NewFileStaging(cfg.StagingDir())
	}
	return nil, fmt.Errorf("unknown upload staging %q", cfg.Upload.Staging)
}
