package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vodforge/internal/storage"
)

type blobStoreSettings struct {
	Driver    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func openBlobStore(ctx context.Context, settings blobStoreSettings, logger *slog.Logger) (storage.BlobStore, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if settings.Endpoint != "" {
			driver = "minio"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "minio":
		if settings.Endpoint == "" {
			return nil, fmt.Errorf("minio blob store selected without endpoint")
		}
		if settings.Bucket == "" {
			return nil, fmt.Errorf("minio blob store selected without bucket")
		}
		store, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  settings.Endpoint,
			AccessKey: settings.AccessKey,
			SecretKey: settings.SecretKey,
			Bucket:    settings.Bucket,
			Region:    settings.Region,
			UseSSL:    settings.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := store.EnsureBucket(ensureCtx); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", settings.Bucket, err)
		}
		logger.Info("using MinIO blob store", "endpoint", settings.Endpoint, "bucket", settings.Bucket)
		return store, nil
	case "memory":
		logger.Warn("using in-memory blob store, published artifacts will not survive restarts")
		return storage.NewMemoryBlobStore(), nil
	default:
		return nil, fmt.Errorf("unsupported blob store driver %q", driver)
	}
}

type assetRepositorySettings struct {
	Driver          string
	DSN             string
	MaxConnections  int
	MinConnections  int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ApplicationName string
}

func openAssetRepository(ctx context.Context, settings assetRepositorySettings, logger *slog.Logger) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if strings.TrimSpace(settings.DSN) != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "postgres":
		if strings.TrimSpace(settings.DSN) == "" {
			return nil, fmt.Errorf("postgres asset repository selected without DSN")
		}
		repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             settings.DSN,
			MaxConnections:  int32(settings.MaxConnections),
			MinConnections:  int32(settings.MinConnections),
			MaxConnLifetime: settings.MaxConnLifetime,
			MaxConnIdleTime: settings.MaxConnIdleTime,
			ApplicationName: settings.ApplicationName,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using Postgres asset repository")
		return repo, nil
	case "memory":
		logger.Warn("using in-memory asset repository, lifecycle records will not survive restarts")
		return storage.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported asset repository driver %q", driver)
	}
}
