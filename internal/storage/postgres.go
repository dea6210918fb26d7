package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig describes how the asset repository initialises its
// connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ApplicationName string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

const assetSchema = `
CREATE TABLE IF NOT EXISTS assets (
    id             TEXT PRIMARY KEY,
    filename       TEXT NOT NULL,
    status         TEXT NOT NULL,
    error          TEXT NOT NULL DEFAULT '',
    source_path    TEXT NOT NULL DEFAULT '',
    playback_key   TEXT NOT NULL DEFAULT '',
    artifact_count INTEGER NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL,
    completed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS assets_status_idx ON assets (status, created_at);
`

// NewPostgresRepository opens a Postgres-backed asset repository and applies
// the schema.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, assetSchema); err != nil {
		return fmt.Errorf("apply asset schema: %w", err)
	}
	return nil
}

func (r *postgresRepository) CreateAsset(ctx context.Context, asset Asset) error {
	if strings.TrimSpace(asset.ID) == "" {
		return fmt.Errorf("asset id is required")
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	if asset.Status == "" {
		asset.Status = AssetPending
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO assets (id, filename, status, error, source_path, playback_key, artifact_count, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		asset.ID, asset.Filename, string(asset.Status), asset.Error, asset.SourcePath,
		asset.PlaybackKey, asset.ArtifactCount, asset.CreatedAt, asset.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert asset %s: %w", asset.ID, err)
	}
	return nil
}

func (r *postgresRepository) GetAsset(ctx context.Context, id string) (Asset, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, filename, status, error, source_path, playback_key, artifact_count, created_at, completed_at
		 FROM assets WHERE id = $1`, id)
	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		return Asset{}, fmt.Errorf("select asset %s: %w", id, err)
	}
	return asset, nil
}

func (r *postgresRepository) UpdateAsset(ctx context.Context, id string, update AssetUpdate) (Asset, error) {
	asset, err := r.GetAsset(ctx, id)
	if err != nil {
		return Asset{}, err
	}
	applyAssetUpdate(&asset, update)
	tag, err := r.pool.Exec(ctx,
		`UPDATE assets
		 SET status = $2, error = $3, source_path = $4, playback_key = $5, artifact_count = $6, completed_at = $7
		 WHERE id = $1`,
		id, string(asset.Status), asset.Error, asset.SourcePath, asset.PlaybackKey,
		asset.ArtifactCount, asset.CompletedAt)
	if err != nil {
		return Asset{}, fmt.Errorf("update asset %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return asset, nil
}

func (r *postgresRepository) ListAssets(ctx context.Context) ([]Asset, error) {
	return r.queryAssets(ctx,
		`SELECT id, filename, status, error, source_path, playback_key, artifact_count, created_at, completed_at
		 FROM assets ORDER BY created_at, id`)
}

func (r *postgresRepository) ListUnfinishedAssets(ctx context.Context) ([]Asset, error) {
	return r.queryAssets(ctx,
		`SELECT id, filename, status, error, source_path, playback_key, artifact_count, created_at, completed_at
		 FROM assets WHERE status IN ('pending', 'processing') ORDER BY created_at, id`)
}

func (r *postgresRepository) queryAssets(ctx context.Context, query string) ([]Asset, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()
	var out []Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return out, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (Asset, error) {
	var (
		asset  Asset
		status string
	)
	err := row.Scan(&asset.ID, &asset.Filename, &status, &asset.Error, &asset.SourcePath,
		&asset.PlaybackKey, &asset.ArtifactCount, &asset.CreatedAt, &asset.CompletedAt)
	if err != nil {
		return Asset{}, err
	}
	asset.Status = AssetStatus(status)
	return asset, nil
}
