package storage

import (
	"context"
	"time"
)

// AssetStatus tracks where an upload run sits in its lifecycle.
type AssetStatus string

const (
	AssetPending    AssetStatus = "pending"
	AssetProcessing AssetStatus = "processing"
	AssetReady      AssetStatus = "ready"
	AssetFailed     AssetStatus = "failed"
)

// Asset records one upload run: the original file, the pipeline outcome, and
// the manifest key a player streams from once the run is ready.
type Asset struct {
	ID            string     `json:"id"`
	Filename      string     `json:"filename"`
	Status        AssetStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	SourcePath    string     `json:"-"`
	PlaybackKey   string     `json:"playbackKey,omitempty"`
	ArtifactCount int        `json:"artifactCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// AssetUpdate applies a partial mutation; nil fields are left unchanged.
type AssetUpdate struct {
	Status        *AssetStatus
	Error         *string
	SourcePath    *string
	PlaybackKey   *string
	ArtifactCount *int
	CompletedAt   *time.Time
}

// Repository persists asset lifecycle records. Implementations must be safe
// for concurrent use.
type Repository interface {
	CreateAsset(ctx context.Context, asset Asset) error
	// GetAsset yields ErrNotFound for an unknown ID.
	GetAsset(ctx context.Context, id string) (Asset, error)
	UpdateAsset(ctx context.Context, id string, update AssetUpdate) (Asset, error)
	ListAssets(ctx context.Context) ([]Asset, error)
	// ListUnfinishedAssets returns pending and processing assets, oldest
	// first, for crash recovery at boot.
	ListUnfinishedAssets(ctx context.Context) ([]Asset, error)
	Close(ctx context.Context) error
}
