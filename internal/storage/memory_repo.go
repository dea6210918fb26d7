package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is an in-process asset repository for tests and the
// development mode. Records vanish with the process.
type MemoryRepository struct {
	mu     sync.RWMutex
	assets map[string]Asset
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{assets: make(map[string]Asset)}
}

func (r *MemoryRepository) CreateAsset(_ context.Context, asset Asset) error {
	id := strings.TrimSpace(asset.ID)
	if id == "" {
		return fmt.Errorf("asset id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.assets[id]; exists {
		return fmt.Errorf("asset %s already exists", id)
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	if asset.Status == "" {
		asset.Status = AssetPending
	}
	r.assets[id] = asset
	return nil
}

func (r *MemoryRepository) GetAsset(_ context.Context, id string) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, ok := r.assets[id]
	if !ok {
		return Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return asset, nil
}

func (r *MemoryRepository) UpdateAsset(_ context.Context, id string, update AssetUpdate) (Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[id]
	if !ok {
		return Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	applyAssetUpdate(&asset, update)
	r.assets[id] = asset
	return asset, nil
}

func (r *MemoryRepository) ListAssets(_ context.Context) ([]Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Asset, 0, len(r.assets))
	for _, asset := range r.assets {
		out = append(out, asset)
	}
	sortAssets(out)
	return out, nil
}

func (r *MemoryRepository) ListUnfinishedAssets(_ context.Context) ([]Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Asset
	for _, asset := range r.assets {
		if asset.Status == AssetPending || asset.Status == AssetProcessing {
			out = append(out, asset)
		}
	}
	sortAssets(out)
	return out, nil
}

func (r *MemoryRepository) Close(context.Context) error { return nil }

func applyAssetUpdate(asset *Asset, update AssetUpdate) {
	if update.Status != nil {
		asset.Status = *update.Status
	}
	if update.Error != nil {
		asset.Error = *update.Error
	}
	if update.SourcePath != nil {
		asset.SourcePath = *update.SourcePath
	}
	if update.PlaybackKey != nil {
		asset.PlaybackKey = *update.PlaybackKey
	}
	if update.ArtifactCount != nil {
		asset.ArtifactCount = *update.ArtifactCount
	}
	if update.CompletedAt != nil {
		asset.CompletedAt = update.CompletedAt
	}
}

func sortAssets(assets []Asset) {
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
}
