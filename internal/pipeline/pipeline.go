// Package pipeline drives an upload through its full lifecycle: persist the
// incoming body to scratch space, transcode it into HLS artifacts, publish
// the manifest and segments to the blob store, and record the outcome on the
// asset repository.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

// Engine runs one transcode of a local input file into an HLS manifest plus
// segments under outputDir, returning the manifest path.
type Engine interface {
	Run(ctx context.Context, inputPath, outputDir, baseName string) (string, error)
}

// UploadError marks a failure while draining the upload body, before any
// engine work started. Handlers map it to a client-facing status instead of
// a server error.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("read upload body: %v", e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// PublishSummary reports what one completed run produced.
type PublishSummary struct {
	AssetID     string
	ManifestKey string
	Artifacts   []string
}

// Config wires a Pipeline's collaborators.
type Config struct {
	Blob   storage.BlobStore
	Assets storage.Repository
	Engine Engine
	// ScratchDir holds upload bodies and engine output between the upload
	// and the publish step. It must survive restarts for recovery to work.
	ScratchDir string
	// KeyPrefix namespaces every published key, "hls" when empty.
	KeyPrefix string
	// PublishConcurrency bounds parallel blob uploads per run.
	PublishConcurrency int
	Logger             *slog.Logger
	Metrics            *metrics.Recorder
}

// Pipeline owns the upload-to-playback flow for a single deployment. Methods
// are safe for concurrent use; each run works in its own scratch directory
// and publishes under its own key prefix.
type Pipeline struct {
	blob        storage.BlobStore
	assets      storage.Repository
	engine      Engine
	scratchDir  string
	keyPrefix   string
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

const defaultPublishConcurrency = 4

func New(cfg Config) (*Pipeline, error) {
	if cfg.Blob == nil {
		return nil, fmt.Errorf("pipeline: blob store is required")
	}
	if cfg.Assets == nil {
		return nil, fmt.Errorf("pipeline: asset repository is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("pipeline: engine is required")
	}
	scratch := strings.TrimSpace(cfg.ScratchDir)
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "vodforge")
	}
	if err := os.MkdirAll(filepath.Join(scratch, "uploads"), 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: prepare scratch dir: %w", err)
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.KeyPrefix), "/")
	if prefix == "" {
		prefix = "hls"
	}
	concurrency := cfg.PublishConcurrency
	if concurrency <= 0 {
		concurrency = defaultPublishConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Pipeline{
		blob:        cfg.Blob,
		assets:      cfg.Assets,
		engine:      cfg.Engine,
		scratchDir:  scratch,
		keyPrefix:   prefix,
		concurrency: concurrency,
		logger:      logger,
		metrics:     recorder,
	}, nil
}

// Process drains the upload body to scratch space, registers the asset, and
// runs the transcode-and-publish flow synchronously. The returned summary
// names the manifest key a player streams from. Scratch files are removed
// before returning on every path.
func (p *Pipeline) Process(ctx context.Context, body io.Reader, filename string) (PublishSummary, error) {
	id := uuid.NewString()
	ctx = logging.ContextWithAssetID(ctx, id)
	inputPath := filepath.Join(p.scratchDir, "uploads", id+"-"+sanitizeFilename(filename))

	written, err := p.saveUpload(inputPath, body)
	if err != nil {
		return PublishSummary{}, &UploadError{Err: err}
	}
	p.metrics.ObserveUploadBytes(written)

	asset := storage.Asset{
		ID:         id,
		Filename:   filename,
		Status:     storage.AssetPending,
		SourcePath: inputPath,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.assets.CreateAsset(ctx, asset); err != nil {
		removeQuiet(inputPath)
		return PublishSummary{}, fmt.Errorf("register asset: %w", err)
	}
	return p.run(ctx, asset)
}

// Reprocess re-runs the flow for an unfinished asset whose scratch input
// survived a restart. The asset must still reference an existing source file.
func (p *Pipeline) Reprocess(ctx context.Context, id string) (PublishSummary, error) {
	asset, err := p.assets.GetAsset(ctx, id)
	if err != nil {
		return PublishSummary{}, err
	}
	if asset.Status == storage.AssetReady || asset.Status == storage.AssetFailed {
		return PublishSummary{}, fmt.Errorf("asset %s already %s", id, asset.Status)
	}
	if _, err := os.Stat(asset.SourcePath); err != nil {
		return PublishSummary{}, fmt.Errorf("source file unavailable: %w", err)
	}
	return p.run(logging.ContextWithAssetID(ctx, id), asset)
}

func (p *Pipeline) run(ctx context.Context, asset storage.Asset) (PublishSummary, error) {
	logger := logging.WithContext(ctx, p.logger)
	outputDir := filepath.Join(p.scratchDir, "runs", asset.ID)
	defer func() {
		removeQuiet(asset.SourcePath)
		if err := os.RemoveAll(outputDir); err != nil {
			logger.Warn("scratch cleanup failed", "dir", outputDir, "error", err)
		}
	}()

	p.metrics.PipelineStarted()
	if err := p.markProcessing(ctx, asset.ID); err != nil {
		p.metrics.PipelineFailed()
		return PublishSummary{}, err
	}

	manifestPath, err := p.engine.Run(ctx, asset.SourcePath, outputDir, baseName(asset.Filename))
	if err != nil {
		p.metrics.ObserveTranscodeJob(transcodeOutcome(err))
		p.failAsset(ctx, asset.ID, err)
		return PublishSummary{}, fmt.Errorf("transcode %s: %w", asset.ID, err)
	}
	p.metrics.ObserveTranscodeJob("complete")

	summary, err := p.publish(ctx, asset.ID, outputDir, filepath.Base(manifestPath))
	if err != nil {
		p.failAsset(ctx, asset.ID, err)
		return PublishSummary{}, fmt.Errorf("publish %s: %w", asset.ID, err)
	}

	if err := p.markReady(ctx, asset.ID, summary); err != nil {
		p.metrics.PipelineFailed()
		return PublishSummary{}, err
	}
	p.metrics.PipelineCompleted()
	logger.Info("run published",
		"manifest_key", summary.ManifestKey,
		"artifacts", len(summary.Artifacts))
	return summary, nil
}

// publish uploads every artifact the engine wrote, manifest included, under
// the run's key prefix. Uploads fan out on a bounded errgroup; the first
// failure cancels the rest.
func (p *Pipeline) publish(ctx context.Context, assetID, outputDir, manifestName string) (PublishSummary, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return PublishSummary{}, fmt.Errorf("list artifacts: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return PublishSummary{}, fmt.Errorf("engine produced no artifacts")
	}
	sort.Strings(names)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)
	summary := PublishSummary{AssetID: assetID, Artifacts: make([]string, len(names))}
	for i, name := range names {
		key := p.keyPrefix + "/" + assetID + "/" + name
		summary.Artifacts[i] = key
		if name == manifestName {
			summary.ManifestKey = key
		}
		group.Go(func() error {
			return p.putArtifact(groupCtx, filepath.Join(outputDir, name), key)
		})
	}
	if err := group.Wait(); err != nil {
		return PublishSummary{}, err
	}
	if summary.ManifestKey == "" {
		return PublishSummary{}, fmt.Errorf("manifest %s missing from engine output", manifestName)
	}
	return summary, nil
}

func (p *Pipeline) putArtifact(ctx context.Context, path, key string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", filepath.Base(path), err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact %s: %w", filepath.Base(path), err)
	}
	if err := p.blob.Put(ctx, key, file, info.Size(), storage.ContentTypeForKey(key)); err != nil {
		return fmt.Errorf("store artifact %s: %w", key, err)
	}
	return nil
}

func (p *Pipeline) saveUpload(path string, body io.Reader) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	written, copyErr := io.Copy(file, body)
	closeErr := file.Close()
	if copyErr != nil {
		removeQuiet(path)
		return 0, copyErr
	}
	if closeErr != nil {
		removeQuiet(path)
		return 0, closeErr
	}
	return written, nil
}

func (p *Pipeline) markProcessing(ctx context.Context, id string) error {
	status := storage.AssetProcessing
	if _, err := p.assets.UpdateAsset(ctx, id, storage.AssetUpdate{Status: &status}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (p *Pipeline) markReady(ctx context.Context, id string, summary PublishSummary) error {
	status := storage.AssetReady
	count := len(summary.Artifacts)
	completed := time.Now().UTC()
	empty := ""
	if _, err := p.assets.UpdateAsset(ctx, id, storage.AssetUpdate{
		Status:        &status,
		Error:         &empty,
		PlaybackKey:   &summary.ManifestKey,
		ArtifactCount: &count,
		CompletedAt:   &completed,
	}); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return nil
}

func (p *Pipeline) failAsset(ctx context.Context, id string, cause error) {
	p.metrics.PipelineFailed()
	status := storage.AssetFailed
	message := cause.Error()
	completed := time.Now().UTC()
	if _, err := p.assets.UpdateAsset(ctx, id, storage.AssetUpdate{
		Status:      &status,
		Error:       &message,
		CompletedAt: &completed,
	}); err != nil {
		logging.WithContext(ctx, p.logger).Error("failed to record run failure", "error", err, "cause", cause)
		return
	}
	logging.WithContext(ctx, p.logger).Error("run failed", "error", cause)
}

// MarkLost records a terminal failure for an unfinished asset whose scratch
// input did not survive a restart.
func (p *Pipeline) MarkLost(ctx context.Context, id string) error {
	status := storage.AssetFailed
	message := "source file lost before processing completed"
	completed := time.Now().UTC()
	if _, err := p.assets.UpdateAsset(ctx, id, storage.AssetUpdate{
		Status:      &status,
		Error:       &message,
		CompletedAt: &completed,
	}); err != nil {
		return err
	}
	return nil
}

func transcodeOutcome(err error) string {
	var tErr *transcode.Error
	if errors.As(err, &tErr) {
		return string(tErr.Cause)
	}
	return "exit"
}

// baseName strips the extension from an upload filename and sanitizes what
// remains so it is safe as a manifest name and an object key segment.
func baseName(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	name = sanitizeKeyPart(name)
	if name == "" {
		return "video"
	}
	return name
}

func sanitizeFilename(filename string) string {
	name := sanitizeKeyPart(filepath.Base(strings.TrimSpace(filename)))
	if name == "" {
		return "upload.bin"
	}
	return name
}

func sanitizeKeyPart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}

func removeQuiet(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Default().Warn("scratch cleanup failed", "path", path, "error", err)
	}
}
