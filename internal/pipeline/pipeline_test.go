package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

type fakeEngine struct {
	run func(ctx context.Context, inputPath, outputDir, baseName string) (string, error)
}

func (f *fakeEngine) Run(ctx context.Context, inputPath, outputDir, baseName string) (string, error) {
	return f.run(ctx, inputPath, outputDir, baseName)
}

// hlsEngine fabricates a manifest plus the given number of segments, the
// shape a real engine run leaves behind.
func hlsEngine(segments int) *fakeEngine {
	return &fakeEngine{run: func(_ context.Context, inputPath, outputDir, baseName string) (string, error) {
		if _, err := os.Stat(inputPath); err != nil {
			return "", fmt.Errorf("input missing: %w", err)
		}
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return "", err
		}
		manifest := filepath.Join(outputDir, baseName+".m3u8")
		var playlist strings.Builder
		playlist.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
		for i := 0; i < segments; i++ {
			segment := fmt.Sprintf("%s%d.ts", baseName, i)
			playlist.WriteString("#EXTINF:10.0,\n" + segment + "\n")
			if err := os.WriteFile(filepath.Join(outputDir, segment), []byte("segment-"+segment), 0o644); err != nil {
				return "", err
			}
		}
		playlist.WriteString("#EXT-X-ENDLIST\n")
		if err := os.WriteFile(manifest, []byte(playlist.String()), 0o644); err != nil {
			return "", err
		}
		return manifest, nil
	}}
}

func newTestPipeline(t *testing.T, engine Engine) (*Pipeline, *storage.MemoryBlobStore, *storage.MemoryRepository) {
	t.Helper()
	blob := storage.NewMemoryBlobStore()
	repo := storage.NewMemoryRepository()
	p, err := New(Config{
		Blob:       blob,
		Assets:     repo,
		Engine:     engine,
		ScratchDir: t.TempDir(),
		Metrics:    metrics.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, blob, repo
}

func TestProcessPublishesManifestAndSegments(t *testing.T) {
	p, blob, repo := newTestPipeline(t, hlsEngine(2))

	summary, err := p.Process(context.Background(), strings.NewReader("raw video bytes"), "holiday clip.mp4")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.ManifestKey != "hls/"+summary.AssetID+"/holiday_clip.m3u8" {
		t.Errorf("manifest key = %q", summary.ManifestKey)
	}
	if len(summary.Artifacts) != 3 {
		t.Fatalf("artifacts = %v, want 3 keys", summary.Artifacts)
	}

	objects, err := blob.List(context.Background(), "hls/"+summary.AssetID+"/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objects) != 3 {
		t.Fatalf("stored objects = %d, want 3", len(objects))
	}
	for _, obj := range objects {
		want := "video/MP2T"
		if strings.HasSuffix(obj.Key, ".m3u8") {
			want = "application/octet-stream"
		}
		if obj.ContentType != want {
			t.Errorf("content type for %s = %q, want %q", obj.Key, obj.ContentType, want)
		}
	}

	asset, err := repo.GetAsset(context.Background(), summary.AssetID)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if asset.Status != storage.AssetReady {
		t.Errorf("status = %s, want ready", asset.Status)
	}
	if asset.PlaybackKey != summary.ManifestKey {
		t.Errorf("playback key = %q, want %q", asset.PlaybackKey, summary.ManifestKey)
	}
	if asset.ArtifactCount != 3 {
		t.Errorf("artifact count = %d, want 3", asset.ArtifactCount)
	}
	if asset.CompletedAt == nil {
		t.Error("completed timestamp missing")
	}
}

func TestProcessCleansScratchOnSuccess(t *testing.T) {
	blob := storage.NewMemoryBlobStore()
	repo := storage.NewMemoryRepository()
	scratch := t.TempDir()
	p, err := New(Config{Blob: blob, Assets: repo, Engine: hlsEngine(1), ScratchDir: scratch, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := p.Process(context.Background(), strings.NewReader("bytes"), "clip.mp4")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	uploads, err := os.ReadDir(filepath.Join(scratch, "uploads"))
	if err != nil {
		t.Fatalf("read uploads dir: %v", err)
	}
	if len(uploads) != 0 {
		t.Errorf("upload body left behind: %v", uploads)
	}
	if _, err := os.Stat(filepath.Join(scratch, "runs", summary.AssetID)); !os.IsNotExist(err) {
		t.Errorf("run output dir left behind (err=%v)", err)
	}
}

func TestProcessEngineFailureMarksAssetFailed(t *testing.T) {
	engineErr := &transcode.Error{Cause: transcode.CauseExit, ExitCode: 1}
	engine := &fakeEngine{run: func(context.Context, string, string, string) (string, error) {
		return "", engineErr
	}}
	p, blob, repo := newTestPipeline(t, engine)

	_, err := p.Process(context.Background(), strings.NewReader("bytes"), "broken.mp4")
	if err == nil {
		t.Fatal("expected error from failed engine run")
	}
	var tErr *transcode.Error
	if !errors.As(err, &tErr) {
		t.Fatalf("error does not wrap engine error: %v", err)
	}

	assets, err := repo.ListAssets(context.Background())
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("assets = %d, want 1", len(assets))
	}
	if assets[0].Status != storage.AssetFailed {
		t.Errorf("status = %s, want failed", assets[0].Status)
	}
	if assets[0].Error == "" {
		t.Error("failure message missing on asset")
	}

	objects, _ := blob.List(context.Background(), "")
	if len(objects) != 0 {
		t.Errorf("artifacts published despite engine failure: %v", objects)
	}
}

type failingBlobStore struct {
	*storage.MemoryBlobStore
}

func (f *failingBlobStore) Put(context.Context, string, io.Reader, int64, string) error {
	return fmt.Errorf("store unavailable")
}

func TestProcessPublishFailureMarksAssetFailed(t *testing.T) {
	repo := storage.NewMemoryRepository()
	p, err := New(Config{
		Blob:       &failingBlobStore{storage.NewMemoryBlobStore()},
		Assets:     repo,
		Engine:     hlsEngine(1),
		ScratchDir: t.TempDir(),
		Metrics:    metrics.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Process(context.Background(), strings.NewReader("bytes"), "clip.mp4"); err == nil {
		t.Fatal("expected publish error")
	}
	assets, _ := repo.ListAssets(context.Background())
	if len(assets) != 1 || assets[0].Status != storage.AssetFailed {
		t.Fatalf("unexpected asset state: %+v", assets)
	}
}

func TestProcessIsolatesRunsWithSameFilename(t *testing.T) {
	p, blob, _ := newTestPipeline(t, hlsEngine(1))

	first, err := p.Process(context.Background(), strings.NewReader("first"), "video.mp4")
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	second, err := p.Process(context.Background(), strings.NewReader("second"), "video.mp4")
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if first.ManifestKey == second.ManifestKey {
		t.Fatalf("runs share manifest key %q", first.ManifestKey)
	}
	for _, key := range []string{first.ManifestKey, second.ManifestKey} {
		if _, err := blob.Stat(context.Background(), key); err != nil {
			t.Errorf("manifest %s missing: %v", key, err)
		}
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("connection reset")
}

func TestProcessUploadReadFailure(t *testing.T) {
	p, _, repo := newTestPipeline(t, hlsEngine(1))

	_, err := p.Process(context.Background(), brokenReader{}, "clip.mp4")
	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("error = %v, want *UploadError", err)
	}
	assets, _ := repo.ListAssets(context.Background())
	if len(assets) != 0 {
		t.Errorf("asset registered for failed upload: %+v", assets)
	}
}

func TestReprocessRejectsFinishedAsset(t *testing.T) {
	p, _, repo := newTestPipeline(t, hlsEngine(1))
	asset := storage.Asset{ID: "done-1", Filename: "clip.mp4", Status: storage.AssetReady}
	if err := repo.CreateAsset(context.Background(), asset); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if _, err := p.Reprocess(context.Background(), "done-1"); err == nil {
		t.Fatal("expected error reprocessing a ready asset")
	}
}

func TestReprocessRequiresSourceFile(t *testing.T) {
	p, _, repo := newTestPipeline(t, hlsEngine(1))
	asset := storage.Asset{
		ID:         "orphan-1",
		Filename:   "clip.mp4",
		Status:     storage.AssetPending,
		SourcePath: filepath.Join(t.TempDir(), "gone.mp4"),
	}
	if err := repo.CreateAsset(context.Background(), asset); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if _, err := p.Reprocess(context.Background(), "orphan-1"); err == nil {
		t.Fatal("expected error for missing source file")
	}
}

func TestBaseName(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"clip.mp4", "clip"},
		{"holiday clip.mp4", "holiday_clip"},
		{"../../etc/passwd", "passwd"},
		{"...", "video"},
		{"", "video"},
		{"noext", "noext"},
	}
	for _, tc := range cases {
		if got := baseName(tc.input); got != tc.want {
			t.Errorf("baseName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func waitForStatus(t *testing.T, repo storage.Repository, id string, want storage.AssetStatus) storage.Asset {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		asset, err := repo.GetAsset(context.Background(), id)
		if err == nil && asset.Status == want {
			return asset
		}
		time.Sleep(10 * time.Millisecond)
	}
	asset, _ := repo.GetAsset(context.Background(), id)
	t.Fatalf("asset %s never reached %s (last: %+v)", id, want, asset)
	return storage.Asset{}
}

func TestProcessorRecoversInterruptedRun(t *testing.T) {
	blob := storage.NewMemoryBlobStore()
	repo := storage.NewMemoryRepository()
	scratch := t.TempDir()
	p, err := New(Config{Blob: blob, Assets: repo, Engine: hlsEngine(1), ScratchDir: scratch, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	source := filepath.Join(scratch, "uploads", "stale-upload.mp4")
	if err := os.WriteFile(source, []byte("interrupted bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	asset := storage.Asset{ID: "recover-1", Filename: "stale.mp4", Status: storage.AssetProcessing, SourcePath: source}
	if err := repo.CreateAsset(context.Background(), asset); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	processor := NewProcessor(ProcessorConfig{Pipeline: p, Assets: repo})
	processor.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := processor.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	recovered := waitForStatus(t, repo, "recover-1", storage.AssetReady)
	if recovered.PlaybackKey == "" {
		t.Error("recovered asset has no playback key")
	}
	if _, err := blob.Stat(context.Background(), recovered.PlaybackKey); err != nil {
		t.Errorf("recovered manifest missing from store: %v", err)
	}
}

func TestProcessorFailsAssetWithLostSource(t *testing.T) {
	p, _, repo := newTestPipeline(t, hlsEngine(1))
	asset := storage.Asset{
		ID:         "lost-1",
		Filename:   "gone.mp4",
		Status:     storage.AssetPending,
		SourcePath: filepath.Join(t.TempDir(), "never-existed.mp4"),
	}
	if err := repo.CreateAsset(context.Background(), asset); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	processor := NewProcessor(ProcessorConfig{Pipeline: p, Assets: repo})
	processor.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	}()

	failed := waitForStatus(t, repo, "lost-1", storage.AssetFailed)
	if !strings.Contains(failed.Error, "source file lost") {
		t.Errorf("failure message = %q", failed.Error)
	}
}

func TestProcessorDedupesEnqueues(t *testing.T) {
	var runs int
	done := make(chan struct{})
	engine := &fakeEngine{run: func(ctx context.Context, _, outputDir, baseName string) (string, error) {
		runs++
		<-done
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return "", err
		}
		manifest := filepath.Join(outputDir, baseName+".m3u8")
		return manifest, os.WriteFile(manifest, []byte("#EXTM3U\n"), 0o644)
	}}

	blob := storage.NewMemoryBlobStore()
	repo := storage.NewMemoryRepository()
	scratch := t.TempDir()
	p, err := New(Config{Blob: blob, Assets: repo, Engine: engine, ScratchDir: scratch, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	source := filepath.Join(scratch, "uploads", "dup.mp4")
	if err := os.WriteFile(source, []byte("bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := repo.CreateAsset(context.Background(), storage.Asset{ID: "dup-1", Filename: "dup.mp4", Status: storage.AssetPending, SourcePath: source}); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	processor := NewProcessor(ProcessorConfig{Pipeline: p, Assets: repo, Workers: 4})
	processor.Start()
	processor.Enqueue("dup-1")
	processor.Enqueue("dup-1")
	processor.Enqueue("dup-1")

	time.Sleep(100 * time.Millisecond)
	close(done)

	waitForStatus(t, repo, "dup-1", storage.AssetReady)
	if runs != 1 {
		t.Errorf("engine ran %d times for one asset, want 1", runs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := processor.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
