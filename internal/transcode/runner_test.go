package transcode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeStubEngine installs a shell script standing in for ffmpeg. The script
// receives the real argument vector; the manifest path is the final argument.
func writeStubEngine(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub engine scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub engine: %v", err)
	}
	return path
}

func TestRunWritesManifestOnSuccess(t *testing.T) {
	engine := writeStubEngine(t, `for arg; do manifest=$arg; done
printf '#EXTM3U\n' > "$manifest"
printf 'segment' > "${manifest%.m3u8}0.ts"
echo "frame=1"
exit 0`)
	runner := NewRunner(Config{Binary: engine, Logger: discardLogger()})

	outputDir := filepath.Join(t.TempDir(), "out")
	manifest, err := runner.Run(context.Background(), "input.mp4", outputDir, "movie")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := filepath.Join(outputDir, "movie.m3u8"); manifest != want {
		t.Fatalf("expected manifest %s, got %s", want, manifest)
	}
	if _, err := os.Stat(manifest); err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
}

func TestRunReportsExitCode(t *testing.T) {
	engine := writeStubEngine(t, `echo "boom" 1>&2
exit 1`)
	runner := NewRunner(Config{Binary: engine, Logger: discardLogger()})

	_, err := runner.Run(context.Background(), "input.mp4", t.TempDir(), "movie")
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected transcode error, got %v", err)
	}
	if terr.Cause != CauseExit || terr.ExitCode != 1 {
		t.Fatalf("unexpected error %+v", terr)
	}
}

func TestRunReportsSpawnFailure(t *testing.T) {
	runner := NewRunner(Config{Binary: filepath.Join(t.TempDir(), "missing-engine"), Logger: discardLogger()})

	_, err := runner.Run(context.Background(), "input.mp4", t.TempDir(), "movie")
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected transcode error, got %v", err)
	}
	if terr.Cause != CauseSpawn {
		t.Fatalf("expected spawn cause, got %+v", terr)
	}
}

func TestRunWatchdogKillsHungEngine(t *testing.T) {
	engine := writeStubEngine(t, `sleep 30`)
	runner := NewRunner(Config{Binary: engine, Timeout: 100 * time.Millisecond, Logger: discardLogger()})

	start := time.Now()
	_, err := runner.Run(context.Background(), "input.mp4", t.TempDir(), "movie")
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("watchdog did not fire, run took %s", elapsed)
	}
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected transcode error, got %v", err)
	}
	if terr.Cause != CauseTimeout {
		t.Fatalf("expected timeout cause, got %+v", terr)
	}
}

func TestLineLoggerSplitsChunks(t *testing.T) {
	var lines []string
	logger := slog.New(captureHandler{lines: &lines})
	sink := newLineLogger(logger, "input.mp4")
	if _, err := sink.Write([]byte("first li")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sink.Write([]byte("ne\nsecond line\ntail")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sink.flush()
	want := []string{"first line", "second line", "tail"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %v", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

type captureHandler struct {
	lines *[]string
}

func (h captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h captureHandler) Handle(_ context.Context, record slog.Record) error {
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "line" {
			*h.lines = append(*h.lines, attr.Value.String())
		}
		return true
	})
	return nil
}

func (h captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h captureHandler) WithGroup(string) slog.Handler { return h }
