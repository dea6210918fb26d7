// Package transcode invokes the external transcoding engine against a local
// input file and maps its exit status onto a typed error.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Cause classifies transcode failures that carry no engine exit code.
type Cause string

const (
	CauseExit    Cause = "exit"
	CauseSpawn   Cause = "spawn"
	CauseTimeout Cause = "timeout"
)

// Error reports a failed transcode run.
type Error struct {
	Cause    Cause
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	switch e.Cause {
	case CauseSpawn:
		return fmt.Sprintf("transcode: spawn failed: %v", e.Err)
	case CauseTimeout:
		return "transcode: deadline exceeded"
	default:
		return fmt.Sprintf("transcode: engine exited with code %d", e.ExitCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

const defaultSegmentSeconds = 10

// Runner executes the transcoding engine as a subprocess. The zero value is
// not usable; construct with NewRunner.
type Runner struct {
	binary         string
	segmentSeconds int
	timeout        time.Duration
	logger         *slog.Logger
}

// Config controls how the engine is invoked.
type Config struct {
	// Binary is the engine executable, "ffmpeg" when empty.
	Binary string
	// SegmentSeconds is the HLS segment target duration, 10 when zero.
	SegmentSeconds int
	// Timeout bounds a single run; zero disables the watchdog.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewRunner builds a Runner with defaults applied.
func NewRunner(cfg Config) *Runner {
	binary := cfg.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	seconds := cfg.SegmentSeconds
	if seconds <= 0 {
		seconds = defaultSegmentSeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{binary: binary, segmentSeconds: seconds, timeout: cfg.Timeout, logger: logger}
}

// Run transcodes inputPath into an HLS manifest plus segments under
// outputDir and returns the manifest path. The input is stream-copied into
// ten second segments on an unbounded playlist. Combined engine output is
// forwarded line by line to the logger while waiting on exit. A non-zero
// exit, a spawn failure, or an expired watchdog all surface as *Error; a
// failed run is terminal and never retried here.
func (r *Runner) Run(ctx context.Context, inputPath, outputDir, baseName string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare output directory: %w", err)
	}
	manifest := filepath.Join(outputDir, baseName+".m3u8")

	runCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := []string{
		"-y",
		"-i", inputPath,
		"-c", "copy",
		"-start_number", "0",
		"-hls_time", strconv.Itoa(r.segmentSeconds),
		"-hls_list_size", "0",
		"-f", "hls",
		manifest,
	}
	cmd := exec.CommandContext(runCtx, r.binary, args...)
	// Bounds Wait after a watchdog kill when an engine child still holds
	// the output pipe open.
	cmd.WaitDelay = 5 * time.Second
	sink := newLineLogger(r.logger, filepath.Base(inputPath))
	cmd.Stdout = sink
	cmd.Stderr = sink

	r.logger.Info("starting transcode", "input", inputPath, "manifest", manifest)
	if err := cmd.Start(); err != nil {
		return "", &Error{Cause: CauseSpawn, Err: err}
	}
	err := cmd.Wait()
	sink.flush()
	if err == nil {
		return manifest, nil
	}
	if runCtx.Err() != nil {
		return "", &Error{Cause: CauseTimeout, Err: runCtx.Err()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "", &Error{Cause: CauseExit, ExitCode: exitErr.ExitCode(), Err: err}
	}
	return "", &Error{Cause: CauseSpawn, Err: err}
}

// lineLogger forwards subprocess output to slog one line at a time. Writing
// directly to the command's stdout/stderr keeps the pipe drained while Wait
// blocks, so a chatty engine can never deadlock on a full buffer.
type lineLogger struct {
	logger *slog.Logger
	input  string
	rest   []byte
}

func newLineLogger(logger *slog.Logger, input string) *lineLogger {
	return &lineLogger{logger: logger, input: input}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	total := len(p)
	data := append(l.rest, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		l.emit(data[:idx])
		data = data[idx+1:]
	}
	l.rest = append(l.rest[:0], data...)
	return total, nil
}

func (l *lineLogger) flush() {
	if len(l.rest) > 0 {
		l.emit(l.rest)
		l.rest = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	l.logger.Info("engine output", "input", l.input, "line", string(line))
}
