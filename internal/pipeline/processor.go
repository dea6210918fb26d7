package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"vodforge/internal/storage"
)

// ProcessorConfig wires a Processor's collaborators.
type ProcessorConfig struct {
	Pipeline *Pipeline
	Assets   storage.Repository
	Workers  int
	// QueueSize bounds the backlog of queued asset IDs.
	QueueSize int
	// Timeout bounds one recovered run end to end.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Processor re-drives unfinished assets through the pipeline on a bounded
// worker pool. At boot it scans the repository for runs interrupted by a
// restart: those whose scratch input survived are re-queued, the rest are
// marked failed.
type Processor struct {
	pipeline *Pipeline
	assets   storage.Repository
	workers  int
	timeout  time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultRecoveryWorkers   = 2
	defaultRecoveryQueueSize = 64
	defaultRecoveryTimeout   = 30 * time.Minute
)

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultRecoveryWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultRecoveryQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRecoveryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		pipeline: cfg.Pipeline,
		assets:   cfg.Assets,
		workers:  workers,
		timeout:  timeout,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan string, queueSize),
		inFlight: make(map[string]struct{}),
	}
}

// Start launches the worker pool and kicks off the recovery scan. Calling
// Start more than once is a no-op.
func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go p.recoverUnfinished()
}

// Shutdown stops the workers and waits for in-flight runs to drain, bounded
// by the provided context.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules an asset for reprocessing. Blank IDs and enqueues after
// shutdown are dropped.
func (p *Processor) Enqueue(id string) {
	if p == nil || strings.TrimSpace(id) == "" {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.queue <- id:
	case <-p.ctx.Done():
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !p.beginWork(id) {
				continue
			}
			p.reprocess(id)
			p.finishWork(id)
		}
	}
}

func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Processor) recoverUnfinished() {
	if p.assets == nil {
		return
	}
	assets, err := p.assets.ListUnfinishedAssets(p.ctx)
	if err != nil {
		p.logger.Error("recovery scan failed", "error", err)
		return
	}
	for _, asset := range assets {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		if _, statErr := os.Stat(asset.SourcePath); statErr != nil {
			if markErr := p.pipeline.MarkLost(p.ctx, asset.ID); markErr != nil && !errors.Is(markErr, context.Canceled) {
				p.logger.Error("failed to mark lost asset", "asset_id", asset.ID, "error", markErr)
			} else {
				p.logger.Warn("dropping interrupted run, source file missing", "asset_id", asset.ID)
			}
			continue
		}
		p.Enqueue(asset.ID)
	}
}

func (p *Processor) reprocess(id string) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	summary, err := p.pipeline.Reprocess(ctx, id)
	if err != nil {
		p.logger.Error("reprocess failed", "asset_id", id, "error", err)
		return
	}
	p.logger.Info("reprocess published", "asset_id", id, "manifest_key", summary.ManifestKey)
}
