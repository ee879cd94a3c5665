package reputation

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zoozapp/trust-engine/internal/app/storage"
	"github.com/zoozapp/trust-engine/pkg/logger"
)

// WorkerConfig controls the recompute worker.
type WorkerConfig struct {
	// Interval between drains of the dirty set.
	Interval time.Duration
	// FullRecomputeSchedule is a cron expression for periodic full-graph
	// recomputes. Empty disables the schedule.
	FullRecomputeSchedule string
}

// DefaultWorkerConfig returns the platform defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:              time.Second,
		FullRecomputeSchedule: "@hourly",
	}
}

// Worker drains the dirty set of users needing a score recompute. Graph
// mutations mark users dirty; the worker recomputes them asynchronously so
// writes never wait on scoring. A periodic cron pass recomputes everyone,
// which also repairs any scores left stale by earlier failures.
type Worker struct {
	cfg       WorkerConfig
	service   *Service
	directory storage.DirectoryStore
	log       *logger.Logger

	mu      sync.Mutex
	dirty   map[string]bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// NewWorker creates a recompute worker.
func NewWorker(cfg WorkerConfig, service *Service, directory storage.DirectoryStore, log *logger.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWorkerConfig().Interval
	}
	if log == nil {
		log = logger.NewDefault("reputation-worker")
	}
	return &Worker{
		cfg:       cfg,
		service:   service,
		directory: directory,
		log:       log,
		dirty:     make(map[string]bool),
	}
}

// Name implements system.Service.
func (w *Worker) Name() string { return "reputation-worker" }

// MarkDirty schedules users for recompute. Safe to call before Start; the
// first drain picks them up.
func (w *Worker) MarkDirty(userIDs ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range userIDs {
		w.dirty[id] = true
	}
}

// Start implements system.Service.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	if w.cfg.FullRecomputeSchedule != "" {
		w.cron = cron.New()
		if _, err := w.cron.AddFunc(w.cfg.FullRecomputeSchedule, func() { w.markAll(runCtx) }); err != nil {
			w.running = false
			cancel()
			return err
		}
		w.cron.Start()
	}

	w.wg.Add(1)
	go w.run(runCtx)
	return nil
}

// Stop implements system.Service.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	if w.cron != nil {
		w.cron.Stop()
	}
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain recomputes every user currently marked dirty. An interrupted drain is
// harmless: unprocessed users stay marked and the next tick retries them.
func (w *Worker) Drain(ctx context.Context) {
	w.mu.Lock()
	if len(w.dirty) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]string, 0, len(w.dirty))
	for id := range w.dirty {
		batch = append(batch, id)
	}
	w.dirty = make(map[string]bool)
	w.mu.Unlock()

	for _, id := range batch {
		if ctx.Err() != nil {
			w.MarkDirty(batch...)
			return
		}
		// Failures already marked the user stale; nothing more to do here.
		_ = w.service.Recompute(ctx, id)
	}
}

func (w *Worker) markAll(ctx context.Context) {
	ids, err := w.directory.ListUserIDs(ctx)
	if err != nil {
		w.log.WithError(err).Error("Full recompute enumeration failed")
		return
	}
	w.MarkDirty(ids...)
	w.log.WithField("users", len(ids)).Info("Scheduled full recompute")
}
