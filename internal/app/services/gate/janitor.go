package gate

import (
	"context"
	"sync"
	"time"

	"github.com/zoozapp/trust-engine/pkg/logger"
)

// Janitor periodically discards expired continuations.
type Janitor struct {
	service  *Service
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJanitor creates a janitor sweeping at the given interval.
func NewJanitor(service *Service, interval time.Duration, log *logger.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logger.NewDefault("gate-janitor")
	}
	return &Janitor{service: service, interval: interval, log: log}
}

// Name implements system.Service.
func (j *Janitor) Name() string { return "gate-janitor" }

// Start implements system.Service.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	j.running = true

	runCtx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.wg.Add(1)
	go j.run(runCtx)
	return nil
}

// Stop implements system.Service.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	j.mu.Unlock()

	j.cancel()
	j.wg.Wait()
	return nil
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := j.service.sweep(time.Now().UTC()); removed > 0 {
				j.log.WithField("removed", removed).Debug("Swept expired continuations")
			}
		}
	}
}
