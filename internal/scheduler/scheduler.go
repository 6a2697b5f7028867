// Package scheduler drives periodic ingestion of due configurations.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/camsys/gtfs-realtime/internal/model"
	"github.com/camsys/gtfs-realtime/internal/storage"
)

// Runner processes one configuration's feeds.
type Runner interface {
	Process(ctx context.Context, cfg model.Configuration)
}

// Scheduler periodically finds configurations whose poll interval has
// elapsed and hands them to the runner. Configurations are processed
// concurrently within a pass; a pass waits for all of them before the
// scheduler sleeps again.
type Scheduler struct {
	store  storage.Storage
	runner Runner
	log    *slog.Logger
	tick   time.Duration
}

// New creates a Scheduler.
func New(store storage.Storage, runner Runner, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		runner: runner,
		log:    log,
		tick:   10 * time.Second,
	}
}

// SetTickInterval overrides the default 10-second due check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.checkAll(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Scheduler) checkAll(ctx context.Context) {
	cfgs, err := s.store.ListDueConfigurations(ctx)
	if err != nil {
		s.log.Error("list due configurations", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, cfg := range cfgs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(cfg model.Configuration) {
			defer wg.Done()
			s.log.Debug("processing configuration", "configuration_id", cfg.ID, "name", cfg.Name)
			s.runner.Process(ctx, cfg)
			s.updateLastRun(ctx, &cfg)
		}(cfg)
	}
	wg.Wait()
}

func (s *Scheduler) updateLastRun(ctx context.Context, cfg *model.Configuration) {
	now := time.Now().UTC()
	cfg.LastRunAt = &now
	if err := s.store.UpdateConfiguration(ctx, cfg); err != nil {
		s.log.Error("update last run", "configuration_id", cfg.ID, "error", err)
	}
}
