package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

// Scheduler fires full and incremental pulls on cron schedules. A tick whose
// job class is still running is skipped until the next tick.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	cron    *cron.Cron
	entries map[store.JobScope]cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(),
		entries: make(map[store.JobScope]cron.EntryID),
	}
}

// Schedule registers the cron entries without starting the clock.
func (s *Scheduler) Schedule(ctx context.Context) error {
	for scope, spec := range map[store.JobScope]string{
		store.ScopeFull:        s.cfg.FullSchedule,
		store.ScopeIncremental: s.cfg.IncrementalSchedule,
	} {
		if spec == "" {
			continue
		}
		id, err := s.cron.AddFunc(spec, func() {
			s.TriggerAll(ctx, scope)
		})
		if err != nil {
			return fmt.Errorf("schedule %s sync %q: %w", scope, spec, err)
		}
		s.entries[scope] = id
		logger.Log.Info("Scheduled sync", zap.String("scope", string(scope)), zap.String("schedule", spec))
	}
	return nil
}

// Serve runs the scheduler until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	if err := s.Schedule(ctx); err != nil {
		return err
	}

	logger.Log.Info("Starting scheduler")
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	clear(s.entries)
	logger.Log.Info("Stopped scheduler")
	return ctx.Err()
}

func (s *Scheduler) String() string { return "sync-scheduler" }

// TriggerAll queues one job per configured entity type. It returns the ids
// of the jobs that were queued.
func (s *Scheduler) TriggerAll(ctx context.Context, scope store.JobScope) []string {
	logger.Log.Info("Triggering scheduled sync", zap.String("scope", string(scope)))

	var queued []string
	for _, t := range s.manager.EntityTypes() {
		job, err := s.manager.TriggerSync(ctx, t, scope)
		if errors.Is(err, syncerr.ErrJobRunning) {
			logger.Log.Info("Sync already running, skipping scheduled run",
				zap.String("entity_type", string(t)),
				zap.String("scope", string(scope)),
			)
			continue
		}
		if err != nil {
			logger.Log.Error("Failed to start scheduled sync",
				zap.String("entity_type", string(t)),
				zap.String("scope", string(scope)),
				zap.Error(err),
			)
			continue
		}
		queued = append(queued, job.ID)
	}
	return queued
}
