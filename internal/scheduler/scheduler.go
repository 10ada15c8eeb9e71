package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/calsync/internal/service"
)

// Syncer is the part of the sync engine the scheduler drives.
type Syncer interface {
	RunCycle(ctx context.Context, opts service.CycleOptions) (*service.CycleResult, error)
	PruneTombstones() (int, error)
}

type Config struct {
	SyncSpec  string // e.g. "@every 1m"
	PruneSpec string // e.g. "30 3 * * *"
	Location  *time.Location
}

// Scheduler fires timer cycles and the daily tombstone prune.
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	syncer Syncer
	logger *slog.Logger
	ctx    context.Context
}

func New(cfg Config, syncer Syncer, logger *slog.Logger) *Scheduler {
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := cron.New(cron.WithLocation(location), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	return &Scheduler{
		cron:   c,
		cfg:    cfg,
		syncer: syncer,
		logger: logger,
		ctx:    context.Background(),
	}
}

// Start registers the jobs, runs them until ctx is done, then stops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	if s.cfg.SyncSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.SyncSpec, s.timerCycle); err != nil {
			return fmt.Errorf("add sync job: %w", err)
		}
	}
	if s.cfg.PruneSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.PruneSpec, s.pruneTombstones); err != nil {
			return fmt.Errorf("add prune job: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "sync", s.cfg.SyncSpec, "prune", s.cfg.PruneSpec, "tz", s.cron.Location())

	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) timerCycle() {
	res, err := s.syncer.RunCycle(s.ctx, service.CycleOptions{Trigger: service.TriggerTimer})
	if err != nil {
		s.logger.Warn("timer sync cycle", "error", err)
		return
	}
	if !res.Ran() {
		s.logger.Debug("timer sync cycle skipped", "reason", res.Skipped)
	}
}

func (s *Scheduler) pruneTombstones() {
	n, err := s.syncer.PruneTombstones()
	if err != nil {
		s.logger.Warn("prune tombstones", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned tombstones", "count", n)
	}
}
