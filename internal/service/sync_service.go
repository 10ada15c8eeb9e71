package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tazhate/calsync/internal/actionlog"
	"github.com/tazhate/calsync/internal/conflict"
	"github.com/tazhate/calsync/internal/deletion"
	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/index"
	"github.com/tazhate/calsync/internal/notify"
	"github.com/tazhate/calsync/internal/remotediff"
	"github.com/tazhate/calsync/internal/storage"
)

// Config tunes the sync cycle.
type Config struct {
	DefaultCalendar    string
	Calendars          []string
	Debounce           time.Duration
	PastDays           int
	FutureDays         int
	FetchBatchSize     int
	MaxRetries         int
	LoadRetryCeiling   int
	FailureNotifyEvery int
	TombstoneTTL       time.Duration

	Deletion deletion.Config
	Conflict conflict.Config
	Diff     remotediff.Config
}

func DefaultConfig() Config {
	return Config{
		Debounce:           5 * time.Second,
		PastDays:           7,
		FutureDays:         90,
		FetchBatchSize:     3,
		MaxRetries:         9,
		LoadRetryCeiling:   actionlog.DefaultLoadRetryCeiling,
		FailureNotifyEvery: 3,
		TombstoneTTL:       30 * 24 * time.Hour,
		Deletion:           deletion.DefaultConfig(),
		Conflict:           conflict.DefaultConfig(),
		Diff:               remotediff.DefaultConfig(),
	}
}

type Trigger string

const (
	TriggerTimer     Trigger = "timer"
	TriggerManual    Trigger = "manual"
	TriggerReconnect Trigger = "reconnect"
)

// Activity is the caller's hint about user interaction. Destructive remote
// deletions are only confirmed while idle.
type Activity string

const (
	ActivityBusy Activity = "busy"
	ActivityIdle Activity = "idle"
)

type CycleOptions struct {
	Trigger  Trigger
	SkipPull bool
	// Activity overrides the hint last set with SetActivity.
	Activity Activity
	// Visible ids are indexed first when the index has to be rebuilt.
	Visible map[string]bool
}

type SkipReason string

const (
	SkipRunning         SkipReason = "cycle already running"
	SkipDebounced       SkipReason = "previous cycle ended too recently"
	SkipUnauthenticated SkipReason = "remote client not authenticated"
)

// CycleResult describes one sync cycle.
type CycleResult struct {
	Trigger    Trigger    `json:"trigger"`
	Skipped    SkipReason `json:"skipped,omitempty"`
	Round      int64      `json:"round"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`

	Superseded int  `json:"superseded"`
	Pushed     int  `json:"pushed"`
	PushFailed int  `json:"push_failed"`
	Held       int  `json:"held"`
	EarlyExit  bool `json:"early_exit"`

	PullSkipped   bool `json:"pull_skipped"`
	Fetched       int  `json:"fetched"`
	Batches       int  `json:"batches"`
	Incomplete    bool `json:"incomplete"`
	RemoteActions int  `json:"remote_actions"`
	Healed        int  `json:"healed"`
	ScanSkipped   bool `json:"deletion_scan_skipped"`
	Confirmed     int  `json:"deletions_confirmed"`

	Arbitrated int `json:"arbitrated"`
	Conflicts  int `json:"conflicts"`
	Applied    int `json:"applied"`
	Deferred   int `json:"deferred"`

	CleanedUp        int `json:"cleaned_up"`
	TombstonesPruned int `json:"tombstones_pruned"`

	Affected []string `json:"affected,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Ran reports whether the cycle actually executed.
func (r *CycleResult) Ran() bool {
	return r.Skipped == ""
}

type syncState struct {
	Round        int64     `json:"round"`
	LastCycleEnd time.Time `json:"last_cycle_end"`
}

type Option func(*SyncService)

// WithClock replaces time.Now for the service and its collaborators.
func WithClock(now func() time.Time) Option {
	return func(s *SyncService) { s.now = now }
}

// WithTags sets the tag to calendar lookup used when pushing creates.
func WithTags(tags TagResolver) Option {
	return func(s *SyncService) { s.tags = tags }
}

// SyncService drives sync cycles: push local actions, pull the remote
// snapshot, arbitrate conflicts, apply remote actions and clean up.
type SyncService struct {
	cfg    Config
	blobs  storage.BlobStore
	remote RemoteClient
	tags   TagResolver
	bus    *notify.Bus
	now    func() time.Time
	logger *slog.Logger

	records   *storage.RecordStore
	log       *actionlog.Log
	index     *index.Index
	deletion  *deletion.Protocol
	conflicts *conflict.Manager
	diff      *remotediff.Engine

	running atomic.Bool
	editMu  sync.Mutex

	mu       sync.Mutex
	state    syncState
	activity Activity
	last     *CycleResult
}

// NewSyncService wires the engine and its collaborators over one blob store.
func NewSyncService(cfg Config, blobs storage.BlobStore, remote RemoteClient, bus *notify.Bus, logger *slog.Logger, opts ...Option) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = notify.NewBus()
	}
	s := &SyncService{
		cfg:      cfg,
		blobs:    blobs,
		remote:   remote,
		bus:      bus,
		now:      time.Now,
		logger:   logger,
		activity: ActivityIdle,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.records = storage.NewRecordStore(blobs)
	s.log = actionlog.New(blobs, cfg.LoadRetryCeiling, logger.With("component", "actionlog"))
	s.index = index.New()
	s.deletion = deletion.New(cfg.Deletion, blobs, logger.With("component", "deletion"))
	s.conflicts = conflict.New(cfg.Conflict, s.now, logger.With("component", "conflict"))
	s.diff = remotediff.New(cfg.Diff, s.index, s.records, s.now, logger.With("component", "remotediff"))
	return s
}

// Open loads every persisted collection and builds the index.
func (s *SyncService) Open(ctx context.Context) error {
	if err := s.records.Load(); err != nil {
		return err
	}
	dropped, err := s.log.Load()
	if err != nil {
		return err
	}
	if dropped > 0 {
		s.logger.Warn("dropped actions past retry ceiling", "count", dropped)
	}
	if err := s.deletion.Load(); err != nil {
		return err
	}
	var st syncState
	if _, err := storage.LoadJSON(s.blobs, storage.KeySyncState, &st); err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	stats, err := s.index.Rebuild(ctx, s.records.All(), index.RebuildOptions{Idle: true})
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	s.logger.Info("sync state loaded",
		"records", s.records.Len(), "actions", s.log.Len(), "round", st.Round, "indexed", stats.Indexed)
	return nil
}

// SetActivity records the latest busy/idle hint.
func (s *SyncService) SetActivity(a Activity) error {
	if a != ActivityBusy && a != ActivityIdle {
		return fmt.Errorf("unknown activity %q", a)
	}
	s.mu.Lock()
	s.activity = a
	s.mu.Unlock()
	return nil
}

func (s *SyncService) Activity() Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// Bus returns the notification bus the service publishes to.
func (s *SyncService) Bus() *notify.Bus {
	return s.bus
}

// RunCycle runs one sync cycle. Concurrent calls return immediately with
// Skipped set. Context cancellation stops the cycle between remote calls;
// work done so far is persisted.
func (s *SyncService) RunCycle(ctx context.Context, opts CycleOptions) (*CycleResult, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	res := &CycleResult{Trigger: opts.Trigger, StartedAt: s.now()}

	if !s.running.CompareAndSwap(false, true) {
		res.Skipped = SkipRunning
		return res, nil
	}
	defer s.running.Store(false)

	if last := s.lastCycleEnd(); !last.IsZero() && res.StartedAt.Sub(last) < s.cfg.Debounce {
		res.Skipped = SkipDebounced
		return res, nil
	}
	if !s.remote.IsAuthenticated() {
		res.Skipped = SkipUnauthenticated
		return res, nil
	}
	if opts.Activity == "" {
		opts.Activity = s.Activity()
	}

	batch := notify.NewBatch()
	s.ensureIndex(ctx, opts)

	superseded, err := s.log.Consolidate()
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	res.Superseded = superseded
	if superseded > 0 {
		s.logger.Debug("consolidated action log", "superseded", superseded)
	}

	attempted := s.push(ctx, res, batch)
	switch {
	case opts.Trigger == TriggerTimer && attempted > 0:
		res.EarlyExit = true
	case ctx.Err() != nil:
	default:
		if opts.SkipPull {
			res.PullSkipped = true
		} else {
			s.pull(ctx, opts, res)
		}
		s.reconcile(res, batch)
	}

	s.cleanup(res, batch)
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("sync cycle interrupted: %w", err)
	}
	return res, nil
}

// ensureIndex rebuilds the index on detected inconsistency and finishes a
// deferred rebuild when the caller is idle.
func (s *SyncService) ensureIndex(ctx context.Context, opts CycleOptions) {
	idle := opts.Activity == ActivityIdle
	switch {
	case s.index.NeedsRebuild(s.records.Len()):
		s.logger.Warn("index empty while records exist, rebuilding", "records", s.records.Len())
		if _, err := s.index.Rebuild(ctx, s.records.All(), index.RebuildOptions{Visible: opts.Visible, Idle: idle}); err != nil {
			s.logger.Warn("index rebuild interrupted", "error", err)
		}
	case idle && s.index.Rebuilding():
		if _, err := s.index.Resume(ctx); err != nil {
			s.logger.Warn("index rebuild interrupted", "error", err)
		}
	}
}

func (s *SyncService) cleanup(res *CycleResult, batch *notify.Batch) {
	now := s.now()

	removed, err := s.log.Cleanup(s.cfg.MaxRetries)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	res.CleanedUp = removed
	if s.cfg.TombstoneTTL > 0 {
		res.TombstonesPruned = s.records.PruneTombstones(now.Add(-s.cfg.TombstoneTTL))
	}
	s.log.ForgetEditsBefore(now.Add(-2 * s.cfg.Deletion.RecentEditGrace))

	if err := s.records.Save(); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	if err := s.deletion.Save(); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	res.FinishedAt = s.now()
	s.mu.Lock()
	s.state.LastCycleEnd = res.FinishedAt
	st := s.state
	s.last = res
	s.mu.Unlock()
	if err := storage.SaveJSON(s.blobs, storage.KeySyncState, st); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("save sync state: %v", err))
	}

	res.Affected = batch.IDs()
	batch.Flush(s.bus, res.FinishedAt)
	s.bus.Publish(notify.Notification{
		Kind: notify.CycleCompleted,
		IDs:  res.Affected,
		At:   res.FinishedAt,
		Extra: map[string]string{
			"trigger": string(res.Trigger),
			"round":   fmt.Sprint(res.Round),
		},
	})

	s.logger.Info("sync cycle finished",
		"trigger", res.Trigger, "round", res.Round, "pushed", res.Pushed, "push_failed", res.PushFailed,
		"fetched", res.Fetched, "remote_actions", res.RemoteActions, "applied", res.Applied,
		"confirmed_deletions", res.Confirmed, "conflicts", res.Conflicts, "early_exit", res.EarlyExit,
		"duration", res.FinishedAt.Sub(res.StartedAt))
}

func (s *SyncService) lastCycleEnd() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastCycleEnd
}

func (s *SyncService) nextRound() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Round++
	return s.state.Round
}

// Status is a point-in-time summary for operators.
type Status struct {
	Running       bool                       `json:"running"`
	Activity      Activity                   `json:"activity"`
	Round         int64                      `json:"round"`
	Records       int                        `json:"records"`
	Tombstones    int                        `json:"tombstones"`
	PendingLocal  int                        `json:"pending_local"`
	PendingRemote int                        `json:"pending_remote"`
	Candidates    []domain.DeletionCandidate `json:"deletion_candidates"`
	Conflicts     int                        `json:"conflicts"`
	LastCycle     *CycleResult               `json:"last_cycle,omitempty"`
}

func (s *SyncService) Status() Status {
	s.mu.Lock()
	round, activity, last := s.state.Round, s.activity, s.last
	s.mu.Unlock()

	return Status{
		Running:       s.running.Load(),
		Activity:      activity,
		Round:         round,
		Records:       s.records.Len(),
		Tombstones:    s.records.TombstoneCount(),
		PendingLocal:  len(s.log.DrainPendingLocal()),
		PendingRemote: len(s.log.DrainPendingRemote()),
		Candidates:    s.deletion.Candidates(),
		Conflicts:     len(s.conflicts.Pending()),
		LastCycle:     last,
	}
}

// PruneTombstones drops tombstones older than the configured TTL.
func (s *SyncService) PruneTombstones() (int, error) {
	if s.cfg.TombstoneTTL <= 0 {
		return 0, nil
	}
	n := s.records.PruneTombstones(s.now().Add(-s.cfg.TombstoneTTL))
	if n == 0 {
		return 0, nil
	}
	return n, s.records.Save()
}
