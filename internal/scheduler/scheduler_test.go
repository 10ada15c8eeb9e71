package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tazhate/calsync/internal/service"
)

type fakeSyncer struct {
	mu      sync.Mutex
	cycles  []service.CycleOptions
	prunes  int
	cycleCh chan struct{}
	err     error
}

func (f *fakeSyncer) RunCycle(_ context.Context, opts service.CycleOptions) (*service.CycleResult, error) {
	f.mu.Lock()
	f.cycles = append(f.cycles, opts)
	f.mu.Unlock()
	if f.cycleCh != nil {
		select {
		case f.cycleCh <- struct{}{}:
		default:
		}
	}
	return &service.CycleResult{Trigger: opts.Trigger}, f.err
}

func (f *fakeSyncer) PruneTombstones() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes++
	return 2, f.err
}

func TestTimerCycleUsesTimerTrigger(t *testing.T) {
	f := &fakeSyncer{}
	s := New(Config{}, f, nil)
	s.timerCycle()
	s.pruneTombstones()

	if len(f.cycles) != 1 || f.cycles[0].Trigger != service.TriggerTimer {
		t.Fatalf("cycles = %+v", f.cycles)
	}
	if f.prunes != 1 {
		t.Fatalf("prunes = %d", f.prunes)
	}

	f.err = errors.New("boom")
	s.timerCycle()
	s.pruneTombstones()
}

func TestStartRunsJobsUntilCancelled(t *testing.T) {
	f := &fakeSyncer{cycleCh: make(chan struct{}, 1)}
	s := New(Config{SyncSpec: "@every 1s"}, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-f.cycleCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no timer cycle within 5s")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(Config{SyncSpec: "whenever"}, &fakeSyncer{}, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for bad cron spec")
	}
}
