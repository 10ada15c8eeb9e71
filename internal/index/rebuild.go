package index

import (
	"context"
	"runtime"
	"time"

	"github.com/tazhate/calsync/internal/domain"
)

const (
	DefaultBatchSize   = 200
	DefaultSliceBudget = 10 * time.Millisecond
	minBatchSize       = 10
)

// RebuildOptions controls a full rebuild.
type RebuildOptions struct {
	// Visible ids are indexed first.
	Visible map[string]bool
	// Idle allows the remaining records to be indexed now. Without it they
	// wait for Resume.
	Idle bool

	BatchSize   int
	SliceBudget time.Duration
}

// RebuildStats describes what a rebuild call did.
type RebuildStats struct {
	Indexed   int
	Batches   int
	Remaining int
	BatchSize int
}

type rebuildState struct {
	queue     []*domain.Record
	batchSize int
	budget    time.Duration
}

// Rebuild replaces the index contents with records, in batches. Between
// batches it yields the processor and checks ctx; on cancellation the
// unprocessed records stay queued for Resume.
func (ix *Index) Rebuild(ctx context.Context, records []*domain.Record, opts RebuildOptions) (RebuildStats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.SliceBudget <= 0 {
		opts.SliceBudget = DefaultSliceBudget
	}

	visible := make([]*domain.Record, 0, len(opts.Visible))
	rest := make([]*domain.Record, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		if opts.Visible[r.ID] {
			visible = append(visible, r)
		} else {
			rest = append(rest, r)
		}
	}

	ix.mu.Lock()
	ix.byID = make(map[string]*domain.Record, len(records))
	ix.byExternal = make(map[string]*domain.Record, len(records))
	ix.rebuild = &rebuildState{
		queue:     append(visible, rest...),
		batchSize: opts.BatchSize,
		budget:    opts.SliceBudget,
	}
	ix.mu.Unlock()

	stats, err := ix.drain(ctx, len(visible))
	if err != nil || !opts.Idle {
		return stats, err
	}
	more, err := ix.drain(ctx, -1)
	return mergeStats(stats, more), err
}

// Resume continues an unfinished rebuild. Call it when the system is idle.
func (ix *Index) Resume(ctx context.Context) (RebuildStats, error) {
	return ix.drain(ctx, -1)
}

// Rebuilding reports whether records are still queued.
func (ix *Index) Rebuilding() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.rebuild != nil && len(ix.rebuild.queue) > 0
}

// drain indexes up to limit queued records (all when limit < 0). The first
// batch of each call is timed against the slice budget.
func (ix *Index) drain(ctx context.Context, limit int) (RebuildStats, error) {
	var stats RebuildStats
	for {
		if err := ctx.Err(); err != nil {
			stats.Remaining = ix.queued()
			return stats, err
		}
		if limit == 0 {
			break
		}

		ix.mu.Lock()
		st := ix.rebuild
		if st == nil || len(st.queue) == 0 {
			ix.rebuild = nil
			ix.mu.Unlock()
			break
		}
		n := st.batchSize
		if limit > 0 && n > limit {
			n = limit
		}
		if n > len(st.queue) {
			n = len(st.queue)
		}
		started := time.Now()
		for _, r := range st.queue[:n] {
			ix.putLocked(r.Clone())
		}
		st.queue = st.queue[n:]
		elapsed := time.Since(started)
		if stats.Batches == 0 && elapsed > st.budget {
			st.batchSize = shrink(st.batchSize, st.budget, elapsed)
		}
		stats.BatchSize = st.batchSize
		ix.mu.Unlock()

		stats.Indexed += n
		stats.Batches++
		if limit > 0 {
			limit -= n
		}
		runtime.Gosched()
	}
	stats.Remaining = ix.queued()
	return stats, nil
}

func (ix *Index) queued() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.rebuild == nil {
		return 0
	}
	return len(ix.rebuild.queue)
}

// shrink scales size by budget/elapsed.
func shrink(size int, budget, elapsed time.Duration) int {
	n := int(float64(size) * float64(budget) / float64(elapsed))
	if n < minBatchSize {
		n = minBatchSize
	}
	if n > size {
		n = size
	}
	return n
}

func mergeStats(a, b RebuildStats) RebuildStats {
	a.Indexed += b.Indexed
	a.Batches += b.Batches
	a.Remaining = b.Remaining
	if b.BatchSize > 0 {
		a.BatchSize = b.BatchSize
	}
	return a
}
