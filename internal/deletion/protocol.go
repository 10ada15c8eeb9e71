// Package deletion guards against deleting local records that are only
// missing from a partial remote snapshot. A record must be missing from two
// rounds, with enough wall-clock time between them, before it is deleted.
package deletion

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/storage"
)

// Config holds the confirmation thresholds.
type Config struct {
	MinConfirmDelay  time.Duration `yaml:"min_confirm_delay"`
	PerBatchDelay    time.Duration `yaml:"per_batch_delay"`
	BaseConfirmDelay time.Duration `yaml:"base_confirm_delay"`
	MaxRounds        int64         `yaml:"max_rounds"`
	MaxAge           time.Duration `yaml:"max_age"`
	RecentEditGrace  time.Duration `yaml:"recent_edit_grace"`
}

func DefaultConfig() Config {
	return Config{
		MinConfirmDelay:  60 * time.Second,
		PerBatchDelay:    800 * time.Millisecond,
		BaseConfirmDelay: 30 * time.Second,
		MaxRounds:        10,
		MaxAge:           10 * time.Minute,
		RecentEditGrace:  30 * time.Second,
	}
}

// Floor is the minimum time a record must stay missing before its deletion is
// confirmed, given how many batches the snapshot was fetched in.
func (c Config) Floor(batchCount int) time.Duration {
	dynamic := time.Duration(batchCount)*c.PerBatchDelay + c.BaseConfirmDelay
	if dynamic > c.MinConfirmDelay {
		return dynamic
	}
	return c.MinConfirmDelay
}

// ScanInput is one round of evidence.
type ScanInput struct {
	Round       int64
	Now         time.Time
	Records     []*domain.Record
	Present     func(externalID string) bool
	WindowStart time.Time
	WindowEnd   time.Time
	BatchCount  int
	// LastEdit returns when the entity was last edited locally; zero if unknown.
	LastEdit func(entityID string) time.Time
}

// Confirmation is a remote deletion that passed the protocol.
type Confirmation struct {
	EntityID   string
	ExternalID string
	Candidate  domain.DeletionCandidate
}

// ScanStats counts what a scan did.
type ScanStats struct {
	Checked   int
	Created   int
	Cleared   int
	Expired   int
	Exempt    int
	Confirmed int
}

type Protocol struct {
	mu         sync.Mutex
	saveMu     sync.Mutex
	cfg        Config
	blobs      storage.BlobStore
	candidates map[string]*domain.DeletionCandidate
	logger     *slog.Logger
	lastStats  ScanStats
}

func New(cfg Config, blobs storage.BlobStore, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		cfg:        cfg,
		blobs:      blobs,
		candidates: make(map[string]*domain.DeletionCandidate),
		logger:     logger,
	}
}

func (p *Protocol) Load() error {
	var stored []domain.DeletionCandidate
	if _, err := storage.LoadJSON(p.blobs, storage.KeyDeletionCandidates, &stored); err != nil {
		return fmt.Errorf("load deletion candidates: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = make(map[string]*domain.DeletionCandidate, len(stored))
	for i := range stored {
		c := stored[i]
		p.candidates[c.EntityID] = &c
	}
	return nil
}

func (p *Protocol) Save() error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	if err := storage.SaveJSON(p.blobs, storage.KeyDeletionCandidates, p.Candidates()); err != nil {
		return fmt.Errorf("save deletion candidates: %w", err)
	}
	return nil
}

// Candidates returns the current candidates ordered by entity id.
func (p *Protocol) Candidates() []domain.DeletionCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.DeletionCandidate, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Forget drops the candidate for entityID, if any.
func (p *Protocol) Forget(entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.candidates, entityID)
}

// LastStats returns the counters of the most recent scan.
func (p *Protocol) LastStats() ScanStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStats
}

// Scan checks every linked record against the snapshot and returns the
// deletions confirmed in this round. Confirmed candidates are removed, so a
// record is confirmed once.
func (p *Protocol) Scan(in ScanInput) []Confirmation {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stats ScanStats
	known := make(map[string]bool, len(in.Records))
	for _, r := range in.Records {
		known[r.ID] = true
	}
	for id := range p.candidates {
		if !known[id] {
			delete(p.candidates, id)
		}
	}

	floor := p.cfg.Floor(in.BatchCount)
	var confirmed []Confirmation
	for _, r := range in.Records {
		if r.ExternalID == "" {
			continue
		}
		cand, isCand := p.candidates[r.ID]
		if !isCand && !r.Overlaps(in.WindowStart, in.WindowEnd) {
			continue
		}
		stats.Checked++

		if in.Present != nil && in.Present(r.ExternalID) {
			if isCand {
				delete(p.candidates, r.ID)
				stats.Cleared++
			}
			continue
		}

		if in.LastEdit != nil {
			if edited := in.LastEdit(r.ID); !edited.IsZero() && in.Now.Sub(edited) < p.cfg.RecentEditGrace {
				delete(p.candidates, r.ID)
				stats.Exempt++
				continue
			}
		}

		if !isCand || cand.ExternalID != r.ExternalID {
			p.candidates[r.ID] = newCandidate(r, in.Round, in.Now)
			stats.Created++
			continue
		}

		// Evidence older than MaxRounds/MaxAge never confirms; candidacy restarts.
		if p.expired(cand, in) {
			p.logger.Debug("deletion candidate expired", "entity", r.ID, "first_round", cand.FirstMissingRound, "last_round", cand.LastCheckRound)
			p.candidates[r.ID] = newCandidate(r, in.Round, in.Now)
			stats.Expired++
			continue
		}

		if in.Round-cand.FirstMissingRound >= 1 && in.Now.Sub(cand.FirstMissingTime) >= floor {
			delete(p.candidates, r.ID)
			confirmed = append(confirmed, Confirmation{EntityID: r.ID, ExternalID: r.ExternalID, Candidate: *cand})
			stats.Confirmed++
			continue
		}

		cand.LastCheckRound = in.Round
		cand.LastCheckTime = in.Now
	}

	p.lastStats = stats
	if stats.Confirmed > 0 || stats.Created > 0 {
		p.logger.Info("deletion scan",
			"round", in.Round, "checked", stats.Checked, "candidates", len(p.candidates),
			"created", stats.Created, "cleared", stats.Cleared, "confirmed", stats.Confirmed)
	}
	return confirmed
}

// expired reports whether the gap since the candidate was last seen missing
// exceeds MaxRounds rounds or MaxAge.
func (p *Protocol) expired(cand *domain.DeletionCandidate, in ScanInput) bool {
	return in.Round-cand.LastCheckRound > p.cfg.MaxRounds || in.Now.Sub(cand.LastCheckTime) > p.cfg.MaxAge
}

func newCandidate(r *domain.Record, round int64, now time.Time) *domain.DeletionCandidate {
	return &domain.DeletionCandidate{
		EntityID:          r.ID,
		ExternalID:        r.ExternalID,
		FirstMissingRound: round,
		FirstMissingTime:  now,
		LastCheckRound:    round,
		LastCheckTime:     now,
	}
}
