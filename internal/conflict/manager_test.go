package conflict

import (
	"testing"
	"time"

	"github.com/tazhate/calsync/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func newManager() (*Manager, *clock) {
	c := &clock{t: t0}
	return New(DefaultConfig(), c.now, nil), c
}

func act(origin domain.Origin, entity string, at time.Time) *domain.Action {
	return domain.NewAction(domain.ActionUpdate, origin, entity, &domain.Record{ID: entity}, nil, at)
}

func TestLockExpires(t *testing.T) {
	m, c := newManager()
	m.Lock("a")
	if !m.IsLocked("a") {
		t.Fatal("entity should be locked")
	}
	c.t = t0.Add(11 * time.Second)
	if !m.IsLocked("a") {
		t.Fatal("lock released before TTL")
	}
	c.t = t0.Add(12 * time.Second)
	if m.IsLocked("a") {
		t.Fatal("lock still held after TTL")
	}
}

func TestUnlock(t *testing.T) {
	m, _ := newManager()
	m.Lock("a")
	m.Unlock("a")
	if m.IsLocked("a") {
		t.Fatal("entity still locked")
	}
}

func TestLaterActionWins(t *testing.T) {
	m, _ := newManager()

	tests := []struct {
		name    string
		local   time.Time
		remote  time.Time
		outcome Outcome
		winner  domain.Origin
	}{
		{"local later", t0.Add(10 * time.Second), t0, OutcomeLocalWins, domain.OriginLocal},
		{"remote later", t0, t0.Add(10 * time.Second), OutcomeRemoteWins, domain.OriginRemote},
		{"outside window", t0, t0.Add(5 * time.Minute), OutcomeStale, domain.OriginRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := act(domain.OriginLocal, "e", tt.local)
			remote := act(domain.OriginRemote, "e", tt.remote)
			got := m.Resolve([]*domain.Action{local, remote})
			if len(got) != 1 {
				t.Fatalf("resolutions = %d, want 1", len(got))
			}
			if got[0].Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", got[0].Outcome, tt.outcome)
			}
			if got[0].Winner.Origin != tt.winner {
				t.Errorf("winner = %s, want %s", got[0].Winner.Origin, tt.winner)
			}
			if got[0].Loser == nil || got[0].Loser.Origin == tt.winner {
				t.Errorf("loser = %+v", got[0].Loser)
			}
		})
	}
}

func TestOneSidedEntitiesAreIgnored(t *testing.T) {
	m, _ := newManager()
	got := m.Resolve([]*domain.Action{
		act(domain.OriginLocal, "a", t0),
		act(domain.OriginRemote, "b", t0),
	})
	if len(got) != 0 {
		t.Fatalf("resolutions = %+v, want none", got)
	}
}

func TestSynchronizedActionsAreIgnored(t *testing.T) {
	m, _ := newManager()
	remote := act(domain.OriginRemote, "a", t0)
	remote.Synchronized = true
	if got := m.Resolve([]*domain.Action{act(domain.OriginLocal, "a", t0), remote}); len(got) != 0 {
		t.Fatalf("resolutions = %+v, want none", got)
	}
}

func TestTieQueuedForManualResolution(t *testing.T) {
	m, _ := newManager()
	local := act(domain.OriginLocal, "a", t0)
	remote := act(domain.OriginRemote, "a", t0.Add(300*time.Millisecond))

	got := m.Resolve([]*domain.Action{local, remote})
	if len(got) != 1 || got[0].Outcome != OutcomeManual {
		t.Fatalf("resolutions = %+v, want manual", got)
	}
	if got[0].Winner != nil || got[0].Loser != nil {
		t.Error("manual outcome must not pick a side")
	}
	if !m.IsHeld("a") {
		t.Fatal("entity should be held")
	}
	pending := m.Pending()
	if len(pending) != 1 || pending[0].Local.ID != local.ID || pending[0].Remote.ID != remote.ID {
		t.Fatalf("pending = %+v", pending)
	}

	// A held entity stays manual even when a clear winner shows up.
	newer := act(domain.OriginRemote, "a", t0.Add(30*time.Second))
	got = m.Resolve([]*domain.Action{local, newer})
	if got[0].Outcome != OutcomeManual {
		t.Fatalf("held entity outcome = %s", got[0].Outcome)
	}
	if m.Pending()[0].Remote.ID != newer.ID {
		t.Error("queued conflict should track the newest remote action")
	}

	res, err := m.ResolveManual("a", domain.OriginLocal)
	if err != nil {
		t.Fatalf("resolve manual: %v", err)
	}
	if res.Winner.ID != local.ID || res.Loser.ID != newer.ID {
		t.Errorf("manual resolution = %+v", res)
	}
	if m.IsHeld("a") {
		t.Error("entity still held after manual resolution")
	}
}

func TestResolveManualErrors(t *testing.T) {
	m, _ := newManager()
	if _, err := m.ResolveManual("missing", domain.OriginLocal); err == nil {
		t.Error("expected error for unknown conflict")
	}

	m.Resolve([]*domain.Action{act(domain.OriginLocal, "a", t0), act(domain.OriginRemote, "a", t0)})
	if _, err := m.ResolveManual("a", domain.Origin("sideways")); err == nil {
		t.Error("expected error for unknown side")
	}
	if !m.IsHeld("a") {
		t.Error("failed resolution released the conflict")
	}
}
