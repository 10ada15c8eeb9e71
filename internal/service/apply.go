package service

import (
	"context"
	"fmt"

	"github.com/tazhate/calsync/internal/conflict"
	"github.com/tazhate/calsync/internal/deletion"
	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/notify"
	"github.com/tazhate/calsync/internal/remotediff"
)

// pull fetches the remote window, diffs it and runs the deletion scan. The
// diff needs the whole index, so an unfinished rebuild is completed first.
func (s *SyncService) pull(ctx context.Context, opts CycleOptions, res *CycleResult) {
	if s.index.Rebuilding() {
		if _, err := s.index.Resume(ctx); err != nil {
			res.Incomplete = true
			return
		}
	}

	res.Round = s.nextRound()
	now := s.now()
	from := now.AddDate(0, 0, -s.cfg.PastDays)
	to := now.AddDate(0, 0, s.cfg.FutureDays)

	calendars := s.calendars()
	size := s.cfg.FetchBatchSize
	if size <= 0 {
		size = len(calendars)
	}

	var snapshot []remotediff.Pair
	for start := 0; start < len(calendars); start += size {
		end := min(start+size, len(calendars))
		res.Batches++
		for _, cal := range calendars[start:end] {
			if ctx.Err() != nil {
				res.Incomplete = true
				break
			}
			events, err := s.remote.ListEvents(ctx, cal, from, to)
			if err != nil {
				res.Incomplete = true
				res.Errors = append(res.Errors, fmt.Sprintf("list %s: %v", cal, err))
				s.logger.Warn("fetch remote calendar", "calendar", cal, "error", err)
				continue
			}
			for _, ev := range events {
				snapshot = append(snapshot, remotediff.Pair{Event: ev, CalendarRef: cal})
			}
		}
	}
	res.Fetched = len(snapshot)

	diff := s.diff.Diff(snapshot)
	for _, h := range diff.Healed {
		ext := h.ExternalID
		if s.mutate(h.ID, func(r *domain.Record) { r.ExternalID = ext }) != nil {
			res.Healed++
		}
	}
	for _, a := range diff.Actions {
		if _, err := s.log.Append(a); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.RemoteActions++
	}

	if opts.Activity != ActivityIdle || res.Incomplete {
		res.ScanSkipped = true
		return
	}
	confirmed := s.deletion.Scan(deletion.ScanInput{
		Round:       res.Round,
		Now:         now,
		Records:     s.records.All(),
		Present:     diff.Present,
		WindowStart: from,
		WindowEnd:   to,
		BatchCount:  res.Batches,
		LastEdit:    s.log.LastLocalEdit,
	})
	for _, c := range confirmed {
		rec := s.records.Get(c.EntityID)
		if rec == nil {
			continue
		}
		a := domain.NewAction(domain.ActionDelete, domain.OriginRemote, rec.ID, rec, nil, now)
		if _, err := s.log.Append(a); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Confirmed++
		res.RemoteActions++
	}
}

func (s *SyncService) calendars() []string {
	if len(s.cfg.Calendars) > 0 {
		return s.cfg.Calendars
	}
	if s.cfg.DefaultCalendar != "" {
		return []string{s.cfg.DefaultCalendar}
	}
	return nil
}

// reconcile arbitrates same-entity pairs, then applies the remote actions
// that are neither held nor blocked by an edit lock.
func (s *SyncService) reconcile(res *CycleResult, batch *notify.Batch) {
	for _, r := range s.conflicts.Resolve(s.log.Pending()) {
		if r.Outcome == conflict.OutcomeManual {
			res.Conflicts++
			s.flagConflict(r.EntityID, batch)
			continue
		}
		res.Arbitrated++
		s.settle(r, batch)
	}

	for _, a := range s.log.DrainPendingRemote() {
		if s.conflicts.IsHeld(a.EntityID) {
			continue
		}
		if a.Kind != domain.ActionCreate && s.conflicts.IsLocked(a.EntityID) {
			res.Deferred++
			continue
		}
		if s.apply(a, batch) {
			res.Applied++
		}
		if err := s.log.MarkSynchronized(a.ID); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}
}

// settle discards the losing action of an arbitrated pair.
func (s *SyncService) settle(r conflict.Resolution, batch *notify.Batch) {
	s.logger.Info("conflict resolved", "entity", r.EntityID, "outcome", r.Outcome,
		"winner", r.Winner.Origin, "winner_kind", r.Winner.Kind, "loser_kind", r.Loser.Kind)
	if err := s.log.MarkSynchronized(r.Loser.ID); err != nil {
		s.logger.Warn("discard losing action", "action", r.Loser.ID, "error", err)
	}
	if r.Winner.Origin == domain.OriginRemote && r.Loser.Kind == domain.ActionDelete && r.Winner.Kind != domain.ActionDelete {
		s.restore(r.Winner.Payload, batch)
	}
}

// restore brings back a locally deleted record whose remote edit won.
func (s *SyncService) restore(payload *domain.Record, batch *notify.Batch) {
	if payload == nil {
		return
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()
	if s.records.Get(payload.ID) != nil {
		return
	}
	rec := payload.Clone()
	rec.SyncState = domain.SyncStateSynced
	s.records.RemoveTombstone(rec.ID)
	s.records.Put(rec)
	s.index.Put(rec, nil)
	batch.Add(notify.RecordCreated, rec.ID)
}

func (s *SyncService) flagConflict(entityID string, batch *notify.Batch) {
	rec := s.records.Get(entityID)
	if rec == nil || rec.SyncState == domain.SyncStateConflict {
		return
	}
	s.mutate(entityID, func(r *domain.Record) { r.SyncState = domain.SyncStateConflict })
	batch.Add(notify.RecordUpdated, entityID)
	s.bus.Publish(notify.Notification{
		Kind:     notify.ConflictQueued,
		EntityID: entityID,
		Message:  fmt.Sprintf("local and remote changes to %q need manual resolution", rec.Title),
		At:       s.now(),
	})
}

// apply carries out one remote action locally and reports whether anything
// changed.
func (s *SyncService) apply(a *domain.Action, batch *notify.Batch) bool {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	switch a.Kind {
	case domain.ActionCreate:
		if a.Payload == nil {
			return false
		}
		if s.records.Get(a.EntityID) != nil || s.index.GetByExternal(a.Payload.ExternalID) != nil {
			return false
		}
		if s.records.IsTombstoned(a.EntityID, a.Payload.ExternalID) {
			return false
		}
		rec := a.Payload.Clone()
		s.records.Put(rec)
		s.index.Put(rec, nil)
		batch.Add(notify.RecordCreated, rec.ID)

	case domain.ActionUpdate:
		cur := s.records.Get(a.EntityID)
		if cur == nil || a.Payload == nil {
			return false
		}
		next := a.Payload.Clone()
		next.ID = cur.ID
		next.TagRef = cur.TagRef
		next.CreatedAt = cur.CreatedAt
		next.SyncState = domain.SyncStateSynced
		s.records.Put(next)
		s.index.Put(next, cur)
		batch.Add(notify.RecordUpdated, next.ID)

	case domain.ActionDelete:
		cur := s.records.Get(a.EntityID)
		if cur == nil {
			return false
		}
		s.records.Delete(cur.ID)
		s.index.Remove(cur)
		s.deletion.Forget(cur.ID)
		batch.Add(notify.RecordDeleted, cur.ID)
		s.logger.Info("record deleted remotely", "entity", cur.ID, "external_id", cur.ExternalID, "title", cur.Title)

	default:
		return false
	}
	return true
}

// ResolveConflict settles a queued conflict in favour of winner. The winning
// action runs with the next cycle.
func (s *SyncService) ResolveConflict(entityID string, winner domain.Origin) (conflict.Resolution, error) {
	r, err := s.conflicts.ResolveManual(entityID, winner)
	if err != nil {
		return r, err
	}
	batch := notify.NewBatch()
	s.settle(r, batch)

	state := domain.SyncStatePending
	if winner == domain.OriginRemote {
		state = domain.SyncStateSynced
	}
	if s.mutate(entityID, func(rec *domain.Record) { rec.SyncState = state }) != nil {
		batch.Add(notify.RecordUpdated, entityID)
	}
	if err := s.records.Save(); err != nil {
		return r, err
	}
	batch.Flush(s.bus, s.now())
	return r, nil
}

// Conflicts lists the conflicts waiting for manual resolution.
func (s *SyncService) Conflicts() []conflict.Conflict {
	return s.conflicts.Pending()
}
