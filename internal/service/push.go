package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/notify"
	"github.com/tazhate/calsync/internal/provenance"
)

// push dispatches every pending local action and returns how many it tried.
func (s *SyncService) push(ctx context.Context, res *CycleResult, batch *notify.Batch) int {
	attempted := 0
	for _, a := range s.log.DrainPendingLocal() {
		if ctx.Err() != nil {
			break
		}
		if s.conflicts.IsHeld(a.EntityID) {
			res.Held++
			continue
		}
		attempted++

		var err error
		switch a.Kind {
		case domain.ActionCreate:
			err = s.pushCreate(ctx, a.EntityID, batch)
		case domain.ActionUpdate:
			err = s.pushUpdate(ctx, a.EntityID, batch)
		case domain.ActionDelete:
			err = s.pushDelete(ctx, a)
		default:
			err = fmt.Errorf("unknown action kind %q", a.Kind)
		}
		if err != nil {
			s.failAction(a, err, res)
			continue
		}
		if err := s.log.MarkSynchronized(a.ID); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Pushed++
	}
	return attempted
}

// pushCreate creates the remote copy of a record. A record that is already
// linked is not created again.
func (s *SyncService) pushCreate(ctx context.Context, entityID string, batch *notify.Batch) error {
	rec := s.records.Get(entityID)
	if rec == nil {
		return nil
	}
	if rec.IsLinked() {
		if rec.SyncState != domain.SyncStateSynced {
			s.mutate(entityID, func(r *domain.Record) { r.SyncState = domain.SyncStateSynced })
		}
		return nil
	}

	calendar, err := s.targetCalendar(ctx, rec)
	if err != nil {
		return err
	}

	stamped := provenance.Stamp(rec.Description, domain.OriginLocal, rec.CreatedAt)
	if stamped != rec.Description {
		rec = s.mutate(entityID, func(r *domain.Record) { r.Description = stamped })
		if rec == nil {
			return nil
		}
	}

	id, err := s.remote.CreateEvent(ctx, calendar, domain.DataFromRecord(rec))
	if err != nil {
		return fmt.Errorf("create remote event: %w", err)
	}

	linked := s.mutate(entityID, func(r *domain.Record) {
		r.ExternalID = id
		r.CalendarRef = calendar
		r.SyncState = domain.SyncStateSynced
		r.UpdatedAt = s.now()
	})
	if linked == nil {
		// Deleted locally while the create was in flight.
		if _, err := s.remote.DeleteEvent(ctx, id); err != nil {
			s.logger.Warn("remove orphaned remote event", "external_id", id, "error", err)
		}
		return nil
	}
	batch.Add(notify.RecordUpdated, entityID)
	s.logger.Debug("pushed create", "entity", entityID, "external_id", id, "calendar", calendar)
	return nil
}

func (s *SyncService) pushUpdate(ctx context.Context, entityID string, batch *notify.Batch) error {
	rec := s.records.Get(entityID)
	if rec == nil {
		return nil
	}
	if !rec.IsLinked() {
		return s.pushCreate(ctx, entityID, batch)
	}

	s.conflicts.Lock(entityID)
	annotated := provenance.AnnotateEdit(rec.Description, domain.OriginLocal, rec.UpdatedAt)
	if annotated != rec.Description {
		rec = s.mutate(entityID, func(r *domain.Record) { r.Description = annotated })
		if rec == nil {
			return nil
		}
	}

	ok, err := s.remote.UpdateEvent(ctx, rec.ExternalID, domain.FullPatch(rec))
	if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrTransient) {
		s.logger.Warn("full update failed, retrying with title and description", "entity", entityID, "error", err)
		ok, err = s.remote.UpdateEvent(ctx, rec.ExternalID, domain.MinimalPatch(rec))
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.mutate(entityID, func(r *domain.Record) { r.SyncState = domain.SyncStateConflict })
			batch.Add(notify.RecordUpdated, entityID)
			return fmt.Errorf("update remote event: %w", err)
		}
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("update remote event: %w", err)
	}

	if !ok || errors.Is(err, domain.ErrNotFound) {
		s.logger.Info("remote copy gone, re-creating", "entity", entityID, "external_id", rec.ExternalID)
		if s.mutate(entityID, func(r *domain.Record) { r.ExternalID = "" }) == nil {
			s.conflicts.Unlock(entityID)
			return nil
		}
		if err := s.pushCreate(ctx, entityID, batch); err != nil {
			return err
		}
		s.conflicts.Unlock(entityID)
		return nil
	}

	s.mutate(entityID, func(r *domain.Record) {
		r.SyncState = domain.SyncStateSynced
		r.UpdatedAt = s.now()
	})
	// The remote copy now carries the edit; a failed push keeps the lock until it expires.
	s.conflicts.Unlock(entityID)
	batch.Add(notify.RecordUpdated, entityID)
	return nil
}

// pushDelete removes the remote copy. The record itself is already gone
// locally, so the external id comes from the action payload.
func (s *SyncService) pushDelete(ctx context.Context, a *domain.Action) error {
	if a.Payload == nil || a.Payload.ExternalID == "" {
		return nil
	}
	if _, err := s.remote.DeleteEvent(ctx, a.Payload.ExternalID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete remote event: %w", err)
	}
	return nil
}

// targetCalendar picks the calendar a new remote copy goes to, falling back
// to the default calendar when the chosen one no longer exists.
func (s *SyncService) targetCalendar(ctx context.Context, rec *domain.Record) (string, error) {
	ref := rec.CalendarRef
	if ref == "" && rec.TagRef != "" && s.tags != nil {
		ref, _ = s.tags.ResolveCalendarForTag(rec.TagRef)
	}
	if ref == "" || ref == s.cfg.DefaultCalendar {
		if s.cfg.DefaultCalendar == "" {
			return "", errors.New("no target calendar configured")
		}
		return s.cfg.DefaultCalendar, nil
	}

	exists, err := s.remote.CalendarExists(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("check calendar %s: %w", ref, err)
	}
	if exists {
		return ref, nil
	}
	if s.cfg.DefaultCalendar == "" {
		return "", fmt.Errorf("calendar %s does not exist and no default is configured", ref)
	}

	s.logger.Warn("calendar missing, using default", "entity", rec.ID, "calendar", ref, "default", s.cfg.DefaultCalendar)
	s.bus.Publish(notify.Notification{
		Kind:     notify.CalendarFallback,
		EntityID: rec.ID,
		Message:  fmt.Sprintf("calendar %s not found, event placed in %s", ref, s.cfg.DefaultCalendar),
		Extra:    map[string]string{"requested": ref, "fallback": s.cfg.DefaultCalendar},
		At:       s.now(),
	})
	return s.cfg.DefaultCalendar, nil
}

func (s *SyncService) failAction(a *domain.Action, cause error, res *CycleResult) {
	res.PushFailed++
	res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", a.Kind, a.EntityID, cause))

	retries, err := s.log.MarkFailed(a.ID, cause)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	s.logger.Warn("push failed", "action", a.ID, "entity", a.EntityID, "kind", a.Kind, "retries", retries, "error", cause)

	if s.cfg.FailureNotifyEvery > 0 && retries%s.cfg.FailureNotifyEvery == 0 {
		s.bus.Publish(notify.Notification{
			Kind:     notify.SyncFailure,
			EntityID: a.EntityID,
			Message:  fmt.Sprintf("%s failed %d times: %v", a.Kind, retries, cause),
			Extra:    map[string]string{"kind": string(a.Kind), "retries": fmt.Sprint(retries)},
			At:       s.now(),
		})
	}
}

// mutate applies fn to the stored record, keeps the index in step and
// persists. It returns the new version, or nil when the record is gone.
func (s *SyncService) mutate(entityID string, fn func(r *domain.Record)) *domain.Record {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	cur := s.records.Get(entityID)
	if cur == nil {
		return nil
	}
	prev := cur.Clone()
	fn(cur)
	s.records.Put(cur)
	s.index.Put(cur, prev)
	if err := s.records.Save(); err != nil {
		s.logger.Error("persist record", "entity", entityID, "error", err)
	}
	return cur
}
