package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/service"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04"
)

type EventRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Start       string `json:"start"` // RFC 3339, YYYY-MM-DD HH:MM or YYYY-MM-DD
	End         string `json:"end"`
	AllDay      bool   `json:"all_day"`
	Tag         string `json:"tag"`
	Calendar    string `json:"calendar"`
}

type EventResponse struct {
	ID          string `json:"id"`
	ExternalID  string `json:"external_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end"`
	AllDay      bool   `json:"all_day"`
	Tag         string `json:"tag,omitempty"`
	Calendar    string `json:"calendar,omitempty"`
	SyncState   string `json:"sync_state"`
	UpdatedAt   string `json:"updated_at"`
}

// parseTime accepts RFC 3339 or the short local layouts. The bool reports a
// date without time of day.
func (s *Server) parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, false, nil
	}
	if len(v) == len(dateLayout) {
		t, err := time.ParseInLocation(dateLayout, v, s.cfg.Location)
		return t, true, err
	}
	t, err := time.ParseInLocation(dateTimeLayout, v, s.cfg.Location)
	return t, false, err
}

func (s *Server) decodeEvent(r *http.Request) (service.EventInput, error) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return service.EventInput{}, errors.New("invalid JSON")
	}
	in := service.EventInput{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		AllDay:      req.AllDay,
		TagRef:      req.Tag,
		CalendarRef: req.Calendar,
	}
	if req.Start == "" {
		return in, errors.New("start is required")
	}
	start, dateOnly, err := s.parseTime(req.Start)
	if err != nil {
		return in, errors.New("invalid start format (use RFC 3339, YYYY-MM-DD or YYYY-MM-DD HH:MM)")
	}
	in.Start = start
	if dateOnly {
		in.AllDay = true
	}
	if req.End != "" {
		if in.End, _, err = s.parseTime(req.End); err != nil {
			return in, errors.New("invalid end format")
		}
	}
	return in, nil
}

func (s *Server) toResponse(r *domain.Record) EventResponse {
	layout := time.RFC3339
	if r.AllDay {
		layout = dateLayout
	}
	return EventResponse{
		ID:          r.ID,
		ExternalID:  r.ExternalID,
		Title:       r.Title,
		Description: r.Description,
		Location:    r.Location,
		Start:       r.Start.In(s.cfg.Location).Format(layout),
		End:         r.End.In(s.cfg.Location).Format(layout),
		AllDay:      r.AllDay,
		Tag:         r.TagRef,
		Calendar:    r.CalendarRef,
		SyncState:   string(r.SyncState),
		UpdatedAt:   r.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrRecordNotFound):
		s.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidRecord):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

// GET /api/events?from=YYYY-MM-DD&to=YYYY-MM-DD - list events, next 7 days by default
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	now := time.Now().In(s.cfg.Location)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.cfg.Location)
	to := from.AddDate(0, 0, 7)

	if v := r.URL.Query().Get("from"); v != "" {
		t, _, err := s.parseTime(v)
		if err != nil {
			s.jsonError(w, "invalid from", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, _, err := s.parseTime(v)
		if err != nil {
			s.jsonError(w, "invalid to", http.StatusBadRequest)
			return
		}
		to = t
	}
	if !to.After(from) {
		s.jsonError(w, "to must be after from", http.StatusBadRequest)
		return
	}

	records := s.events.ListRange(from, to)
	out := make([]EventResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, s.toResponse(rec))
	}
	s.jsonResponse(w, http.StatusOK, out)
}

// POST /api/events - create event
func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeEvent(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.events.CreateEvent(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, s.toResponse(rec))
}

// GET /api/events/{id}
func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.events.Get(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.toResponse(rec))
}

// PUT /api/events/{id} - replace editable fields
func (s *Server) updateEvent(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeEvent(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.events.UpdateEvent(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.toResponse(rec))
}

// DELETE /api/events/{id}
func (s *Server) deleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.events.DeleteEvent(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"deleted": id})
}

// POST /api/sync?skip_pull=true - run a cycle now
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	opts := service.CycleOptions{Trigger: service.TriggerManual}
	if r.URL.Query().Get("skip_pull") == "true" {
		opts.Trigger = service.TriggerReconnect
		opts.SkipPull = true
	}
	res, err := s.engine.RunCycle(r.Context(), opts)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if !res.Ran() {
		status = http.StatusAccepted
	}
	s.jsonResponse(w, status, res)
}

// POST /api/activity {"activity": "busy"|"idle"}
func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Activity string `json:"activity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	a := service.Activity(strings.ToLower(strings.TrimSpace(req.Activity)))
	if err := s.engine.SetActivity(a); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"activity": string(a)})
}

// GET /api/conflicts
func (s *Server) conflicts(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.engine.Conflicts())
}

// POST /api/conflicts/{id} {"winner": "local"|"remote"}
func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Winner string `json:"winner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	winner := domain.Origin(req.Winner)
	if winner != domain.OriginLocal && winner != domain.OriginRemote {
		s.jsonError(w, fmt.Sprintf("winner must be %q or %q", domain.OriginLocal, domain.OriginRemote), http.StatusBadRequest)
		return
	}

	res, err := s.engine.ResolveConflict(r.PathValue("id"), winner)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"entity_id": res.EntityID,
		"outcome":   string(res.Outcome),
	})
}

// GET /api/status
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.engine.Status())
}
