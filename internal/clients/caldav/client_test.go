package caldav

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/tazhate/calsync/internal/domain"
)

var now = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func decode(t *testing.T, cal *ical.Calendar) *ical.Calendar {
	t.Helper()
	out, err := ical.NewDecoder(strings.NewReader(SerializeCalendar(cal))).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestEventRoundTrip(t *testing.T) {
	data := domain.EventData{
		Title:       "Dentist",
		Description: "bring card\n[calsync:created:local:2026-10-15T09:00:00Z]",
		Location:    "Main St 4",
		Start:       now.Add(24 * time.Hour),
		End:         now.Add(25 * time.Hour),
	}
	obj := &caldav.CalendarObject{
		Path: "/cal/home/abc.ics",
		Data: decode(t, eventToICS("abc", data, now)),
	}

	ev, err := toRemoteEvent(obj)
	if err != nil {
		t.Fatalf("toRemoteEvent: %v", err)
	}
	if ev.ID != obj.Path || ev.Title != data.Title || ev.Description != data.Description || ev.Location != data.Location {
		t.Errorf("event = %+v", ev)
	}
	if !ev.Start.Equal(data.Start) || !ev.End.Equal(data.End) || ev.AllDay {
		t.Errorf("times = %v..%v all-day=%v", ev.Start, ev.End, ev.AllDay)
	}
	if !ev.Created.Equal(now) || !ev.Updated.Equal(now) {
		t.Errorf("created = %v updated = %v", ev.Created, ev.Updated)
	}
}

func TestAllDayEvent(t *testing.T) {
	day := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	cal := decode(t, eventToICS("d1", domain.EventData{Title: "Holiday", Start: day, End: day.AddDate(0, 0, 1), AllDay: true}, now))

	ev, err := toRemoteEvent(&caldav.CalendarObject{Path: "/cal/home/d1.ics", Data: cal})
	if err != nil {
		t.Fatalf("toRemoteEvent: %v", err)
	}
	if !ev.AllDay || !ev.Start.Equal(day) || !ev.End.Equal(day.AddDate(0, 0, 1)) {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Description != "" || ev.Location != "" {
		t.Errorf("empty fields should stay empty: %+v", ev)
	}
}

func TestUpdatedFallsBackToModTime(t *testing.T) {
	cal := eventToICS("m1", domain.EventData{Title: "x", Start: now, End: now.Add(time.Hour)}, now)
	delete(firstEvent(cal).Props, ical.PropLastModified)
	mod := now.Add(time.Minute)

	ev, err := toRemoteEvent(&caldav.CalendarObject{Path: "/cal/home/m1.ics", ModTime: mod, Data: cal})
	if err != nil {
		t.Fatalf("toRemoteEvent: %v", err)
	}
	if !ev.Updated.Equal(mod) {
		t.Errorf("updated = %v, want %v", ev.Updated, mod)
	}
}

func TestToRemoteEventWithoutVEvent(t *testing.T) {
	cal := ical.NewCalendar()
	if _, err := toRemoteEvent(&caldav.CalendarObject{Path: "/x.ics", Data: cal}); err == nil {
		t.Error("expected error for calendar without VEVENT")
	}
	if _, err := toRemoteEvent(&caldav.CalendarObject{Path: "/y.ics"}); err == nil {
		t.Error("expected error for object without data")
	}
}

func TestApplyPatch(t *testing.T) {
	data := domain.EventData{
		Title:       "Review",
		Description: "agenda",
		Location:    "Room 2",
		Start:       now,
		End:         now.Add(time.Hour),
	}
	cal := eventToICS("p1", data, now)
	later := now.Add(10 * time.Minute)

	title := "Review v2"
	empty := ""
	if err := applyPatch(cal, domain.EventPatch{Title: &title, Location: &empty}, later); err != nil {
		t.Fatalf("applyPatch: %v", err)
	}
	ev, _ := toRemoteEvent(&caldav.CalendarObject{Path: "/p1.ics", Data: decode(t, cal)})
	if ev.Title != title || ev.Location != "" {
		t.Errorf("patched fields: %+v", ev)
	}
	if ev.Description != "agenda" || !ev.Start.Equal(now) || !ev.End.Equal(now.Add(time.Hour)) {
		t.Errorf("untouched fields changed: %+v", ev)
	}
	if !ev.Updated.Equal(later) {
		t.Errorf("updated = %v, want %v", ev.Updated, later)
	}
	if seq := firstEvent(cal).Props.Get(ical.PropSequence); seq == nil || seq.Value != "1" {
		t.Errorf("sequence = %+v", seq)
	}

	allDay := true
	if err := applyPatch(cal, domain.EventPatch{AllDay: &allDay}, later); err != nil {
		t.Fatalf("applyPatch: %v", err)
	}
	ev, _ = toRemoteEvent(&caldav.CalendarObject{Path: "/p1.ics", Data: cal})
	if !ev.AllDay {
		t.Error("all-day flag not applied")
	}
	if seq := firstEvent(cal).Props.Get(ical.PropSequence); seq.Value != "2" {
		t.Errorf("sequence = %s, want 2", seq.Value)
	}

	if err := applyPatch(ical.NewCalendar(), domain.EventPatch{Title: &title}, later); err == nil {
		t.Error("expected error without VEVENT")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("404 Not Found"), domain.ErrNotFound},
		{errors.New("401 Unauthorized"), domain.ErrUnauthenticated},
		{errors.New("503 Service Unavailable"), domain.ErrTransient},
		{fmt.Errorf("request: %w", context.DeadlineExceeded), domain.ErrTransient},
	}
	for _, tt := range tests {
		if got := classify("op", tt.err); !errors.Is(got, tt.want) {
			t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}

	plain := classify("op", errors.New("412 Precondition Failed"))
	for _, sentinel := range []error{domain.ErrNotFound, domain.ErrTransient, domain.ErrUnauthenticated} {
		if errors.Is(plain, sentinel) {
			t.Errorf("412 classified as %v", sentinel)
		}
	}
}

func TestClassifyReadsStatusOnlyFromHTTPErrors(t *testing.T) {
	refused := &url.Error{
		Op:  "Get",
		URL: "http://127.0.0.1:1/cal/home/3f404a1b-5010-4401-a500-000000000404.ics",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")},
	}
	got := classify("get event", refused)
	if !errors.Is(got, domain.ErrTransient) || errors.Is(got, domain.ErrNotFound) {
		t.Errorf("transport failure classified as %v", got)
	}
	if isNotFound(refused) {
		t.Error("status digits in the URL were read as a 404")
	}

	if got := classify("op", errors.New("parse /cal/a404b.ics: bad data")); errors.Is(got, domain.ErrNotFound) {
		t.Errorf("path digits classified as %v", got)
	}

	// Multi-status failures arrive as joined per-href errors.
	joined := errors.Join(fmt.Errorf("/cal/home/x.ics: %w", errors.New("404 Not Found")))
	if got := classify("op", joined); !errors.Is(got, domain.ErrNotFound) {
		t.Errorf("joined 404 classified as %v", got)
	}
}

func TestUpdateEventResponses(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", int(status.Load()))
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	title := "x"
	patch := domain.EventPatch{Title: &title}

	c := NewClient(srv.URL, "user", "pass")
	ok, err := c.UpdateEvent(ctx, "/cal/home/e1.ics", patch)
	if ok || err != nil {
		t.Fatalf("404: ok=%v err=%v, want false and nil", ok, err)
	}

	status.Store(http.StatusServiceUnavailable)
	ok, err = c.UpdateEvent(ctx, "/cal/home/e1.ics", patch)
	if ok || !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("503: ok=%v err=%v, want transient", ok, err)
	}

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	c = NewClient(down.URL, "user", "pass")
	ok, err = c.UpdateEvent(ctx, "/cal/home/3f404a1b-0401-4500-a404-000000000000.ics", patch)
	if ok || !errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unreachable server: ok=%v err=%v, want transient", ok, err)
	}
}

func TestCreateEventReusesRecordObject(t *testing.T) {
	var (
		mu   sync.Mutex
		puts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		puts = append(puts, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "user", "pass")
	data := domain.EventData{UID: "rec-1", Title: "Dentist", Start: now, End: now.Add(time.Hour)}
	first, err := c.CreateEvent(context.Background(), "/cal/home/", data)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := c.CreateEvent(context.Background(), "/cal/home/", data)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if first != "/cal/home/rec-1.ics" || second != first {
		t.Errorf("paths = %q, %q", first, second)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(puts) != 2 || puts[0] != puts[1] {
		t.Errorf("puts = %v, want the same object twice", puts)
	}

	if uid, path := createTarget("/cal/home", domain.EventData{}); uid == "" || path != "/cal/home/"+uid+".ics" {
		t.Errorf("createTarget without UID = %q, %q", uid, path)
	}
}

func TestPaths(t *testing.T) {
	if got := objectPath("/cal/home", "u1"); got != "/cal/home/u1.ics" {
		t.Errorf("objectPath = %q", got)
	}
	if got := objectPath("/cal/home/", "u1"); got != "/cal/home/u1.ics" {
		t.Errorf("objectPath = %q", got)
	}
	cals := []Calendar{{ID: "/cal/home/"}, {ID: "/cal/work/"}}
	if !hasCalendar(cals, "/cal/work") || hasCalendar(cals, "/cal/gone/") {
		t.Error("hasCalendar mismatch")
	}
}

func TestUnauthenticatedClient(t *testing.T) {
	c := NewClient("", "", "")
	if c.IsAuthenticated() {
		t.Fatal("client without credentials reports authenticated")
	}
	if _, err := c.ListEvents(context.Background(), "/cal/home/", now, now.Add(time.Hour)); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("err = %v", err)
	}
}
