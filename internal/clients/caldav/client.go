package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/tazhate/calsync/internal/domain"
)

const (
	// Apple iCloud CalDAV endpoint
	DefaultiCloudURL = "https://caldav.icloud.com"

	productID = "-//calsync//CalDAV//EN"
)

// Client talks to a CalDAV server. Remote event ids are object paths.
type Client struct {
	baseURL  string
	username string
	password string
	timeout  time.Duration
	now      func() time.Time

	mu        sync.Mutex
	client    *caldav.Client
	calendars []Calendar
}

// NewClient creates a new CalDAV client
func NewClient(baseURL, username, password string) *Client {
	if baseURL == "" {
		baseURL = DefaultiCloudURL
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		timeout:  30 * time.Second,
		now:      time.Now,
	}
}

// IsAuthenticated returns true if the client has credentials
func (c *Client) IsAuthenticated() bool {
	return c.username != "" && c.password != ""
}

// connect establishes connection to CalDAV server
func (c *Client) connect() (*caldav.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	if !c.IsAuthenticated() {
		return nil, domain.ErrUnauthenticated
	}

	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username: c.username,
			password: c.password,
		},
		Timeout: c.timeout,
	}

	client, err := caldav.NewClient(httpClient, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}

	c.client = client
	return client, nil
}

// basicAuthTransport adds Basic Auth to HTTP requests
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// DiscoverCalendars returns all calendars for the user
func (c *Client) DiscoverCalendars(ctx context.Context) ([]Calendar, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, classify("find principal", err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, classify("find home set", err)
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, classify("find calendars", err)
	}

	result := make([]Calendar, 0, len(cals))
	for _, cal := range cals {
		result = append(result, Calendar{
			ID:          cal.Path,
			DisplayName: cal.Name,
			Description: cal.Description,
		})
	}

	c.mu.Lock()
	c.calendars = result
	c.mu.Unlock()
	return result, nil
}

// CalendarExists reports whether calendarPath is one of the user's calendars.
// The calendar list is discovered once and refreshed on a miss.
func (c *Client) CalendarExists(ctx context.Context, calendarPath string) (bool, error) {
	c.mu.Lock()
	known := c.calendars
	c.mu.Unlock()
	if hasCalendar(known, calendarPath) {
		return true, nil
	}

	fresh, err := c.DiscoverCalendars(ctx)
	if err != nil {
		return false, err
	}
	return hasCalendar(fresh, calendarPath), nil
}

func hasCalendar(cals []Calendar, path string) bool {
	for _, cal := range cals {
		if samePath(cal.ID, path) {
			return true
		}
	}
	return false
}

// ListEvents returns events of one calendar that overlap [from, to).
func (c *Client) ListEvents(ctx context.Context, calendarPath string, from, to time.Time) ([]domain.RemoteEvent, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}
	if calendarPath == "" {
		return nil, fmt.Errorf("calendar path not specified")
	}

	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: from,
					End:   to,
				},
			},
		},
	}

	objects, err := client.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, classify("query calendar", err)
	}

	events := make([]domain.RemoteEvent, 0, len(objects))
	for i := range objects {
		ev, err := toRemoteEvent(&objects[i])
		if err != nil {
			continue // not a VEVENT
		}
		ev.CalendarRef = calendarPath
		events = append(events, ev)
	}
	return events, nil
}

// CreateEvent stores a new event and returns its object path.
func (c *Client) CreateEvent(ctx context.Context, calendarPath string, data domain.EventData) (string, error) {
	client, err := c.connect()
	if err != nil {
		return "", err
	}
	if calendarPath == "" {
		return "", fmt.Errorf("calendar path not specified")
	}

	uid, path := createTarget(calendarPath, data)
	obj, err := client.PutCalendarObject(ctx, path, eventToICS(uid, data, c.now()))
	if err != nil {
		return "", classify("create event", err)
	}
	if obj != nil && obj.Path != "" {
		path = obj.Path
	}
	return path, nil
}

// createTarget returns the UID and object path of a new event. A retried
// create of the same record writes the same object.
func createTarget(calendarPath string, data domain.EventData) (uid, path string) {
	uid = data.UID
	if uid == "" {
		uid = uuid.NewString()
	}
	return uid, objectPath(calendarPath, uid)
}

// UpdateEvent patches the stored event. It returns false when the event no
// longer exists.
func (c *Client) UpdateEvent(ctx context.Context, id string, patch domain.EventPatch) (bool, error) {
	client, err := c.connect()
	if err != nil {
		return false, err
	}

	obj, err := client.GetCalendarObject(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify("get event", err)
	}
	if obj.Data == nil {
		return false, fmt.Errorf("get event %s: no calendar data", id)
	}
	if err := applyPatch(obj.Data, patch, c.now()); err != nil {
		return false, fmt.Errorf("patch event %s: %w", id, err)
	}

	if _, err := client.PutCalendarObject(ctx, id, obj.Data); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify("update event", err)
	}
	return true, nil
}

// DeleteEvent removes the event. It returns false when it was already gone.
func (c *Client) DeleteEvent(ctx context.Context, id string) (bool, error) {
	client, err := c.connect()
	if err != nil {
		return false, err
	}

	if err := client.RemoveAll(ctx, id); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify("delete event", err)
	}
	return true, nil
}

// toRemoteEvent converts the first VEVENT of a calendar object.
func toRemoteEvent(obj *caldav.CalendarObject) (domain.RemoteEvent, error) {
	ev := domain.RemoteEvent{ID: obj.Path}
	if obj.Data == nil {
		return ev, fmt.Errorf("no data in calendar object")
	}

	comp := firstEvent(obj.Data)
	if comp == nil {
		return ev, fmt.Errorf("no VEVENT in %s", obj.Path)
	}

	ev.Title = text(comp, ical.PropSummary)
	ev.Description = text(comp, ical.PropDescription)
	ev.Location = text(comp, ical.PropLocation)
	ev.Start, ev.End, ev.AllDay = eventTimes(comp)
	ev.Created = timeProp(comp, ical.PropCreated)

	ev.Updated = timeProp(comp, ical.PropLastModified)
	if ev.Updated.IsZero() {
		ev.Updated = obj.ModTime
	}
	if ev.Updated.IsZero() {
		ev.Updated = timeProp(comp, ical.PropDateTimeStamp)
	}
	return ev, nil
}

// eventToICS converts event data to iCalendar format
func eventToICS(uid string, data domain.EventData, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetText(ical.PropSummary, data.Title)
	setOptionalText(vevent.Component, ical.PropDescription, data.Description)
	setOptionalText(vevent.Component, ical.PropLocation, data.Location)
	setTimes(vevent.Component, data.Start, data.End, data.AllDay)

	now = now.UTC()
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now)
	vevent.Props.SetDateTime(ical.PropCreated, now)
	vevent.Props.SetDateTime(ical.PropLastModified, now)

	cal.Children = append(cal.Children, vevent.Component)
	return cal
}

// applyPatch writes the non-nil patch fields into the first VEVENT and bumps
// its modification stamps.
func applyPatch(cal *ical.Calendar, p domain.EventPatch, now time.Time) error {
	comp := firstEvent(cal)
	if comp == nil {
		return errors.New("no VEVENT in calendar object")
	}

	if p.Title != nil {
		comp.Props.SetText(ical.PropSummary, *p.Title)
	}
	if p.Description != nil {
		setOptionalText(comp, ical.PropDescription, *p.Description)
	}
	if p.Location != nil {
		setOptionalText(comp, ical.PropLocation, *p.Location)
	}

	if p.Start != nil || p.End != nil || p.AllDay != nil {
		start, end, allDay := eventTimes(comp)
		if p.Start != nil {
			start = *p.Start
		}
		if p.End != nil {
			end = *p.End
		}
		if p.AllDay != nil {
			allDay = *p.AllDay
		}
		setTimes(comp, start, end, allDay)
	}

	seq := 0
	if prop := comp.Props.Get(ical.PropSequence); prop != nil {
		seq, _ = strconv.Atoi(prop.Value)
	}
	next := ical.NewProp(ical.PropSequence)
	next.Value = strconv.Itoa(seq + 1)
	comp.Props.Set(next)

	now = now.UTC()
	comp.Props.SetDateTime(ical.PropDateTimeStamp, now)
	comp.Props.SetDateTime(ical.PropLastModified, now)
	return nil
}

func firstEvent(cal *ical.Calendar) *ical.Component {
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			return comp
		}
	}
	return nil
}

func text(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	if s, err := prop.Text(); err == nil {
		return s
	}
	return prop.Value
}

func setOptionalText(comp *ical.Component, name, value string) {
	if value == "" {
		delete(comp.Props, name)
		return
	}
	comp.Props.SetText(name, value)
}

func timeProp(comp *ical.Component, name string) time.Time {
	prop := comp.Props.Get(name)
	if prop == nil {
		return time.Time{}
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// eventTimes reads DTSTART/DTEND. A missing end defaults to one day for
// all-day events and to the start otherwise.
func eventTimes(comp *ical.Component) (start, end time.Time, allDay bool) {
	if prop := comp.Props.Get(ical.PropDateTimeStart); prop != nil {
		start, _ = prop.DateTime(time.UTC)
		allDay = prop.Params.Get(ical.ParamValue) == string(ical.ValueDate)
	}
	end = timeProp(comp, ical.PropDateTimeEnd)
	if end.IsZero() && !start.IsZero() {
		if allDay {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start
		}
	}
	return start, end, allDay
}

func setTimes(comp *ical.Component, start, end time.Time, allDay bool) {
	delete(comp.Props, ical.PropDateTimeStart)
	delete(comp.Props, ical.PropDateTimeEnd)
	if allDay {
		comp.Props.SetDate(ical.PropDateTimeStart, start)
		if !end.IsZero() {
			comp.Props.SetDate(ical.PropDateTimeEnd, end)
		}
		return
	}
	comp.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	if !end.IsZero() {
		comp.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	}
}

// classify wraps err with the domain error the sync engine acts on.
func classify(op string, err error) error {
	if kind := errorKind(err); kind != nil {
		return fmt.Errorf("%s: %w: %v", op, kind, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// errorKind maps err onto a domain sentinel, or nil. Transport failures are
// always transient; status codes are read only from the HTTP error itself.
func errorKind(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return domain.ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrTransient
	}

	switch code := statusCode(err); {
	case code == http.StatusNotFound || code == http.StatusGone:
		return domain.ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.ErrUnauthenticated
	case code == http.StatusTooManyRequests || code >= 500:
		return domain.ErrTransient
	}
	return nil
}

func isNotFound(err error) bool {
	return errorKind(err) == domain.ErrNotFound
}

var statusPrefix = regexp.MustCompile(`^([1-5][0-9]{2}) `)

// statusCode walks the wrap chain for an error whose text starts with an HTTP
// status ("404 Not Found: ..."), which is how go-webdav reports responses.
func statusCode(err error) int {
	for err != nil {
		if m := statusPrefix.FindStringSubmatch(err.Error()); m != nil {
			code, _ := strconv.Atoi(m[1])
			return code
		}
		switch e := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				if code := statusCode(inner); code != 0 {
					return code
				}
			}
			return 0
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			return 0
		}
	}
	return 0
}

// SerializeCalendar converts calendar to string (for debugging)
func SerializeCalendar(cal *ical.Calendar) string {
	var buf bytes.Buffer
	enc := ical.NewEncoder(&buf)
	_ = enc.Encode(cal)
	return buf.String()
}
