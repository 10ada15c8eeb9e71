// Package provenance reads and writes the machine-readable annotations calsync
// embeds in event descriptions to remember which side created or last edited
// an event.
package provenance

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tazhate/calsync/internal/domain"
)

const (
	KindCreated = "created"
	KindEdited  = "edited"

	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

var markerPattern = regexp.MustCompile(`\[calsync:(created|edited):(local|remote):([0-9TZ:.+\-]+)\]`)

// Marker is one parsed annotation.
type Marker struct {
	Kind   string
	Origin domain.Origin
	At     time.Time
}

func (m Marker) String() string {
	return fmt.Sprintf("[calsync:%s:%s:%s]", m.Kind, m.Origin, m.At.UTC().Format(timeLayout))
}

// Stamp appends a creation marker unless the description already has one.
func Stamp(description string, origin domain.Origin, at time.Time) string {
	if _, ok := Parse(description); ok {
		return description
	}
	return appendMarker(description, Marker{Kind: KindCreated, Origin: origin, At: at})
}

// AnnotateEdit replaces any edit annotation with a fresh one.
func AnnotateEdit(description string, origin domain.Origin, at time.Time) string {
	stripped := markerPattern.ReplaceAllStringFunc(description, func(m string) string {
		if strings.HasPrefix(m, "[calsync:"+KindEdited+":") {
			return ""
		}
		return m
	})
	return appendMarker(strings.TrimRight(stripped, " \n"), Marker{Kind: KindEdited, Origin: origin, At: at})
}

// Parse returns the creation marker of a description.
func Parse(description string) (Marker, bool) {
	for _, m := range All(description) {
		if m.Kind == KindCreated {
			return m, true
		}
	}
	return Marker{}, false
}

// All returns every well-formed annotation in order of appearance.
func All(description string) []Marker {
	var out []Marker
	for _, sub := range markerPattern.FindAllStringSubmatch(description, -1) {
		at, err := time.Parse(timeLayout, sub[3])
		if err != nil {
			at, err = time.Parse(time.RFC3339Nano, sub[3])
			if err != nil {
				continue
			}
		}
		out = append(out, Marker{Kind: sub[1], Origin: domain.Origin(sub[2]), At: at})
	}
	return out
}

// Core strips every calsync annotation so two descriptions can be compared
// without annotation churn.
func Core(description string) string {
	s := strings.ReplaceAll(description, "\r\n", "\n")
	s = markerPattern.ReplaceAllString(s, "")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func appendMarker(description string, m Marker) string {
	if strings.TrimSpace(description) == "" {
		return m.String()
	}
	return description + "\n\n" + m.String()
}
