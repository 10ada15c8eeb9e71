package provenance

import (
	"strings"
	"testing"
	"time"

	"github.com/tazhate/calsync/internal/domain"
)

func TestStampAndParse(t *testing.T) {
	at := time.Date(2026, 10, 15, 9, 30, 0, 123000000, time.UTC)

	desc := Stamp("Bring snacks", domain.OriginLocal, at)
	m, ok := Parse(desc)
	if !ok {
		t.Fatalf("expected marker in %q", desc)
	}
	if m.Origin != domain.OriginLocal {
		t.Errorf("origin = %q, want %q", m.Origin, domain.OriginLocal)
	}
	if !m.At.Equal(at) {
		t.Errorf("at = %v, want %v", m.At, at)
	}
	if got := Core(desc); got != "Bring snacks" {
		t.Errorf("core = %q, want %q", got, "Bring snacks")
	}
}

func TestStampIsIdempotent(t *testing.T) {
	at := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	once := Stamp("x", domain.OriginLocal, at)
	twice := Stamp(once, domain.OriginRemote, at.Add(time.Hour))
	if once != twice {
		t.Errorf("second stamp changed description:\n%q\n%q", once, twice)
	}
}

func TestStampEmptyDescription(t *testing.T) {
	at := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	desc := Stamp("", domain.OriginLocal, at)
	if strings.HasPrefix(desc, "\n") {
		t.Errorf("unexpected leading newline: %q", desc)
	}
	if Core(desc) != "" {
		t.Errorf("core = %q, want empty", Core(desc))
	}
}

func TestAnnotateEditReplacesPreviousEdit(t *testing.T) {
	created := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	desc := Stamp("notes", domain.OriginLocal, created)
	desc = AnnotateEdit(desc, domain.OriginLocal, created.Add(time.Minute))
	desc = AnnotateEdit(desc, domain.OriginRemote, created.Add(2*time.Minute))

	markers := All(desc)
	if len(markers) != 2 {
		t.Fatalf("markers = %d, want 2 (%q)", len(markers), desc)
	}
	if markers[1].Kind != KindEdited || markers[1].Origin != domain.OriginRemote {
		t.Errorf("edit marker = %+v", markers[1])
	}
	if got := Core(desc); got != "notes" {
		t.Errorf("core = %q, want %q", got, "notes")
	}
}

func TestCoreNormalizesLineEndings(t *testing.T) {
	a := "line one\r\nline two  \r\n"
	b := "line one\nline two"
	if Core(a) != Core(b) {
		t.Errorf("core mismatch: %q vs %q", Core(a), Core(b))
	}
}

func TestParseIgnoresForeignText(t *testing.T) {
	if _, ok := Parse("[calsync:created:nobody:yesterday]"); ok {
		t.Error("malformed marker should not parse")
	}
}
