package process

import (
	"testing"
	"time"

	"github.com/mlindgren/lagesbild/internal/model"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCriticalKeywordOverridesSeverity(t *testing.T) {
	// A nominally harmless type must classify critical when the title
	// carries a weapon/fatality term.
	p := New(0, fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	records := p.Process([]RawItem{
		{
			Title:     "Skottlossning på Storgatan",
			Type:      "sammanfattning",
			Timestamp: "2026-03-01 10:00:00 +01:00",
			City:      "Malmö",
		},
	}, time.Time{})

	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Severity.Level != 5 {
		t.Errorf("expected severity 5 from keyword override, got %d", records[0].Severity.Level)
	}
	if records[0].Severity.Priority != "critical" {
		t.Errorf("expected critical priority, got %q", records[0].Severity.Priority)
	}
}

func TestSeverityTableAndFuzzy(t *testing.T) {
	tests := []struct {
		typ   string
		title string
		want  int
	}{
		{"rån", "Händelse i city", 4},
		{"trafikolycka", "Två bilar", 3},
		{"skadegörelse", "Klotter", 2},
		{"paraglidingolycka", "Person skadad", 3}, // fuzzy "olycka"
		{"helt okänd kategori", "Någonting", 2},   // fixed default
	}

	for _, tt := range tests {
		got := ClassifySeverity(tt.typ, tt.title)
		if got.Level != tt.want {
			t.Errorf("ClassifySeverity(%q, %q) = %d, want %d", tt.typ, tt.title, got.Level, tt.want)
		}
	}
}

func TestTypeNormalization(t *testing.T) {
	if got := normalizeType("Rån väpnat"); got != "rån" {
		t.Errorf("expected synonym mapping to rån, got %q", got)
	}
	// Unknown labels pass through unchanged (lowercased).
	if got := normalizeType("Mystisk Händelse"); got != "mystisk händelse" {
		t.Errorf("unknown label should pass through, got %q", got)
	}
}

func TestDeduplication(t *testing.T) {
	p := New(0, fixedClock(time.Now()))

	lat, lng := 59.33, 18.06
	items := []RawItem{
		{Title: "Inbrott i villa", Type: "inbrott", Timestamp: "2026-03-01 10:00:00 +01:00", Lat: &lat, Lng: &lng},
		{Title: "Inbrott i villa", Type: "inbrott", Timestamp: "2026-03-01 10:00:00 +01:00", Lat: &lat, Lng: &lng},
	}

	records := p.Process(items, time.Time{})
	if len(records) != 1 {
		t.Errorf("expected duplicates collapsed to 1 record, got %d", len(records))
	}
}

func TestDeltaFilter(t *testing.T) {
	p := New(0, fixedClock(time.Now()))
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	items := []RawItem{
		{Title: "Gammal händelse", Type: "stöld", Timestamp: "2026-03-01T08:00:00Z"},
		{Title: "Ny händelse", Type: "stöld", Timestamp: "2026-03-01T10:00:00Z"},
	}

	records := p.Process(items, since)
	if len(records) != 1 {
		t.Fatalf("expected only records newer than since, got %d", len(records))
	}
	if records[0].Title != "Ny händelse" {
		t.Errorf("wrong record survived the delta filter: %q", records[0].Title)
	}
}

func TestSortDescendingAndCap(t *testing.T) {
	p := New(2, fixedClock(time.Now()))

	items := []RawItem{
		{Title: "Första", Type: "stöld", Timestamp: "2026-03-01T08:00:00Z"},
		{Title: "Tredje", Type: "stöld", Timestamp: "2026-03-01T10:00:00Z"},
		{Title: "Andra", Type: "stöld", Timestamp: "2026-03-01T09:00:00Z"},
	}

	records := p.Process(items, time.Time{})
	if len(records) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(records))
	}
	if records[0].Title != "Tredje" || records[1].Title != "Andra" {
		t.Errorf("expected newest-first order, got %q then %q", records[0].Title, records[1].Title)
	}
}

func TestCoordinateParsing(t *testing.T) {
	p := New(0, fixedClock(time.Now()))

	tests := []struct {
		name string
		item RawItem
		want *model.Coordinates
	}{
		{
			name: "string form",
			item: RawItem{Title: "A", GPS: "59.334591,18.063240"},
			want: &model.Coordinates{Lat: 59.334591, Lng: 18.063240},
		},
		{
			name: "out of bounds nulled",
			item: RawItem{Title: "B", GPS: "40.7,-74.0"},
			want: nil,
		},
		{
			name: "garbage nulled",
			item: RawItem{Title: "C", GPS: "not,numbers"},
			want: nil,
		},
	}

	for _, tt := range tests {
		records := p.Process([]RawItem{tt.item}, time.Time{})
		if len(records) != 1 {
			t.Fatalf("%s: record dropped", tt.name)
		}
		got := records[0].Coordinates
		if (got == nil) != (tt.want == nil) {
			t.Errorf("%s: coordinates = %v, want %v", tt.name, got, tt.want)
			continue
		}
		if got != nil && (got.Lat != tt.want.Lat || got.Lng != tt.want.Lng) {
			t.Errorf("%s: coordinates = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTimestampFallback(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := New(0, fixedClock(now))

	records := p.Process([]RawItem{
		{Title: "Utan tid", Type: "stöld", Timestamp: "inte en tid"},
	}, time.Time{})

	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !records[0].Time.Equal(now) {
		t.Errorf("expected fallback to current time, got %v", records[0].Time)
	}
	if records[0].Provenance != model.TimeFallback {
		t.Errorf("expected fallback provenance, got %q", records[0].Provenance)
	}
}

func TestSanitizeStripsMarkup(t *testing.T) {
	p := New(0, fixedClock(time.Now()))

	records := p.Process([]RawItem{
		{Title: "<script>alert(1)</script>Inbrott", Description: "<b>fet</b> text", Type: "inbrott", Timestamp: "2026-03-01T10:00:00Z"},
	}, time.Time{})

	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Title != "Inbrott" {
		t.Errorf("script content should be stripped, got %q", records[0].Title)
	}
	if records[0].Description != "fet text" {
		t.Errorf("tags should be stripped, got %q", records[0].Description)
	}
}

func TestEmptyRecordDropped(t *testing.T) {
	p := New(0, fixedClock(time.Now()))

	records := p.Process([]RawItem{
		{Type: "stöld", Timestamp: "2026-03-01T10:00:00Z"}, // no title, no description
		{Title: "Behålls", Type: "stöld", Timestamp: "2026-03-01T10:00:00Z"},
	}, time.Time{})

	if len(records) != 1 {
		t.Errorf("expected the empty record dropped, got %d records", len(records))
	}
}

func TestQualityScoring(t *testing.T) {
	p := New(0, fixedClock(time.Now()))

	// Full marks: real title, description, exact street location, real type,
	// parsed timestamp.
	records := p.Process([]RawItem{
		{
			Title:       "Inbrott på Storgatan",
			Description: "Inbrott i butik på Storgatan under natten.",
			Type:        "inbrott",
			Timestamp:   "2026-03-01T10:00:00Z",
			City:        "Uppsala",
		},
	}, time.Time{})

	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	q := records[0].Quality
	if q.Score != 100 {
		t.Errorf("expected full score 100, got %d (issues %v)", q.Score, q.Issues)
	}
	if q.Grade != model.GradeA {
		t.Errorf("expected grade A, got %q", q.Grade)
	}

	// Sparse record: default-ish title only, fallback timestamp.
	records = p.Process([]RawItem{{Title: "Händelse"}}, time.Time{})
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	q = records[0].Quality
	if q.Score != 0 {
		t.Errorf("expected score 0 for empty record, got %d", q.Score)
	}
	if q.Grade != model.GradeD {
		t.Errorf("expected grade D, got %q", q.Grade)
	}
	if len(q.Issues) != 5 {
		t.Errorf("expected all five deficiency tags, got %v", q.Issues)
	}
}

func TestAccuracyHeuristics(t *testing.T) {
	tests := []struct {
		text string
		want model.LocationAccuracy
	}{
		{"Inbrott på Storgatan 5", model.LocationExact},
		{"Brand i området kring Storgatan", model.LocationApproximate}, // vague cue wins
		{"Händelse i kommunen", model.LocationApproximate},
		{"Olycka vid rondellen", model.LocationExact},
	}

	for _, tt := range tests {
		if got := ClassifyAccuracy(tt.text); got != tt.want {
			t.Errorf("ClassifyAccuracy(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
