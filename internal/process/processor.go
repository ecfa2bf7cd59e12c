// Package process turns raw upstream items into store-ready records:
// normalization, sanitizing, coordinate and timestamp parsing, severity
// classification, location-accuracy heuristics, quality scoring and
// deduplication.
package process

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mlindgren/lagesbild/internal/model"
)

// RawItem is one upstream item before processing. Fields mirror the loose
// shapes the remote collections actually send; everything is optional.
type RawItem struct {
	ID          string
	Title       string
	Description string
	Type        string
	City        string
	GPS         string // "lat,lng" string form
	Lat         *float64
	Lng         *float64
	Timestamp   string
	Source      string
}

// timestampFormats is the fallback list tried in order.
var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05 -07:00",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// typeSynonyms normalizes upstream type labels. Unknown labels pass through
// unchanged.
var typeSynonyms = map[string]string{
	"skottlossning, misstänkt": "skottlossning",
	"rån väpnat":               "rån",
	"rån övrigt":               "rån",
	"misshandel, grov":         "misshandel",
	"trafikolycka, personskada": "trafikolycka",
	"trafikolycka, singel":      "trafikolycka",
	"trafikolycka, vilt":        "trafikolycka",
	"stöld/inbrott":             "inbrott",
	"brand automatlarm":         "brand",
	"detonation":                "explosion",
	"mord/dråp, försök":         "mord/dråp",
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Processor runs the per-record pipeline. Safe for concurrent use.
type Processor struct {
	sanitizer *bluemonday.Policy
	cap       int
	now       func() time.Time
}

// New creates a Processor. recordCap truncates each processed batch after
// sorting; zero or negative means no cap. now is the clock used for
// timestamp fallbacks; nil means time.Now.
func New(recordCap int, now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{
		sanitizer: bluemonday.StrictPolicy(),
		cap:       recordCap,
		now:       now,
	}
}

// Process runs the full pipeline over a batch: per-item processing,
// deduplication (first occurrence wins), sort descending by time, cap.
// since filters to items strictly newer than the given time when non-zero
// (the client-side delta window). Items failing validation are dropped
// silently; a bad item never fails the batch.
func (p *Processor) Process(items []RawItem, since time.Time) []model.Record {
	records := make([]model.Record, 0, len(items))
	seen := make(map[string]bool, len(items))

	for _, item := range items {
		rec, ok := p.processOne(item)
		if !ok {
			continue
		}
		if !since.IsZero() && !rec.Time.After(since) {
			continue
		}
		key := rec.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Time.After(records[j].Time)
	})

	if p.cap > 0 && len(records) > p.cap {
		records = records[:p.cap]
	}
	return records
}

// processOne runs steps 1–7 of the pipeline for a single item.
func (p *Processor) processOne(item RawItem) (model.Record, bool) {
	typ := normalizeType(item.Type)

	title := p.sanitizeText(item.Title)
	description := p.sanitizeText(item.Description)
	city := p.sanitizeText(item.City)

	if title == "" && description == "" {
		// Nothing to show; required-field validation failure.
		return model.Record{}, false
	}

	coords := parseCoordinates(item)

	ts, provenance := p.parseTimestamp(item.Timestamp)

	severity := ClassifySeverity(typ, title)

	accuracy := ClassifyAccuracy(title + " " + description)

	quality := scoreQuality(title, description, typ, accuracy, item.Timestamp != "" && provenance == model.TimeParsed)

	id := item.ID
	if id == "" {
		id = model.HashID(title, item.Timestamp, item.GPS, city)
	}

	return model.Record{
		ID:          id,
		Time:        ts,
		Title:       title,
		Description: description,
		Type:        typ,
		City:        city,
		Coordinates: coords,
		Accuracy:    accuracy,
		Severity:    severity,
		Quality:     quality,
		Provenance:  provenance,
	}, true
}

// sanitizeText strips markup, unescapes entities and collapses whitespace.
func (p *Processor) sanitizeText(s string) string {
	s = p.sanitizer.Sanitize(s)
	s = html.UnescapeString(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// normalizeType maps a raw type label through the synonym table.
func normalizeType(raw string) string {
	t := strings.TrimSpace(strings.ToLower(raw))
	if norm, ok := typeSynonyms[t]; ok {
		return norm
	}
	return t
}

// parseCoordinates accepts the two upstream shapes: a "lat,lng" string or a
// pair of numeric fields. Out-of-bound pairs are nulled, not an error.
func parseCoordinates(item RawItem) *model.Coordinates {
	var c *model.Coordinates

	if item.Lat != nil && item.Lng != nil {
		c = &model.Coordinates{Lat: *item.Lat, Lng: *item.Lng}
	} else if item.GPS != "" {
		parts := strings.SplitN(item.GPS, ",", 2)
		if len(parts) == 2 {
			lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
			lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if err1 == nil && err2 == nil {
				c = &model.Coordinates{Lat: lat, Lng: lng}
			}
		}
	}

	if c == nil || !c.InBounds() {
		return nil
	}
	return c
}

// parseTimestamp tries each fallback format in order. If all fail, the
// current time is used and provenance is flagged as fallback.
func (p *Processor) parseTimestamp(raw string) (time.Time, model.TimeProvenance) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		for _, layout := range timestampFormats {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, model.TimeParsed
			}
		}
	}
	return p.now(), model.TimeFallback
}

// Quality point values. Five completeness checks summing to 100.
const (
	pointsTitle       = 25
	pointsType        = 25
	pointsLocation    = 20
	pointsDescription = 15
	pointsTimestamp   = 15
)

// defaultTitles are placeholder titles that earn no quality points.
var defaultTitles = map[string]bool{
	"händelse": true,
	"okänd":    true,
	"unknown":  true,
}

// scoreQuality computes the weighted completeness score and grade.
func scoreQuality(title, description, typ string, accuracy model.LocationAccuracy, timestampParsed bool) model.Quality {
	score := 0
	var issues []string

	if title != "" && !defaultTitles[strings.ToLower(title)] {
		score += pointsTitle
	} else {
		issues = append(issues, "missing-title")
	}
	if description != "" {
		score += pointsDescription
	} else {
		issues = append(issues, "missing-description")
	}
	if accuracy == model.LocationExact {
		score += pointsLocation
	} else {
		issues = append(issues, "approximate-location")
	}
	if typ != "" && typ != "övrigt" {
		score += pointsType
	} else {
		issues = append(issues, "missing-type")
	}
	if timestampParsed {
		score += pointsTimestamp
	} else {
		issues = append(issues, "fallback-timestamp")
	}

	return model.Quality{Score: score, Grade: gradeFor(score), Issues: issues}
}

func gradeFor(score int) model.QualityGrade {
	switch {
	case score >= 80:
		return model.GradeA
	case score >= 60:
		return model.GradeB
	case score >= 40:
		return model.GradeC
	default:
		return model.GradeD
	}
}

// String satisfies fmt.Stringer for debug logging of raw items.
func (r RawItem) String() string {
	return fmt.Sprintf("RawItem{ID:%s Title:%q Type:%q Time:%q}", r.ID, r.Title, r.Type, r.Timestamp)
}
