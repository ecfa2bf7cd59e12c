package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Geographic bound for coordinate validation. Pairs outside this box are
// nulled, not rejected.
const (
	BoundLatMin = 55.0
	BoundLatMax = 69.1
	BoundLngMin = 10.5
	BoundLngMax = 24.2
)

// Coordinates is a lat/lng pair. A nil *Coordinates means the record has no
// usable position.
type Coordinates struct {
	Lat float64
	Lng float64
}

// InBounds reports whether the pair lies inside the configured geographic box.
func (c Coordinates) InBounds() bool {
	return c.Lat >= BoundLatMin && c.Lat <= BoundLatMax &&
		c.Lng >= BoundLngMin && c.Lng <= BoundLngMax
}

// LocationAccuracy describes how precisely a record is positioned.
type LocationAccuracy string

const (
	LocationExact       LocationAccuracy = "exact"
	LocationApproximate LocationAccuracy = "approximate"
)

// TimeProvenance marks whether a record's timestamp was parsed from upstream
// data or defaulted at ingest time.
type TimeProvenance string

const (
	TimeParsed   TimeProvenance = "parsed"
	TimeFallback TimeProvenance = "fallback"
)

// Severity classifies how serious a record is, from 1 (informational) to
// 5 (critical).
type Severity struct {
	Level    int
	Priority string
	Color    string
}

// QualityGrade buckets a quality score into A–D bands.
type QualityGrade string

const (
	GradeA QualityGrade = "A"
	GradeB QualityGrade = "B"
	GradeC QualityGrade = "C"
	GradeD QualityGrade = "D"
)

// Quality scores record completeness on a 0–100 scale.
type Quality struct {
	Score  int
	Grade  QualityGrade
	Issues []string
}

// Record is a fully processed record ready for persistence and display.
type Record struct {
	ID          string
	Time        time.Time
	Title       string
	Description string
	Type        string
	City        string
	Coordinates *Coordinates
	Accuracy    LocationAccuracy
	Severity    Severity
	Quality     Quality
	Provenance  TimeProvenance
}

// DedupKey collapses duplicates sharing timestamp, title and position.
func (r Record) DedupKey() string {
	lat, lng := "-", "-"
	if r.Coordinates != nil {
		lat = fmt.Sprintf("%.5f", r.Coordinates.Lat)
		lng = fmt.Sprintf("%.5f", r.Coordinates.Lng)
	}
	return fmt.Sprintf("%d|%s|%s|%s", r.Time.UnixMilli(), r.Title, lat, lng)
}

// SyncMeta is attached to every record when it is written to the store.
type SyncMeta struct {
	SyncTime time.Time
	Source   string
	Version  int
	Quality  QualityGrade
}

// CachedRecord is a stored record together with its sync metadata.
type CachedRecord struct {
	Record
	Meta SyncMeta
}

// CacheEntry is one cached network response in the response-cache namespace.
// Staleness is a label derived from CachedAt, never an eviction trigger.
type CacheEntry struct {
	Key      string
	Status   int
	Header   map[string]string
	Body     []byte
	CachedAt time.Time
}

// HashID derives a stable record ID from content when upstream provides none.
func HashID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
