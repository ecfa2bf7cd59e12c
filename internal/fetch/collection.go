package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mlindgren/lagesbild/internal/model"
	"github.com/mlindgren/lagesbild/internal/process"
)

// CollectionSource syncs one JSON-array endpoint. The collection is always
// fetched in full; the processor applies the client-side delta window for
// delta-supported entities.
type CollectionSource struct {
	fetcher *Fetcher
	proc    *process.Processor
	url     string
	source  string
}

// NewCollectionSource creates a source for a whole-collection JSON endpoint.
func NewCollectionSource(f *Fetcher, p *process.Processor, url, source string) *CollectionSource {
	return &CollectionSource{fetcher: f, proc: p, url: url, source: source}
}

// Sync fetches and processes the collection. since is the delta window; the
// zero time disables filtering.
func (s *CollectionSource) Sync(ctx context.Context, since time.Time) ([]model.Record, error) {
	body, err := s.fetcher.Get(ctx, s.url)
	if err != nil {
		return nil, err
	}

	items, err := decodeCollection(body)
	if err != nil {
		return nil, &ParseError{URL: s.url, Err: err}
	}

	return s.proc.Process(items, since), nil
}

// decodeCollection decodes a JSON array of loosely-shaped objects. Upstream
// shape drift is tolerated: unknown keys are ignored, known keys are looked
// up under their observed aliases.
func decodeCollection(body []byte) ([]process.RawItem, error) {
	var raw []map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}

	items := make([]process.RawItem, 0, len(raw))
	for _, obj := range raw {
		item := process.RawItem{
			ID:          stringField(obj, "id"),
			Title:       stringField(obj, "name", "title"),
			Description: stringField(obj, "summary", "description"),
			Type:        stringField(obj, "type"),
			Timestamp:   stringField(obj, "datetime", "date", "published"),
		}

		// Location arrives either nested or flattened.
		if loc, ok := obj["location"].(map[string]any); ok {
			item.City = stringField(loc, "name", "city")
			item.GPS = stringField(loc, "gps")
			if lat, lng, ok := floatPair(loc, "lat", "lng"); ok {
				item.Lat, item.Lng = lat, lng
			}
		} else {
			item.City = stringField(obj, "city", "area")
			item.GPS = stringField(obj, "gps")
			if lat, lng, ok := floatPair(obj, "lat", "lng"); ok {
				item.Lat, item.Lng = lat, lng
			}
		}

		items = append(items, item)
	}
	return items, nil
}

// stringField returns the first present key rendered as a string. Numeric
// ids are common upstream, so numbers stringify.
func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case float64:
			if t == float64(int64(t)) {
				return fmt.Sprintf("%d", int64(t))
			}
			return fmt.Sprintf("%g", t)
		}
	}
	return ""
}

// floatPair extracts two numeric fields if both are present.
func floatPair(obj map[string]any, latKey, lngKey string) (*float64, *float64, bool) {
	lat, ok1 := obj[latKey].(float64)
	lng, ok2 := obj[lngKey].(float64)
	if !ok1 || !ok2 {
		return nil, nil, false
	}
	return &lat, &lng, true
}
