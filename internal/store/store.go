// Package store provides SQLite persistence for the sync engine: the record
// table, the settings key-value table, and the response-cache namespace.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mlindgren/lagesbild/internal/model"
)

// Retention is the hard ceiling for the cleanup sweep. Readers may filter
// tighter with Query.MaxAge, never looser.
const Retention = 7 * 24 * time.Hour

// Store handles SQLite persistence. NOT an interface - concrete type.
// Thread-safety: All methods are safe for concurrent use via internal mutex.
// Writes are keyed last-write-wins, so no transactional isolation is needed
// between the sync and cache-router paths.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex // Protects all database operations
	retention time.Duration
	now       func() time.Time
}

// Query filters a Get. All set fields are conjunctive.
type Query struct {
	// MaxAge keeps records synced within the window. Zero means the
	// retention ceiling.
	MaxAge time.Duration

	// Limit truncates the result after sorting by record time, newest
	// first. Zero means no limit.
	Limit int

	// MinSeverity keeps records with severity level >= the value.
	MinSeverity int

	// City keeps records whose city contains the substring,
	// case-insensitively.
	City string

	// ExactOnly keeps records with exact location accuracy.
	ExactOnly bool
}

// Open creates a new Store with the given database path.
// Creates tables if they don't exist.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// For in-memory databases, use shared cache mode so all connections
		// in the pool see the same database
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db, retention: Retention, now: time.Now}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return s, nil
}

// SetClock injects a clock for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// createTables creates the required tables and indexes if they don't exist.
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		time_ms INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		type TEXT,
		city TEXT,
		lat REAL,
		lng REAL,
		location_exact INTEGER NOT NULL DEFAULT 0,
		severity_level INTEGER NOT NULL DEFAULT 1,
		severity_priority TEXT,
		severity_color TEXT,
		quality_score INTEGER NOT NULL DEFAULT 0,
		quality_grade TEXT,
		quality_issues TEXT,
		time_fallback INTEGER NOT NULL DEFAULT 0,
		sync_time DATETIME NOT NULL,
		sync_source TEXT,
		sync_version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_records_entity_time ON records(entity, time_ms DESC);
	CREATE INDEX IF NOT EXISTS idx_records_city ON records(city);
	CREATE INDEX IF NOT EXISTS idx_records_severity ON records(severity_level);
	CREATE INDEX IF NOT EXISTS idx_records_exact ON records(location_exact);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS response_cache (
		request_key TEXT PRIMARY KEY,
		status INTEGER NOT NULL,
		headers TEXT,
		body BLOB,
		cached_at DATETIME NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
// Thread-safe: acquires write lock to prevent closing during in-flight operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Put upserts records by id, enriching each with sync metadata.
// Last write wins: a conflicting id is fully overwritten, no field merge.
// Returns the number of rows written.
func (s *Store) Put(entity model.EntityType, records []model.Record, source string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(records) == 0 {
		return 0, nil
	}

	syncTime := s.now()

	stmt, err := s.db.Prepare(`
		INSERT INTO records (
			id, entity, time_ms, title, description, type, city, lat, lng,
			location_exact, severity_level, severity_priority, severity_color,
			quality_score, quality_grade, quality_issues, time_fallback,
			sync_time, sync_source, sync_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			entity = excluded.entity,
			time_ms = excluded.time_ms,
			title = excluded.title,
			description = excluded.description,
			type = excluded.type,
			city = excluded.city,
			lat = excluded.lat,
			lng = excluded.lng,
			location_exact = excluded.location_exact,
			severity_level = excluded.severity_level,
			severity_priority = excluded.severity_priority,
			severity_color = excluded.severity_color,
			quality_score = excluded.quality_score,
			quality_grade = excluded.quality_grade,
			quality_issues = excluded.quality_issues,
			time_fallback = excluded.time_fallback,
			sync_time = excluded.sync_time,
			sync_source = excluded.sync_source,
			sync_version = records.sync_version + 1
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	written := 0
	for _, r := range records {
		var lat, lng sql.NullFloat64
		if r.Coordinates != nil {
			lat = sql.NullFloat64{Float64: r.Coordinates.Lat, Valid: true}
			lng = sql.NullFloat64{Float64: r.Coordinates.Lng, Valid: true}
		}
		issues := strings.Join(r.Quality.Issues, ",")
		_, err := stmt.Exec(
			r.ID,
			string(entity),
			r.Time.UnixMilli(),
			r.Title,
			r.Description,
			r.Type,
			r.City,
			lat,
			lng,
			boolToInt(r.Accuracy == model.LocationExact),
			r.Severity.Level,
			r.Severity.Priority,
			r.Severity.Color,
			r.Quality.Score,
			string(r.Quality.Grade),
			issues,
			boolToInt(r.Provenance == model.TimeFallback),
			syncTime,
			source,
		)
		if err != nil {
			return written, fmt.Errorf("upsert record %s: %w", r.ID, err)
		}
		written++
	}

	return written, nil
}

// Get retrieves records for an entity, newest first, filtered by the query.
// The max-age window is measured against sync_time, so freshly re-synced
// records stay visible regardless of their event time.
func (s *Store) Get(entity model.EntityType, q Query) ([]model.CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxAge := q.MaxAge
	if maxAge <= 0 || maxAge > s.retention {
		maxAge = s.retention
	}
	cutoff := s.now().Add(-maxAge)

	query := `
		SELECT id, entity, time_ms, title, description, type, city, lat, lng,
			location_exact, severity_level, severity_priority, severity_color,
			quality_score, quality_grade, quality_issues, time_fallback,
			sync_time, sync_source, sync_version
		FROM records
		WHERE entity = ? AND sync_time >= ?
	`
	args := []any{string(entity), cutoff}

	if q.MinSeverity > 0 {
		query += " AND severity_level >= ?"
		args = append(args, q.MinSeverity)
	}
	if q.City != "" {
		query += " AND city LIKE ? COLLATE NOCASE"
		args = append(args, "%"+q.City+"%")
	}
	if q.ExactOnly {
		query += " AND location_exact = 1"
	}

	query += " ORDER BY time_ms DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	return s.queryRecords(query, args...)
}

// Cleanup deletes records and cached responses older than the retention
// ceiling, independent of any max-age used by readers. Returns rows removed.
func (s *Store) Cleanup() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention)

	res, err := s.db.Exec("DELETE FROM records WHERE sync_time < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep records: %w", err)
	}
	removed, _ := res.RowsAffected()

	res, err = s.db.Exec("DELETE FROM response_cache WHERE cached_at < ?", cutoff)
	if err != nil {
		return removed, fmt.Errorf("sweep response cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return removed + n, nil
}

// LastSync returns the persisted last successful sync time for an entity,
// or the zero time if the entity has never synced.
func (s *Store) LastSync(entity model.EntityType) (time.Time, error) {
	v, err := s.getSetting("lastSync:" + string(entity))
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse lastSync for %s: %w", entity, err)
	}
	return t, nil
}

// SetLastSync persists the last successful sync time for an entity.
func (s *Store) SetLastSync(entity model.EntityType, t time.Time) error {
	return s.setSetting("lastSync:"+string(entity), t.Format(time.RFC3339Nano))
}

func (s *Store) getSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *Store) setSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// PutResponse caches a network response under its request key.
// Upsert: a repeated fetch of the same key overwrites the previous entry.
func (s *Store) PutResponse(e model.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	headers, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO response_cache (request_key, status, headers, body, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(request_key) DO UPDATE SET
			status = excluded.status,
			headers = excluded.headers,
			body = excluded.body,
			cached_at = excluded.cached_at
	`, e.Key, e.Status, string(headers), e.Body, e.CachedAt)
	return err
}

// GetResponse returns the cached response for a request key, if any.
func (s *Store) GetResponse(key string) (model.CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e model.CacheEntry
	var headers string
	err := s.db.QueryRow(`
		SELECT request_key, status, headers, body, cached_at
		FROM response_cache WHERE request_key = ?
	`, key).Scan(&e.Key, &e.Status, &headers, &e.Body, &e.CachedAt)
	if err == sql.ErrNoRows {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, err
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &e.Header); err != nil {
			return model.CacheEntry{}, false, fmt.Errorf("decode headers: %w", err)
		}
	}
	return e, true, nil
}

// queryRecords is a helper that executes a query and scans results.
// Caller must hold s.mu (read lock is sufficient).
func (s *Store) queryRecords(query string, args ...any) ([]model.CachedRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.CachedRecord
	for rows.Next() {
		var r model.CachedRecord
		var entity, issues string
		var timeMs int64
		var lat, lng sql.NullFloat64
		var exactInt, fallbackInt int
		err := rows.Scan(
			&r.ID,
			&entity,
			&timeMs,
			&r.Title,
			&r.Description,
			&r.Type,
			&r.City,
			&lat,
			&lng,
			&exactInt,
			&r.Severity.Level,
			&r.Severity.Priority,
			&r.Severity.Color,
			&r.Quality.Score,
			(*string)(&r.Quality.Grade),
			&issues,
			&fallbackInt,
			&r.Meta.SyncTime,
			&r.Meta.Source,
			&r.Meta.Version,
		)
		if err != nil {
			return nil, err
		}
		r.Time = time.UnixMilli(timeMs)
		if lat.Valid && lng.Valid {
			r.Coordinates = &model.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
		}
		r.Accuracy = model.LocationApproximate
		if exactInt != 0 {
			r.Accuracy = model.LocationExact
		}
		r.Provenance = model.TimeParsed
		if fallbackInt != 0 {
			r.Provenance = model.TimeFallback
		}
		if issues != "" {
			r.Quality.Issues = strings.Split(issues, ",")
		}
		r.Meta.Quality = r.Quality.Grade
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// boolToInt converts a bool to an int for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
