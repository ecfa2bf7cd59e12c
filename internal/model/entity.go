// Package model defines the core data types shared by the sync engine:
// entity classes, processed records, cache entries and their metadata.
package model

// EntityType identifies one of the remote data classes the engine keeps
// synchronized.
type EntityType string

const (
	EntityEvents   EntityType = "events"
	EntityStations EntityType = "stations"
	EntityFeed     EntityType = "feed"
)

// AllEntities lists every entity type in a stable order.
func AllEntities() []EntityType {
	return []EntityType{EntityEvents, EntityStations, EntityFeed}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityEvents, EntityStations, EntityFeed:
		return true
	}
	return false
}

// Priority orders entity types for catch-up syncs and launch sequencing.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// ParsePriority maps a config string to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "medium":
		return PriorityMedium, true
	case "high":
		return PriorityHigh, true
	}
	return PriorityLow, false
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ActivityMode selects the scheduling cadence: active while the application
// is in foreground use, passive otherwise.
type ActivityMode string

const (
	ModeActive  ActivityMode = "active"
	ModePassive ActivityMode = "passive"
)
