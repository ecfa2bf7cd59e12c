// Package engine owns the sync scheduler: one timer per entity type, an
// in-flight guard serializing syncs of the same type, staleness skips,
// per-cycle retry with exponential backoff, and mode-driven rescheduling.
// No error from a sync may crash the loop or block other entity types.
package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mlindgren/lagesbild/internal/config"
	"github.com/mlindgren/lagesbild/internal/logging"
	"github.com/mlindgren/lagesbild/internal/model"
	"github.com/mlindgren/lagesbild/internal/notify"
	"github.com/mlindgren/lagesbild/internal/signal"
	"github.com/mlindgren/lagesbild/internal/store"
)

// CatchupTag names the deferred background sync registered when a sync is
// missed or fails while offline.
const CatchupTag = "catchup-sync"

// cleanupInterval paces the retention sweep.
const cleanupInterval = time.Hour

// Source produces processed records for one entity type. since is the
// client-side delta window; the zero time disables filtering.
type Source interface {
	Sync(ctx context.Context, since time.Time) ([]model.Record, error)
}

// RecordStore is the store surface the scheduler needs. *store.Store
// implements it; tests inject fakes.
type RecordStore interface {
	Put(entity model.EntityType, records []model.Record, source string) (int, error)
	Get(entity model.EntityType, q store.Query) ([]model.CachedRecord, error)
	LastSync(entity model.EntityType) (time.Time, error)
	SetLastSync(entity model.EntityType, t time.Time) error
}

// Deferred registers tagged catch-up work with the background coordinator.
type Deferred interface {
	Register(tag string)
}

// SyncOptions modify a single TriggerSync call.
type SyncOptions struct {
	// Priority is carried for launch ordering in SyncAll.
	Priority model.Priority

	// Force bypasses the offline and staleness guards. The in-flight guard
	// is never bypassed.
	Force bool
}

// Health is the sync-health introspection snapshot.
type Health struct {
	Online           bool
	Mode             model.ActivityMode
	LastSync         map[model.EntityType]time.Time
	ActiveTimerCount int
}

// entityState is the per-entity SyncState: lastSync never decreases on
// success and is unchanged on failure; inFlight serializes syncs of the
// same type.
type entityState struct {
	lastSync   time.Time
	inFlight   bool
	retry      *cyclePolicy
	retryTimer *time.Timer
}

// Scheduler coordinates periodic and on-demand syncs for every entity type.
// Construct with New, start with Start, stop by cancelling the context.
type Scheduler struct {
	cfg      *config.Config
	store    RecordStore
	sources  map[model.EntityType]Source
	monitor  *signal.Monitor
	bus      *notify.Bus
	deferred Deferred // optional
	now      func() time.Time

	mu        sync.Mutex
	states    map[model.EntityType]*entityState
	timers    map[model.EntityType]*time.Timer
	timerGen  int
	dataReady bool

	wg sync.WaitGroup
}

// New creates a Scheduler. now may be nil for the system clock. Persisted
// last-sync timestamps are loaded so delta windows survive restarts.
func New(cfg *config.Config, st RecordStore, sources map[model.EntityType]Source, mon *signal.Monitor, bus *notify.Bus, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}

	s := &Scheduler{
		cfg:     cfg,
		store:   st,
		sources: sources,
		monitor: mon,
		bus:     bus,
		now:     now,
		states:  make(map[model.EntityType]*entityState),
		timers:  make(map[model.EntityType]*time.Timer),
	}

	for t := range cfg.Entities {
		es := &entityState{
			retry: newCyclePolicy(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.MaxRetries),
		}
		if st != nil {
			if last, err := st.LastSync(t); err == nil {
				es.lastSync = last
			} else {
				logging.Warn("load last sync failed", "type", t, "error", err)
			}
		}
		s.states[t] = es
	}
	return s
}

// UseDeferred wires the background sync coordinator. Optional; without it,
// missed offline syncs rely on the next periodic tick alone.
func (s *Scheduler) UseDeferred(d Deferred) {
	s.deferred = d
}

// Start begins periodic syncing and transition handling. Cancel the context
// to stop; call Wait to drain.
func (s *Scheduler) Start(ctx context.Context) {
	s.rebuildTimers(ctx)

	sub := s.monitor.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		cleanup := time.NewTicker(cleanupInterval)
		defer cleanup.Stop()

		for {
			select {
			case <-ctx.Done():
				s.stopTimers()
				return
			case tr := <-sub:
				s.handleTransition(ctx, tr)
			case <-cleanup.C:
				s.sweep()
			}
		}
	}()
}

// Wait blocks until background goroutines exit. Call after cancelling the
// context passed to Start.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// handleTransition reacts to a connectivity or visibility change. All
// rescheduling clears and recreates every timer; there is no partial
// cancellation.
func (s *Scheduler) handleTransition(ctx context.Context, tr signal.Transition) {
	logging.Info("mode transition", "kind", tr.Kind, "online", tr.Online, "foreground", tr.Foreground)

	switch tr.Kind {
	case signal.Resumed:
		s.rebuildTimers(ctx)
		s.syncAllAsync(ctx)
	case signal.Paused:
		s.stopTimers()
	case signal.Activated:
		s.rebuildTimers(ctx)
		s.syncAllAsync(ctx)
	case signal.Deactivated:
		s.rebuildTimers(ctx)
	}
}

// syncAllAsync runs a forced full sync without blocking the transition loop.
func (s *Scheduler) syncAllAsync(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.SyncAll(ctx, SyncOptions{Priority: model.PriorityHigh, Force: true})
	}()
}

// SyncAll fires all entity types concurrently with independent failure
// domains: one type's failure never cancels or fails the others. Higher
// priority entities launch first.
func (s *Scheduler) SyncAll(ctx context.Context, opts SyncOptions) {
	ordered := s.entitiesByPriority()

	var g errgroup.Group
	for _, t := range ordered {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			s.TriggerSync(ctx, t, opts)
			return nil // never fail the group - errors contained per-type
		})
	}
	_ = g.Wait()
}

// TriggerSync syncs one entity type, returning the freshest available
// records. Every failure path degrades to a store read; the only error case
// is an unknown entity type.
func (s *Scheduler) TriggerSync(ctx context.Context, t model.EntityType, opts SyncOptions) []model.CachedRecord {
	src, ok := s.sources[t]
	if !ok {
		logging.Error("no source for entity", "type", t)
		return nil
	}

	s.mu.Lock()
	st := s.states[t]

	// At most one in-flight sync per entity type. A concurrent caller gets
	// the current cached view instead of double-firing the fetch.
	if st.inFlight {
		s.mu.Unlock()
		return s.cachedRead(t)
	}

	if !opts.Force && !s.monitor.Online() {
		s.mu.Unlock()
		s.registerCatchup()
		return s.cachedRead(t)
	}

	interval := s.cfg.Interval(t, s.monitor.Mode())
	if !opts.Force && !st.lastSync.IsZero() && s.now().Sub(st.lastSync) < interval {
		// Soft staleness skip, not an error.
		s.mu.Unlock()
		return s.cachedRead(t)
	}

	st.inFlight = true
	since := time.Time{}
	if s.cfg.Entities[t].DeltaSupported {
		since = st.lastSync
	}
	s.mu.Unlock()

	records, err := src.Sync(ctx, since)

	if err != nil {
		s.mu.Lock()
		st.inFlight = false
		s.mu.Unlock()

		logging.Error("sync failed", "type", t, "error", err)
		s.scheduleRetry(ctx, t)
		if !s.monitor.Online() {
			s.registerCatchup()
		}
		s.bus.Publish(notify.Degraded{Reason: "sync failed for " + string(t) + ", serving cached data"})
		return s.cachedRead(t)
	}

	written := 0
	if s.store != nil {
		var putErr error
		written, putErr = s.store.Put(t, records, string(t))
		if putErr != nil {
			// Storage degradation is never propagated upward.
			logging.Warn("store write failed", "type", t, "error", putErr)
		}
	}

	now := s.now()
	s.mu.Lock()
	st.inFlight = false
	if now.After(st.lastSync) {
		st.lastSync = now
	}
	st.retry.reset()
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
	first := !s.dataReady
	s.dataReady = true
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SetLastSync(t, now); err != nil {
			logging.Warn("persist last sync failed", "type", t, "error", err)
		}
	}

	if first {
		s.bus.Publish(notify.DataReady{})
	}
	s.bus.Publish(notify.DataUpdated{Entity: t, Count: written})
	logging.Info("sync complete", "type", t, "records", len(records), "written", written)

	return s.cachedRead(t)
}

// scheduleRetry advances the entity's cycle retry state machine. Exhausting
// the budget abandons the cycle; the next periodic tick starts fresh.
func (s *Scheduler) scheduleRetry(ctx context.Context, t model.EntityType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[t]
	delay, ok := st.retry.next()
	if !ok {
		logging.Warn("sync abandoned", "type", t, "error", ErrRetryExhausted)
		return
	}

	logging.Info("scheduling sync retry", "type", t, "attempt", st.retry.attemptCount(), "delay", delay)

	if st.retryTimer != nil {
		st.retryTimer.Stop()
	}
	st.retryTimer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		s.TriggerSync(ctx, t, SyncOptions{Force: true})
	})
}

// rebuildTimers clears and recreates every periodic timer using the current
// activity mode's interval.
func (s *Scheduler) rebuildTimers(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimersLocked()
	s.timerGen++
	gen := s.timerGen
	mode := s.monitor.Mode()

	for t := range s.cfg.Entities {
		interval := s.cfg.Interval(t, mode)
		s.timers[t] = time.AfterFunc(interval, s.tickFunc(ctx, t, gen))
	}
}

// tickFunc builds the periodic tick callback for one entity. A stale
// generation means the timer set was rebuilt and this tick must not re-arm.
func (s *Scheduler) tickFunc(ctx context.Context, t model.EntityType, gen int) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		current := gen == s.timerGen
		s.mu.Unlock()
		if !current {
			return
		}

		s.TriggerSync(ctx, t, SyncOptions{})

		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.timerGen {
			return
		}
		interval := s.cfg.Interval(t, s.monitor.Mode())
		s.timers[t] = time.AfterFunc(interval, s.tickFunc(ctx, t, gen))
	}
}

// stopTimers cancels every periodic and retry timer. Sync state is
// preserved.
func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
}

func (s *Scheduler) stopTimersLocked() {
	s.timerGen++
	for t, timer := range s.timers {
		timer.Stop()
		delete(s.timers, t)
	}
	for _, st := range s.states {
		if st.retryTimer != nil {
			st.retryTimer.Stop()
			st.retryTimer = nil
		}
	}
}

// cachedRead serves the persisted view. An unavailable store degrades to an
// empty result with a warning, never an error.
func (s *Scheduler) cachedRead(t model.EntityType) []model.CachedRecord {
	if s.store == nil {
		logging.Warn("store unavailable, returning empty result", "type", t)
		return nil
	}
	records, err := s.store.Get(t, store.Query{Limit: s.cfg.RecordCap})
	if err != nil {
		logging.Warn("store read failed, returning empty result", "type", t, "error", err)
		return nil
	}
	return records
}

// sweep runs the retention cleanup on the shared store.
func (s *Scheduler) sweep() {
	type sweeper interface {
		Cleanup() (int64, error)
	}
	sw, ok := s.store.(sweeper)
	if !ok {
		return
	}
	removed, err := sw.Cleanup()
	if err != nil {
		logging.Warn("retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		logging.Info("retention sweep", "removed", removed)
	}
}

// registerCatchup records the deferred catch-up tag, if a coordinator is
// wired.
func (s *Scheduler) registerCatchup() {
	if s.deferred != nil {
		s.deferred.Register(CatchupTag)
	}
}

// entitiesByPriority returns entity types ordered high to low.
func (s *Scheduler) entitiesByPriority() []model.EntityType {
	ordered := make([]model.EntityType, 0, len(s.cfg.Entities))
	for _, t := range model.AllEntities() {
		if _, ok := s.cfg.Entities[t]; ok {
			ordered = append(ordered, t)
		}
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if s.cfg.Entities[ordered[j]].PriorityValue() > s.cfg.Entities[ordered[i]].PriorityValue() {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	return ordered
}

// Health returns the sync-health snapshot.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := make(map[model.EntityType]time.Time, len(s.states))
	for t, st := range s.states {
		last[t] = st.lastSync
	}
	return Health{
		Online:           s.monitor.Online(),
		Mode:             s.monitor.Mode(),
		LastSync:         last,
		ActiveTimerCount: len(s.timers),
	}
}

// LastSync exposes one entity's last successful sync time.
func (s *Scheduler) LastSync(t model.EntityType) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[t]; ok {
		return st.lastSync
	}
	return time.Time{}
}
