// Package signal tracks the two external booleans the engine schedules by:
// connectivity (online/offline) and visibility (foreground/background).
// External signal sources push state in; the engine consumes transitions
// over a channel.
package signal

import (
	"sync"

	"github.com/mlindgren/lagesbild/internal/model"
)

// TransitionKind names the four meaningful state changes.
type TransitionKind string

const (
	// Resumed is offline -> online: rebuild all timers and force an
	// immediate full sync.
	Resumed TransitionKind = "resumed"

	// Paused is online -> offline: cancel all timers, state preserved.
	Paused TransitionKind = "paused"

	// Activated is background -> foreground: rebuild with active intervals
	// plus an immediate forced sync.
	Activated TransitionKind = "activated"

	// Deactivated is foreground -> background: rebuild with passive
	// intervals only, no immediate sync.
	Deactivated TransitionKind = "deactivated"
)

// Transition is one state change, carrying the state after the change.
type Transition struct {
	Kind       TransitionKind
	Online     bool
	Foreground bool
}

// transitionBuffer sizes subscriber channels. Transitions are rare; a full
// channel drops the oldest semantics are not needed, drop-new is fine.
const transitionBuffer = 8

// Monitor holds the combined connectivity/activity state. All transitions
// are idempotent: repeated identical signals publish nothing.
type Monitor struct {
	mu         sync.Mutex
	online     bool
	foreground bool
	subs       []chan Transition
}

// NewMonitor creates a Monitor. The initial state is online and foreground,
// matching a freshly launched interactive application.
func NewMonitor() *Monitor {
	return &Monitor{online: true, foreground: true}
}

// Subscribe returns a channel receiving all future transitions.
func (m *Monitor) Subscribe() <-chan Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Transition, transitionBuffer)
	m.subs = append(m.subs, ch)
	return ch
}

// SetOnline records a connectivity signal. A no-op when unchanged.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	kind := Paused
	if online {
		kind = Resumed
	}
	m.publishLocked(kind)
}

// SetForeground records a visibility signal. A no-op when unchanged.
func (m *Monitor) SetForeground(foreground bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.foreground == foreground {
		return
	}
	m.foreground = foreground

	kind := Deactivated
	if foreground {
		kind = Activated
	}
	m.publishLocked(kind)
}

// Online returns the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Mode derives the activity mode from visibility.
func (m *Monitor) Mode() model.ActivityMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.foreground {
		return model.ModeActive
	}
	return model.ModePassive
}

// publishLocked fans the transition out. Caller holds m.mu.
func (m *Monitor) publishLocked(kind TransitionKind) {
	tr := Transition{Kind: kind, Online: m.online, Foreground: m.foreground}
	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
		}
	}
}
