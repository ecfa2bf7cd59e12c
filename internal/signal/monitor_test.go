package signal

import (
	"testing"

	"github.com/mlindgren/lagesbild/internal/model"
)

func drain(ch <-chan Transition) []Transition {
	var got []Transition
	for {
		select {
		case tr := <-ch:
			got = append(got, tr)
		default:
			return got
		}
	}
}

func TestInitialState(t *testing.T) {
	m := NewMonitor()
	if !m.Online() {
		t.Error("monitor should start online")
	}
	if m.Mode() != model.ModeActive {
		t.Errorf("mode = %v, want active", m.Mode())
	}
}

func TestConnectivityTransitions(t *testing.T) {
	m := NewMonitor()
	ch := m.Subscribe()

	m.SetOnline(false)
	m.SetOnline(true)

	got := drain(ch)
	if len(got) != 2 {
		t.Fatalf("got %d transitions, want 2", len(got))
	}
	if got[0].Kind != Paused || got[0].Online {
		t.Errorf("first transition = %+v, want paused/offline", got[0])
	}
	if got[1].Kind != Resumed || !got[1].Online {
		t.Errorf("second transition = %+v, want resumed/online", got[1])
	}
}

func TestVisibilityTransitions(t *testing.T) {
	m := NewMonitor()
	ch := m.Subscribe()

	m.SetForeground(false)
	if m.Mode() != model.ModePassive {
		t.Errorf("mode = %v, want passive", m.Mode())
	}
	m.SetForeground(true)
	if m.Mode() != model.ModeActive {
		t.Errorf("mode = %v, want active", m.Mode())
	}

	got := drain(ch)
	if len(got) != 2 {
		t.Fatalf("got %d transitions, want 2", len(got))
	}
	if got[0].Kind != Deactivated {
		t.Errorf("first transition = %v, want deactivated", got[0].Kind)
	}
	if got[1].Kind != Activated {
		t.Errorf("second transition = %v, want activated", got[1].Kind)
	}
}

func TestRepeatedSignalsAreIdempotent(t *testing.T) {
	m := NewMonitor()
	ch := m.Subscribe()

	m.SetOnline(true)
	m.SetOnline(true)
	m.SetForeground(true)
	m.SetForeground(false)
	m.SetForeground(false)

	got := drain(ch)
	if len(got) != 1 {
		t.Fatalf("got %d transitions, want 1 (only the real change)", len(got))
	}
	if got[0].Kind != Deactivated {
		t.Errorf("transition = %v, want deactivated", got[0].Kind)
	}
}

func TestTransitionCarriesCombinedState(t *testing.T) {
	m := NewMonitor()
	ch := m.Subscribe()

	m.SetForeground(false)
	m.SetOnline(false)

	got := drain(ch)
	if len(got) != 2 {
		t.Fatalf("got %d transitions, want 2", len(got))
	}
	last := got[1]
	if last.Online || last.Foreground {
		t.Errorf("transition = %+v, want offline/background", last)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewMonitor()
	_ = m.Subscribe() // never read

	// More flips than the channel buffers; must not deadlock.
	for i := 0; i < transitionBuffer*2; i++ {
		m.SetOnline(i%2 == 0)
	}
}
