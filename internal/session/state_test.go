package session

import "testing"

func TestEdgeAllowed(t *testing.T) {
	t.Parallel()
	allowed := []struct{ from, to State }{
		{Idle, Connecting},
		{Connecting, Ready},
		{Connecting, Disconnected},
		{Connecting, AuthFailed},
		{Ready, Stable},
		{Ready, Disconnected},
		{Ready, AuthFailed},
		{Stable, Disconnected},
		{Stable, AuthFailed},
	}
	for _, e := range allowed {
		if !edgeAllowed(e.from, e.to) {
			t.Errorf("edge %s -> %s should be allowed", e.from, e.to)
		}
	}

	forbidden := []struct{ from, to State }{
		{Idle, Ready},
		{Idle, Stable},
		{Connecting, Stable},
		{Ready, Connecting},
		{Stable, Ready},
		{Stable, Connecting},
		{Disconnected, Connecting},
		{Disconnected, Ready},
		{AuthFailed, Connecting},
		{AuthFailed, Idle},
	}
	for _, e := range forbidden {
		if edgeAllowed(e.from, e.to) {
			t.Errorf("edge %s -> %s should be rejected", e.from, e.to)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []State{Idle, Connecting, Ready, Stable} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{Disconnected, AuthFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	want := map[State]string{
		Idle:         "idle",
		Connecting:   "connecting",
		Ready:        "ready",
		Stable:       "stable",
		Disconnected: "disconnected",
		AuthFailed:   "auth_failed",
		State(99):    "unknown",
	}
	for s, str := range want {
		if got := s.String(); got != str {
			t.Errorf("State(%d).String() = %s, want %s", s, got, str)
		}
	}
}
