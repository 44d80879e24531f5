package session

import (
	"testing"
	"time"
)

func TestBackoffDelaySchedule(t *testing.T) {
	t.Parallel()
	cfg := ReconnectConfig{}.withDefaults()
	want := []time.Duration{
		30 * time.Second,  // attempt 1
		60 * time.Second,  // attempt 2
		120 * time.Second, // attempt 3
		240 * time.Second, // attempt 4
		300 * time.Second, // attempt 5, capped
		300 * time.Second, // stays capped
	}
	for count, w := range want {
		if got := cfg.backoffDelay(count); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", count, got, w)
		}
	}
}

func TestBackoffDelayCustomCap(t *testing.T) {
	t.Parallel()
	cfg := ReconnectConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond}.withDefaults()
	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		35 * time.Millisecond,
		35 * time.Millisecond,
	}
	for count, w := range want {
		if got := cfg.backoffDelay(count); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", count, got, w)
		}
	}
}

func TestReconnectConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := ReconnectConfig{}.withDefaults()
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.BaseDelay != 30*time.Second {
		t.Errorf("BaseDelay = %v", cfg.BaseDelay)
	}
	if cfg.MaxDelay != 300*time.Second {
		t.Errorf("MaxDelay = %v", cfg.MaxDelay)
	}
	if cfg.TeardownSettle != 3*time.Second {
		t.Errorf("TeardownSettle = %v", cfg.TeardownSettle)
	}
	if cfg.FollowupRetry != 5*time.Second {
		t.Errorf("FollowupRetry = %v", cfg.FollowupRetry)
	}
}
