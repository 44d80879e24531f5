package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"avisobot/internal/eventbus"
	logx "avisobot/pkg/logx"
)

// ReconnectConfig bounds the reconnection escalation.
type ReconnectConfig struct {
	MaxAttempts    int           // default 5
	BaseDelay      time.Duration // default 30s
	MaxDelay       time.Duration // default 300s
	TeardownSettle time.Duration // default 3s
	FollowupRetry  time.Duration // default 5s
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 300 * time.Second
	}
	if c.TeardownSettle <= 0 {
		c.TeardownSettle = 3 * time.Second
	}
	if c.FollowupRetry <= 0 {
		c.FollowupRetry = 5 * time.Second
	}
	return c
}

// backoffDelay is the escalation schedule: min(base * 2^count, cap).
func (c ReconnectConfig) backoffDelay(count int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < count; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Reconnector reacts to disconnect and health-failure signals and drives
// bounded-exponential-backoff reconnection attempts. It is mutually
// exclusive with itself: a trigger is ignored while an attempt is in
// flight.
type Reconnector struct {
	cfg ReconnectConfig
	svc *Service
	log logx.Logger
	bus eventbus.Bus

	reconnecting atomic.Bool

	mu        sync.Mutex
	count     int
	exhausted bool
}

func newReconnector(cfg ReconnectConfig, svc *Service, log logx.Logger, bus eventbus.Bus) *Reconnector {
	return &Reconnector{
		cfg: cfg,
		svc: svc,
		log: log.With(logx.String("comp", "reconnect")),
		bus: bus,
	}
}

// IsReconnecting reports whether an attempt is in flight. Health checks
// are skipped while it is true.
func (r *Reconnector) IsReconnecting() bool { return r.reconnecting.Load() }

// Attempts returns the current escalation count. It resets to zero only
// on a successful transition to Stable.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// noteStable is called by the service when a session reaches Stable.
func (r *Reconnector) noteStable() {
	r.mu.Lock()
	r.count = 0
	r.exhausted = false
	r.mu.Unlock()
}

// Reset clears a terminal exhaustion so a fresh escalation can run.
// External intervention only; nothing in the process calls it.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.count = 0
	r.exhausted = false
	r.mu.Unlock()
}

// Trigger schedules a reconnection attempt. Ignored while one is already
// in flight, after an AuthFailed (terminal), and once the budget is
// exhausted.
func (r *Reconnector) Trigger(reason string) {
	if r.svc.State() == AuthFailed {
		r.log.Warn("not reconnecting: authentication failed (manual action required)", logx.String("trigger", reason))
		return
	}

	if !r.reconnecting.CompareAndSwap(false, true) {
		r.log.Debug("reconnection already in flight; trigger ignored", logx.String("trigger", reason))
		return
	}

	r.mu.Lock()
	if r.exhausted {
		r.mu.Unlock()
		r.reconnecting.Store(false)
		return
	}
	if r.count >= r.cfg.MaxAttempts {
		r.exhausted = true
		count := r.count
		r.mu.Unlock()
		r.reconnecting.Store(false)
		r.terminal(count)
		return
	}
	count := r.count
	r.count++
	r.mu.Unlock()

	delay := r.cfg.backoffDelay(count)
	r.log.Warn("reconnection scheduled",
		logx.String("trigger", reason),
		logx.Int("attempt", count+1),
		logx.Int("max_attempts", r.cfg.MaxAttempts),
		logx.Duration("delay", delay))

	r.svc.sup.Go0("session.reconnect", func(ctx context.Context) {
		if err := sleepCtx(ctx, delay); err != nil {
			r.reconnecting.Store(false)
			return
		}
		r.attempt(ctx)
	})
}

// attempt tears down the current session, builds a fresh one, and
// initializes it. On failure with remaining budget a short follow-up
// re-enters the same escalation path.
func (r *Reconnector) attempt(ctx context.Context) {
	defer r.reconnecting.Store(false)

	if cur := r.svc.current(); cur != nil {
		cur.teardown()
	}
	if err := sleepCtx(ctx, r.cfg.TeardownSettle); err != nil {
		return
	}

	sess, err := r.svc.rebuild(ctx)
	if err == nil {
		err = sess.Initialize(ctx)
	}
	if err == nil {
		r.log.Info("reconnection succeeded")
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.log.Warn("reconnection attempt failed", logx.Err(err))

	r.mu.Lock()
	budgetLeft := !r.exhausted && r.count < r.cfg.MaxAttempts
	count := r.count
	r.mu.Unlock()

	if !budgetLeft {
		r.mu.Lock()
		r.exhausted = true
		r.mu.Unlock()
		r.terminal(count)
		return
	}

	r.svc.sup.Go0("session.reconnect.followup", func(c context.Context) {
		if err := sleepCtx(c, r.cfg.FollowupRetry); err != nil {
			return
		}
		r.Trigger("follow-up retry")
	})
}

// terminal reports reconnection exhaustion once. No further automatic
// attempts happen until an external Reset.
func (r *Reconnector) terminal(count int) {
	r.svc.setTerminal(ErrExhausted)
	r.log.Error("reconnection attempts exhausted; manual intervention required", logx.Int("attempts", count))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Topic: eventbus.TopicReconnectExhausted, Data: count})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
