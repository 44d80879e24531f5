package session

import (
	"context"
	"time"

	"avisobot/internal/eventbus"
	logx "avisobot/pkg/logx"
)

// HealthConfig controls the periodic liveness probe.
type HealthConfig struct {
	Interval     time.Duration // default 60s
	ProbeTimeout time.Duration // default 10s
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Monitor probes session liveness on a fixed interval and raises failure
// signals to the reconnection controller.
type Monitor struct {
	cfg HealthConfig
	svc *Service
	rec *Reconnector
	log logx.Logger
	bus eventbus.Bus
}

func newMonitor(cfg HealthConfig, svc *Service, rec *Reconnector, log logx.Logger, bus eventbus.Bus) *Monitor {
	return &Monitor{
		cfg: cfg,
		svc: svc,
		rec: rec,
		log: log.With(logx.String("comp", "health")),
		bus: bus,
	}
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check runs one probe. Outcomes: pass (Stable and transport-confirmed),
// soft-fail (state mismatch), hard-fail (probe timeout or transport
// error). Any fail triggers reconnection unless one is already in
// flight; checks are skipped entirely while reconnecting to avoid
// duplicate triggers.
func (m *Monitor) check(ctx context.Context) {
	if m.rec.IsReconnecting() {
		m.log.Debug("health check skipped (reconnection in flight)")
		return
	}

	sess := m.svc.current()
	if sess == nil {
		return
	}
	st := sess.State()
	if st == AuthFailed {
		// Terminal; reconnection would be refused anyway.
		return
	}
	if st == Idle || st == Connecting {
		// Startup still in progress; not a health failure.
		return
	}

	if st != Stable || !sess.Client().Connected() {
		m.fail("soft", "state mismatch: "+st.String())
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := sess.Client().Probe(pctx)
	cancel()
	if err != nil {
		m.fail("hard", "probe failed: "+err.Error())
		return
	}

	m.log.Debug("health check passed")
}

func (m *Monitor) fail(kind, reason string) {
	m.log.Warn("health check failed", logx.String("kind", kind), logx.String("reason", reason))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Topic: eventbus.TopicHealthFailed, Data: reason})
	}
	m.rec.Trigger("health " + kind + " failure: " + reason)
}
