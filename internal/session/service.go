package session

import (
	"context"
	"sync"
	"time"

	"avisobot/internal/eventbus"
	"avisobot/internal/runtime/supervisor"
	"avisobot/internal/transport"
	logx "avisobot/pkg/logx"
)

// Config holds all session-layer timings. Zero values fall back to the
// documented defaults.
type Config struct {
	ReadyTimeout time.Duration // default 90s
	StableSettle time.Duration // default 5s
	ProbeTimeout time.Duration // default 10s

	Reconnect ReconnectConfig
	Health    HealthConfig
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 90 * time.Second
	}
	if c.StableSettle <= 0 {
		c.StableSettle = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	c.Reconnect = c.Reconnect.withDefaults()
	c.Health = c.Health.withDefaults()
	return c
}

// Service owns the current ChannelSession (at most one per process), the
// reconnection controller and the health monitor. All collaborators are
// constructor-injected.
type Service struct {
	cfg     Config
	factory transport.Factory
	log     logx.Logger
	bus     eventbus.Bus

	sup *supervisor.Supervisor
	rec *Reconnector
	mon *Monitor

	mu        sync.Mutex
	cur       *Session
	curCancel context.CancelFunc
	gate      chan struct{} // closed while the current session is Stable
	terminal  error         // set on AuthFailed / reconnect exhaustion
	terminalC chan struct{} // closed when terminal is set
	history   []ConnectionEvent
}

func NewService(cfg Config, factory transport.Factory, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:       cfg.withDefaults(),
		factory:   factory,
		log:       log.With(logx.String("comp", "session")),
		bus:       bus,
		gate:      make(chan struct{}),
		terminalC: make(chan struct{}),
	}
	s.rec = newReconnector(s.cfg.Reconnect, s, s.log, bus)
	s.mon = newMonitor(s.cfg.Health, s, s.rec, s.log, bus)
	return s
}

// Reconnector exposes the controller for external reset after terminal
// failures.
func (s *Service) Reconnector() *Reconnector { return s.rec }

// Start builds the initial session and launches the event pump and the
// health monitor. It does not wait for the session to become Stable;
// callers that need that use EnsureStable.
func (s *Service) Start(ctx context.Context) error {
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))

	if _, err := s.rebuild(s.sup.Context()); err != nil {
		return err
	}

	s.sup.Go0("session.health", func(c context.Context) { s.mon.run(c) })
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cur
	cancel := s.curCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cur != nil {
		cur.teardown()
	}
	if s.sup == nil {
		return nil
	}
	s.sup.Cancel()
	return s.sup.Wait(ctx)
}

func (s *Service) current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// State returns the current session's state (Idle if none exists yet).
func (s *Service) State() State {
	cur := s.current()
	if cur == nil {
		return Idle
	}
	return cur.State()
}

// Client returns the current live transport client, or nil before Start.
func (s *Service) Client() transport.Client {
	cur := s.current()
	if cur == nil {
		return nil
	}
	return cur.Client()
}

// Events returns a snapshot of the bounded connection-event history.
func (s *Service) Events() []ConnectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectionEvent, len(s.history))
	copy(out, s.history)
	return out
}

// rebuild constructs a fresh session through the factory and swaps it in,
// stopping the previous session's pump. Called at Start and by the
// reconnection controller (never concurrently: the connecting/
// reconnecting flags make the writer role exclusive).
func (s *Service) rebuild(ctx context.Context) (*Session, error) {
	events := make(chan transport.Event, 128)
	client, err := s.factory(ctx, events)
	if err != nil {
		return nil, err
	}

	sess := newSession(client, events,
		s.cfg.ReadyTimeout, s.cfg.StableSettle, s.cfg.ProbeTimeout,
		s.log, s.onChange, s.onTransportEvent)

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	oldCancel := s.curCancel
	s.cur = sess
	s.curCancel = cancel
	if s.terminal != nil {
		s.terminal = nil
		s.terminalC = make(chan struct{})
	}
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}

	s.sup.Go0("session.pump", func(context.Context) { sess.run(runCtx) })
	return sess, nil
}

// onChange is invoked synchronously from the session's run loop.
func (s *Service) onChange(ch StateChange) {
	s.appendEvent(ConnectionEvent{Type: ch.To.String(), Reason: ch.Reason, At: ch.At})
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicSessionState, Data: ch})
	}

	switch ch.To {
	case Stable:
		s.setStable(true)
		s.rec.noteStable()
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicSessionStable})
		}
	case Disconnected:
		s.setStable(false)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicSessionDisconnect, Data: ch.Reason})
		}
		s.rec.Trigger("disconnected: " + ch.Reason)
	case AuthFailed:
		s.setStable(false)
		s.setTerminal(ErrAuthFailed)
		s.log.Error("authentication failed; manual re-authentication required", logx.String("reason", ch.Reason))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicSessionAuthFailed, Data: ch.Reason})
		}
	default:
		s.setStable(false)
	}
}

func (s *Service) onTransportEvent(ev transport.Event) {
	if ev.Kind == transport.EventMessage && ev.Message != nil && s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicInboundMessage, Time: ev.Time, Data: ev.Message})
	}
}

func (s *Service) appendEvent(ev ConnectionEvent) {
	s.mu.Lock()
	s.history = append(s.history, ev)
	if len(s.history) > connectionHistorySize {
		s.history = s.history[len(s.history)-connectionHistorySize:]
	}
	s.mu.Unlock()
}

func (s *Service) setStable(stable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stable {
		select {
		case <-s.gate:
			// already closed
		default:
			close(s.gate)
		}
		return
	}
	select {
	case <-s.gate:
		s.gate = make(chan struct{})
	default:
	}
}

func (s *Service) setTerminal(err error) {
	s.mu.Lock()
	if s.terminal == nil {
		s.terminal = err
		close(s.terminalC)
	}
	s.mu.Unlock()
}

// EnsureStable triggers initialization if the current session is not
// Stable. Retry policy belongs to the caller; reconnection after a
// disconnect belongs to the Reconnector.
func (s *Service) EnsureStable(ctx context.Context) error {
	cur := s.current()
	if cur == nil {
		return ErrNotStarted
	}

	s.mu.Lock()
	terminal := s.terminal
	s.mu.Unlock()
	if terminal != nil {
		return terminal
	}

	switch cur.State() {
	case Stable:
		return nil
	case AuthFailed:
		return ErrAuthFailed
	case Idle, Connecting, Ready:
		return cur.Initialize(ctx)
	default:
		// Disconnected: the reconnection controller owns recovery; wait
		// for the replacement session to settle.
		return s.WaitForReady(ctx, s.cfg.ReadyTimeout)
	}
}

// WaitForReady suspends until some session is Stable, a terminal
// condition is reported, or maxWait elapses. Unlike Session.WaitForReady,
// it survives session replacement. The wait is cooperative (channel
// signals), never a polling spin.
func (s *Service) WaitForReady(ctx context.Context, maxWait time.Duration) error {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		gate := s.gate
		terminal := s.terminal
		terminalC := s.terminalC
		s.mu.Unlock()

		if terminal != nil {
			return terminal
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrReadyTimeout
		case <-gate:
			return nil
		case <-terminalC:
			// loop re-reads the terminal error
		}
	}
}
