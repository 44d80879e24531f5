package session

import (
	"context"
	"sync"
	"time"

	"avisobot/internal/transport"
	logx "avisobot/pkg/logx"
)

// Session owns the lifecycle of one connection to the transport. Its
// state is the only shared mutable piece: one writer role at a time
// (initialize or reconnection, mutually exclusive), many readers.
type Session struct {
	client transport.Client
	events <-chan transport.Event

	readyTimeout time.Duration
	stableSettle time.Duration
	probeTimeout time.Duration

	log      logx.Logger
	onChange func(StateChange)
	onEvent  func(transport.Event)

	mu         sync.Mutex
	state      State
	connecting bool
	changed    chan struct{} // closed and replaced on every transition
}

func newSession(client transport.Client, events <-chan transport.Event, readyTimeout, stableSettle, probeTimeout time.Duration, log logx.Logger, onChange func(StateChange), onEvent func(transport.Event)) *Session {
	return &Session{
		client:       client,
		events:       events,
		readyTimeout: readyTimeout,
		stableSettle: stableSettle,
		probeTimeout: probeTimeout,
		log:          log,
		onChange:     onChange,
		onEvent:      onEvent,
		state:        Idle,
		changed:      make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Client() transport.Client { return s.client }

// transition moves the state machine along an allowed edge. Invalid
// edges are rejected (logged, state unchanged).
func (s *Session) transition(to State, reason string) bool {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return false
	}
	if !edgeAllowed(from, to) {
		s.mu.Unlock()
		s.log.Warn("illegal state transition rejected",
			logx.String("from", from.String()), logx.String("to", to.String()), logx.String("reason", reason))
		return false
	}
	s.state = to
	ch := s.changed
	s.changed = make(chan struct{})
	s.mu.Unlock()

	close(ch)
	s.log.Info("session state", logx.String("from", from.String()), logx.String("to", to.String()), logx.String("reason", reason))
	if s.onChange != nil {
		s.onChange(StateChange{From: from, To: to, Reason: reason, At: time.Now()})
	}
	return true
}

// run is the session's single state-machine loop: it consumes transport
// events in order and drives Ready→Stable settling. It exits when the
// context is canceled or the session reaches a terminal state.
func (s *Session) run(ctx context.Context) {
	var settle <-chan time.Time
	var settleTimer *time.Timer
	stopSettle := func() {
		if settleTimer != nil {
			settleTimer.Stop()
			settleTimer = nil
		}
		settle = nil
	}
	defer stopSettle()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-s.events:
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventConnected:
				if s.transition(Ready, "transport connected") {
					stopSettle()
					settleTimer = time.NewTimer(s.stableSettle)
					settle = settleTimer.C
				}
			case transport.EventDisconnected, transport.EventStreamReplaced:
				stopSettle()
				reason := ev.Reason
				if reason == "" {
					reason = string(ev.Kind)
				}
				s.transition(Disconnected, reason)
				return
			case transport.EventAuthFailed:
				stopSettle()
				s.transition(AuthFailed, ev.Reason)
				return
			case transport.EventMessage:
				if s.onEvent != nil {
					s.onEvent(ev)
				}
			}

		case <-settle:
			stopSettle()
			if s.State() != Ready {
				continue
			}
			// Liveness probe confirms the connection settled; only then
			// is the session promoted to Stable.
			pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
			err := s.client.Probe(pctx)
			cancel()
			if err != nil {
				s.log.Warn("settle probe failed; staying ready", logx.Err(err))
				settleTimer = time.NewTimer(s.stableSettle)
				settle = settleTimer.C
				continue
			}
			s.transition(Stable, "settle probe passed")
		}
	}
}

// Initialize is idempotent: a no-op when already Stable, a cooperative
// wait when a connect is already in flight, and the connect trigger
// otherwise. It returns ErrReadyTimeout if Stable is not reached within
// the ready timeout.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Stable:
		s.mu.Unlock()
		return nil
	case AuthFailed:
		s.mu.Unlock()
		return ErrAuthFailed
	case Disconnected:
		s.mu.Unlock()
		return ErrClosed
	}
	if s.connecting {
		// Another caller holds the writer role; just wait.
		s.mu.Unlock()
		return s.WaitForReady(ctx, s.readyTimeout)
	}
	s.connecting = true
	fromIdle := s.state == Idle
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	if fromIdle {
		s.transition(Connecting, "initialize")
		if err := s.client.Connect(ctx); err != nil {
			s.transition(Disconnected, "connect failed: "+err.Error())
			return err
		}
	}
	return s.WaitForReady(ctx, s.readyTimeout)
}

// WaitForReady suspends the caller until the session is Stable, a
// terminal state is reached, or maxWait elapses. It does not retry.
func (s *Session) WaitForReady(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		s.mu.Lock()
		st := s.state
		ch := s.changed
		s.mu.Unlock()

		switch st {
		case Stable:
			return nil
		case AuthFailed:
			return ErrAuthFailed
		case Disconnected:
			return ErrClosed
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			return ErrReadyTimeout
		}
		t := time.NewTimer(remain)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			return ErrReadyTimeout
		case <-ch:
			t.Stop()
		}
	}
}

// teardown disconnects the transport best-effort. Failures are logged,
// never propagated; a torn-down session is never revived. Credentials
// are kept (no logout), so the replacement session can re-authenticate.
func (s *Session) teardown() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("session teardown panicked", logx.Any("panic", r))
		}
	}()
	s.client.Disconnect()
}
