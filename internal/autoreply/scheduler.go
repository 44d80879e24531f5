// Package autoreply schedules debounced, cancellable out-of-hours
// replies to inbound messages, with per-conversation suppression.
package autoreply

import (
	"context"
	"sync"
	"time"

	"avisobot/internal/eventbus"
	"avisobot/internal/hours"
	"avisobot/internal/transport"
	logx "avisobot/pkg/logx"
)

// Sender delivers the reply text. Satisfied by delivery.Pipeline.
type Sender interface {
	SendDirect(ctx context.Context, chat transport.ChatID, text string) (transport.Receipt, error)
}

// Unreader flags a conversation for human follow-up. Satisfied by
// transport clients; nil values disable the courtesy signal.
type Unreader interface {
	MarkUnread(ctx context.Context, chat transport.ChatID) error
}

type Config struct {
	ReplyDelay        time.Duration // default 8s (tuned to look less automated)
	SuppressionWindow time.Duration // default 1h
}

func (c Config) withDefaults() Config {
	if c.ReplyDelay <= 0 {
		c.ReplyDelay = 8 * time.Second
	}
	if c.SuppressionWindow <= 0 {
		c.SuppressionWindow = time.Hour
	}
	return c
}

// markerWindow is how long an own outgoing send suppresses echo-induced
// "inbound" activity on the same conversation.
const markerWindow = 15 * time.Second

// replyState tracks one conversation. At most one live timer exists per
// conversation at any time.
type replyState struct {
	lastRepliedAt time.Time
	timer         *time.Timer
}

// Scheduler consumes inbound-message events and owns all auto-reply
// timers. Timers are cancelled by newer inbound activity on the same
// conversation (debounce) and by shutdown.
type Scheduler struct {
	oracle   *hours.Oracle
	sender   Sender
	unreader func() Unreader
	log      logx.Logger
	bus      eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	replies map[transport.ChatID]*replyState
	markers map[transport.ChatID]time.Time
	runCtx  context.Context
	stopped bool
}

func NewScheduler(cfg Config, oracle *hours.Oracle, sender Sender, unreader func() Unreader, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		oracle:   oracle,
		sender:   sender,
		unreader: unreader,
		log:      log.With(logx.String("comp", "autoreply")),
		bus:      bus,
		cfg:      cfg.withDefaults(),
		replies:  map[transport.ChatID]*replyState{},
		markers:  map[transport.ChatID]time.Time{},
	}
}

// Reconfigure applies new timings; they take effect for subsequently
// scheduled replies.
func (s *Scheduler) Reconfigure(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// SuppressionWindow returns the current window (the maintenance sweep
// runs at this interval).
func (s *Scheduler) SuppressionWindow() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SuppressionWindow
}

// Run consumes inbound messages from the bus until ctx is done, then
// cancels every pending timer.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	events, unsub := s.bus.Subscribe(64)
	defer unsub()
	defer s.cancelAll()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Topic != eventbus.TopicInboundMessage {
				continue
			}
			msg, ok := ev.Data.(*transport.Message)
			if !ok || msg == nil {
				continue
			}
			s.HandleInbound(msg)
		}
	}
}

// HandleInbound applies the decision chain for one inbound message:
// discard group/broadcast/own traffic, debounce any pending timer, ask
// the oracle, honor the suppression window, then schedule.
func (s *Scheduler) HandleInbound(msg *transport.Message) {
	if msg.Group || msg.Broadcast || msg.FromMe {
		return
	}
	chat := msg.Chat
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	// Transports can echo our own outgoing message back as fresh
	// activity; the short-lived send marker filters that.
	if at, ok := s.markers[chat]; ok && now.Sub(at) < markerWindow {
		return
	}

	st := s.replies[chat]
	if st == nil {
		st = &replyState{}
		s.replies[chat] = st
	}

	// Every new inbound message debounces the pending reply.
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}

	text, closed := s.oracle.GetAutoReplyMessage(now)
	if !closed {
		return
	}

	if !st.lastRepliedAt.IsZero() && now.Sub(st.lastRepliedAt) < s.cfg.SuppressionWindow {
		return
	}

	delay := s.cfg.ReplyDelay
	var t *time.Timer
	t = time.AfterFunc(delay, func() { s.fire(chat, text, t) })
	st.timer = t
	s.log.Debug("auto-reply scheduled", logx.String("chat", chat.String()), logx.Duration("delay", delay))
}

// fire runs when a reply timer elapses. The suppression window is
// re-checked: a concurrent reply may have satisfied it in the meantime.
// The timer identity check covers the other race: an inbound message
// that debounces while fire waits on the mutex replaces st.timer, and
// the stale fire must yield to the new timer instead of sending early.
func (s *Scheduler) fire(chat transport.ChatID, text string, t *time.Timer) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	window := s.cfg.SuppressionWindow
	st := s.replies[chat]
	if st == nil || st.timer != t {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	if !st.lastRepliedAt.IsZero() && time.Since(st.lastRepliedAt) < window {
		s.mu.Unlock()
		return
	}
	// Record the send marker before sending so the transport's echo of
	// our own message is not mistaken for new inbound activity.
	s.markers[chat] = time.Now()
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.sender.SendDirect(ctx, chat, text); err != nil {
		s.log.Warn("auto-reply send failed", logx.String("chat", chat.String()), logx.Err(err))
		return
	}

	s.mu.Lock()
	st.lastRepliedAt = time.Now()
	s.mu.Unlock()

	// Courtesy signal for human follow-up.
	if s.unreader != nil {
		if u := s.unreader(); u != nil {
			uctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := u.MarkUnread(uctx, chat); err != nil {
				s.log.Debug("mark unread failed", logx.String("chat", chat.String()), logx.Err(err))
			}
			cancel()
		}
	}

	s.log.Info("auto-reply sent", logx.String("chat", chat.String()))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicAutoReplySent, Data: chat.String()})
	}
}

// Sweep deletes expired suppression entries and stale send markers to
// bound memory. The maintenance service runs it at the suppression-
// window interval.
func (s *Scheduler) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for chat, st := range s.replies {
		if st.timer != nil {
			continue
		}
		if st.lastRepliedAt.IsZero() || now.Sub(st.lastRepliedAt) >= s.cfg.SuppressionWindow {
			delete(s.replies, chat)
			removed++
		}
	}
	for chat, at := range s.markers {
		if now.Sub(at) >= markerWindow {
			delete(s.markers, chat)
		}
	}
	return removed
}

// Pending reports whether a conversation has a live reply timer.
func (s *Scheduler) Pending(chat transport.ChatID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.replies[chat]
	return st != nil && st.timer != nil
}

func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, st := range s.replies {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}
