// Package whatsapp adapts go.mau.fi/whatsmeow onto the transport kit.
// Everything whatsmeow-specific stays behind this package; the rest of
// the bot only sees kit types.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	watypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	kit "avisobot/internal/transport"
	logx "avisobot/pkg/logx"
)

type Config struct {
	// StorePath is the sqlite file holding the pairing credentials.
	StorePath string
	// DeviceName shows up in the phone's linked-devices list.
	DeviceName string
	// TailSize bounds the per-conversation tail ring. Default 20.
	TailSize int
}

func (c Config) withDefaults() Config {
	if c.TailSize <= 0 {
		c.TailSize = 20
	}
	return c
}

// Store owns the whatsmeow credential container. It outlives individual
// client sessions: reconnection builds fresh clients against the same
// container so the pairing survives.
type Store struct {
	cfg       Config
	log       logx.Logger
	container *sqlstore.Container
}

func OpenStore(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.StorePath) == "" {
		return nil, errors.New("whatsapp store path is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DeviceName != "" {
		store.DeviceProps.Os = proto.String(cfg.DeviceName)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", cfg.StorePath)
	container, err := sqlstore.New(ctx, "sqlite", dsn, newWALogger(log.With(logx.String("wa", "store"))))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp store: %w", err)
	}
	return &Store{cfg: cfg, log: log, container: container}, nil
}

func (s *Store) Close() error {
	if s == nil || s.container == nil {
		return nil
	}
	return s.container.Close()
}

// Factory returns the kit factory the session service rebuilds clients
// through.
func (s *Store) Factory() kit.Factory {
	return func(ctx context.Context, out chan<- kit.Event) (kit.Client, error) {
		device, err := s.container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("load device: %w", err)
		}
		cli := whatsmeow.NewClient(device, newWALogger(s.log.With(logx.String("wa", "client"))))
		// Reconnection belongs to the session service; the library's
		// built-in loop stays off.
		cli.EnableAutoReconnect = false
		a := &Adapter{
			cfg:   s.cfg,
			log:   s.log.With(logx.String("comp", "whatsapp.adapter")),
			cli:   cli,
			tails: map[kit.ChatID][]kit.Entry{},
		}
		a.out.Store(out)
		a.handlerID = cli.AddEventHandler(a.handleEvent)
		return a, nil
	}
}

// Adapter is one live client session. The session service discards it
// on teardown and asks the factory for a fresh one.
type Adapter struct {
	cfg Config
	log logx.Logger
	cli *whatsmeow.Client

	out       atomic.Value // stores (chan<- kit.Event)
	handlerID uint32

	// dropped counts events lost because the consumer lagged behind.
	dropped atomic.Uint64

	mu    sync.Mutex
	tails map[kit.ChatID][]kit.Entry
}

func (a *Adapter) emit(ev kit.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	v := a.out.Load()
	out, _ := v.(chan<- kit.Event)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		if n := a.dropped.Add(1); n%50 == 1 {
			a.log.Warn("transport events dropped (channel full)", logx.Uint64("count", n))
		}
	}
}

func (a *Adapter) handleEvent(raw any) {
	switch v := raw.(type) {
	case *events.Connected:
		a.emit(kit.Event{Kind: kit.EventConnected})
	case *events.Disconnected:
		a.emit(kit.Event{Kind: kit.EventDisconnected, Reason: "socket closed"})
	case *events.StreamReplaced:
		a.emit(kit.Event{Kind: kit.EventStreamReplaced, Reason: "stream replaced"})
	case *events.LoggedOut:
		a.emit(kit.Event{Kind: kit.EventAuthFailed, Reason: v.Reason.String()})
	case *events.ConnectFailure:
		if v.Reason == events.ConnectFailureLoggedOut {
			a.emit(kit.Event{Kind: kit.EventAuthFailed, Reason: v.Reason.String()})
			return
		}
		a.emit(kit.Event{Kind: kit.EventDisconnected, Reason: v.Reason.String()})
	case *events.Message:
		a.handleMessage(v)
	}
}

func (a *Adapter) handleMessage(v *events.Message) {
	text := extractText(v.Message)
	chat := kit.ChatID(v.Info.Chat.String())
	msg := &kit.Message{
		ID:        string(v.Info.ID),
		Chat:      chat,
		Sender:    kit.ChatID(v.Info.Sender.String()),
		Text:      text,
		FromMe:    v.Info.IsFromMe,
		Group:     v.Info.IsGroup,
		Broadcast: v.Info.Chat.Server == watypes.BroadcastServer,
		Time:      v.Info.Timestamp,
	}
	a.recordTail(chat, kit.Entry{Text: text, FromMe: v.Info.IsFromMe, Timestamp: v.Info.Timestamp})
	a.emit(kit.Event{Kind: kit.EventMessage, Time: v.Info.Timestamp, Message: msg})
}

// extractText pulls the plain text out of the few message shapes the
// bot cares about. Media and anything else come back empty.
func extractText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if t := m.GetConversation(); t != "" {
		return t
	}
	if ext := m.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func (a *Adapter) recordTail(chat kit.ChatID, e kit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ring := append(a.tails[chat], e)
	if len(ring) > a.cfg.TailSize {
		ring = ring[len(ring)-a.cfg.TailSize:]
	}
	a.tails[chat] = ring
}

func (a *Adapter) Connect(ctx context.Context) error {
	if a.cli.Store.ID == nil {
		// Not paired yet. Surface the QR codes in the log so the
		// operator can link the device.
		qr, err := a.cli.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		go func() {
			for item := range qr {
				switch item.Event {
				case "code":
					a.log.Info("pairing required, scan QR code", logx.String("qr", item.Code))
				default:
					a.log.Info("pairing event", logx.String("event", item.Event))
				}
			}
		}()
	}
	if err := a.cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (a *Adapter) Disconnect() {
	// Stop feeding events first so a torn-down session can't race a
	// replacement one on the shared channel.
	a.cli.RemoveEventHandler(a.handlerID)
	var nilOut chan<- kit.Event
	a.out.Store(nilOut)
	a.cli.Disconnect()
}

func (a *Adapter) Logout(ctx context.Context) error {
	return a.cli.Logout(ctx)
}

func (a *Adapter) Connected() bool { return a.cli.IsConnected() }
func (a *Adapter) LoggedIn() bool  { return a.cli.IsLoggedIn() }

// Probe performs a cheap round-trip. A presence update is the lightest
// write the protocol offers.
func (a *Adapter) Probe(ctx context.Context) error {
	if !a.cli.IsConnected() {
		return errors.New("not connected")
	}
	done := make(chan error, 1)
	go func() { done <- a.cli.SendPresence(ctx, watypes.PresenceAvailable) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (a *Adapter) SendText(ctx context.Context, chat kit.ChatID, text string) (kit.Receipt, error) {
	jid, err := watypes.ParseJID(string(chat))
	if err != nil {
		return kit.Receipt{}, fmt.Errorf("parse jid %q: %w", chat, err)
	}
	resp, err := a.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return kit.Receipt{}, err
	}
	a.recordTail(chat, kit.Entry{Text: text, FromMe: true, Timestamp: resp.Timestamp})
	return kit.Receipt{MessageID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

// Resolve asks the server whether the number has an account. ok=false
// with a nil error means the number is genuinely not reachable.
func (a *Adapter) Resolve(ctx context.Context, phone string) (kit.ChatID, bool, error) {
	resp, err := a.cli.IsOnWhatsApp(ctx, []string{"+" + phone})
	if err != nil {
		return "", false, err
	}
	if len(resp) == 0 {
		return "", false, nil
	}
	r := resp[0]
	if !r.IsIn {
		return "", false, nil
	}
	return kit.ChatID(r.JID.String()), true, nil
}

func (a *Adapter) Tail(chat kit.ChatID) (kit.Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ring := a.tails[chat]
	if len(ring) == 0 {
		return kit.Entry{}, false
	}
	return ring[len(ring)-1], true
}

func (a *Adapter) MarkUnread(ctx context.Context, chat kit.ChatID) error {
	jid, err := watypes.ParseJID(string(chat))
	if err != nil {
		return err
	}
	return a.cli.SendAppState(ctx, appstate.BuildMarkChatAsRead(jid, false, time.Time{}, nil))
}
