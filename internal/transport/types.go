package transport

import (
	"context"
	"time"
)

// ChatID is the stable counterpart address of a conversation
// (JID string form, e.g. "34612345678@s.whatsapp.net").
type ChatID string

func (c ChatID) String() string { return string(c) }

type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventDisconnected   EventKind = "disconnected"
	EventAuthFailed     EventKind = "auth_failed"
	EventStreamReplaced EventKind = "stream_replaced"
	EventMessage        EventKind = "message"
)

// Event is emitted by the adapter on its output channel.
// Message is set only for EventMessage.
type Event struct {
	Kind    EventKind
	Reason  string
	Time    time.Time
	Message *Message
}

// Message is an inbound chat message normalized out of the transport's
// own event types.
type Message struct {
	ID        string
	Chat      ChatID
	Sender    ChatID
	Text      string
	FromMe    bool
	Group     bool
	Broadcast bool
	Time      time.Time
}

// Receipt is what the transport returns for a send. Some transports
// acknowledge silently; MessageID may be empty even on success.
type Receipt struct {
	MessageID string
	Timestamp time.Time
}

// Entry is the latest known entry of a conversation, used by the
// delivery verification heuristic.
type Entry struct {
	Text      string
	FromMe    bool
	Timestamp time.Time
}

// Client is the live session object against the external chat transport.
//
// Implementations must be safe for concurrent use. All blocking calls
// take a context.
type Client interface {
	// Connect establishes the transport connection. The adapter keeps
	// delivering events on the channel given at construction time.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down without logging out.
	Disconnect()
	// Logout invalidates the stored credentials (terminal teardown).
	Logout(ctx context.Context) error

	Connected() bool
	LoggedIn() bool

	// Probe performs a cheap liveness round-trip.
	Probe(ctx context.Context) error

	SendText(ctx context.Context, chat ChatID, text string) (Receipt, error)

	// Resolve checks whether a normalized phone number has a reachable
	// channel and returns its ChatID. ok=false means the channel
	// genuinely does not exist (not an error).
	Resolve(ctx context.Context, phone string) (chat ChatID, ok bool, err error)

	// Tail returns the latest known entry of a conversation.
	Tail(chat ChatID) (Entry, bool)

	// MarkUnread flags a conversation unread as a courtesy signal for
	// human follow-up. Best-effort.
	MarkUnread(ctx context.Context, chat ChatID) error
}

// Factory builds a fresh Client wired to the given event channel.
// Reconnection constructs a new Client through this rather than reusing
// a torn-down one.
type Factory func(ctx context.Context, out chan<- Event) (Client, error)

// SendJob is one outbound notification request from the external job
// source. Immutable once created.
type SendJob struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}
