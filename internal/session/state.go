package session

import (
	"errors"
	"time"
)

// State is the connection lifecycle of one ChannelSession. Transitions
// are monotonic per the allowed edges below; anything else is rejected.
type State int32

const (
	Idle State = iota
	Connecting
	Ready
	Stable
	Disconnected
	AuthFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Stable:
		return "stable"
	case Disconnected:
		return "disconnected"
	case AuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further automatic transitions are possible.
// AuthFailed requires external re-authentication; Disconnected sessions
// are replaced by reconnection rather than revived.
func (s State) Terminal() bool { return s == Disconnected || s == AuthFailed }

// allowedEdges is the full transition table. A session only moves along
// these edges; impossible flag combinations cannot be expressed.
var allowedEdges = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Ready, Disconnected, AuthFailed},
	Ready:      {Stable, Disconnected, AuthFailed},
	Stable:     {Disconnected, AuthFailed},
}

func edgeAllowed(from, to State) bool {
	for _, t := range allowedEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// StateChange describes one observed transition.
type StateChange struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// ConnectionEvent is one entry of the bounded diagnostics history.
type ConnectionEvent struct {
	Type   string    `json:"type"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// connectionHistorySize bounds the diagnostics buffer.
const connectionHistorySize = 100

var (
	// ErrReadyTimeout: the session did not reach Stable within the wait
	// budget.
	ErrReadyTimeout = errors.New("session: timed out waiting for stable")
	// ErrAuthFailed: the transport rejected the stored credentials.
	// Terminal; requires external re-authentication.
	ErrAuthFailed = errors.New("session: authentication failed")
	// ErrClosed: the session reached Disconnected; a fresh session must
	// be constructed instead.
	ErrClosed = errors.New("session: disconnected")
	// ErrNotStarted: the service has no live session yet.
	ErrNotStarted = errors.New("session: service not started")
	// ErrExhausted: the reconnection budget is spent; external reset
	// required.
	ErrExhausted = errors.New("session: reconnection attempts exhausted")
)
