package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// DeliveryEntry records the outcome of one dispatched job.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At           time.Time
	JobID        string
	Recipient    string
	Formatted    string
	Status       string
	MessageID    string
	Verification string
	Reason       string
	TookMS       int64
}

// AutoReplyEntry records one sent auto-reply.
type AutoReplyEntry struct {
	At   time.Time
	Chat string
}

// ConnEntry records one session state change.
type ConnEntry struct {
	At     time.Time
	From   string
	To     string
	Reason string
}
