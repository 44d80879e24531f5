package delivery

import (
	"fmt"
	"time"
)

// Status tags the outcome variant of one send job.
type Status string

const (
	// StatusSent means the message is believed delivered to the channel.
	StatusSent Status = "sent"
	// StatusNoChannel means the recipient has no channel on the
	// transport. A valid terminal outcome, not an error.
	StatusNoChannel Status = "no_channel"
	// StatusError covers validation failures and transport errors.
	StatusError Status = "error"
)

// How a StatusSent outcome was established.
const (
	// VerifyTailMatch: the conversation tail showed our text within the
	// tolerance window of the send time.
	VerifyTailMatch = "tail_match"
	// VerifyAssumedNoError: the transport acknowledged silently and the
	// send call raised no error. Documented best-effort policy, not a
	// strict delivery guarantee.
	VerifyAssumedNoError = "assumed_no_error"
)

// Result is the typed outcome of one send job. Exactly one of the
// variants applies; Send never panics or returns a bare error for a
// single job, so batch callers can always continue.
type Result struct {
	Status             Status `json:"status"`
	MessageID          string `json:"message_id,omitempty"`
	FormattedRecipient string `json:"formatted_recipient,omitempty"`
	Reason             string `json:"reason,omitempty"`
	VerificationMethod string `json:"verification_method,omitempty"`
}

// Outcome pairs a job with its result for the bus and the audit store.
type Outcome struct {
	JobID  string    `json:"job_id"`
	Result Result    `json:"result"`
	At     time.Time `json:"at"`
}

// ValidationError marks a malformed recipient. Permanent for that job;
// never retried.
type ValidationError struct {
	Raw    string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid recipient %q: %s", e.Raw, e.Detail)
}

// TransientError wraps a transport failure that was retried locally and
// exhausted its attempt budget.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
