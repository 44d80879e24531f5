package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"avisobot/internal/eventbus"
	"avisobot/internal/transport"
	logx "avisobot/pkg/logx"
)

// Channel is what the pipeline needs from the session layer: a stability
// guarantee and access to the current live client.
type Channel interface {
	EnsureStable(ctx context.Context) error
	Client() transport.Client
}

// Config holds the pipeline timings. Zero values fall back to defaults.
type Config struct {
	ReachabilityTimeout  time.Duration
	ReachabilityAttempts int
	ReachabilityBackoff  time.Duration
	SendSettle           time.Duration
	SendTimeout          time.Duration
	VerifyGrace          time.Duration
	VerifyWindow         time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReachabilityTimeout <= 0 {
		c.ReachabilityTimeout = 15 * time.Second
	}
	if c.ReachabilityAttempts <= 0 {
		c.ReachabilityAttempts = 3
	}
	if c.ReachabilityBackoff <= 0 {
		c.ReachabilityBackoff = 2 * time.Second
	}
	if c.SendSettle < 0 {
		c.SendSettle = 0
	} else if c.SendSettle == 0 {
		c.SendSettle = 2 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 20 * time.Second
	}
	if c.VerifyGrace <= 0 {
		c.VerifyGrace = 1500 * time.Millisecond
	}
	if c.VerifyWindow <= 0 {
		c.VerifyWindow = 45 * time.Second
	}
	return c
}

// Pipeline validates a recipient, checks channel reachability, sends, and
// applies the delivery-verification heuristic.
type Pipeline struct {
	channel Channel
	log     logx.Logger
	bus     eventbus.Bus
	cfg     Config
}

func NewPipeline(cfg Config, channel Channel, log logx.Logger, bus eventbus.Bus) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		channel: channel,
		log:     log.With(logx.String("comp", "delivery")),
		bus:     bus,
		cfg:     cfg.withDefaults(),
	}
}

// Send processes one job end to end and always returns a typed Result.
// None of a single job's failure modes escape as an error or panic.
func (p *Pipeline) Send(ctx context.Context, job transport.SendJob) Result {
	res := p.send(ctx, job)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicDeliveryResult,
			Data:  Outcome{JobID: job.ID, Result: res, At: time.Now()},
		})
	}
	return res
}

func (p *Pipeline) send(ctx context.Context, job transport.SendJob) Result {
	if err := p.channel.EnsureStable(ctx); err != nil {
		return Result{Status: StatusError, Reason: "channel not stable: " + err.Error()}
	}

	phone, err := NormalizeRecipient(job.Recipient)
	if err != nil {
		// Permanent for this job; not retried.
		p.log.Warn("recipient rejected", logx.String("job", job.ID), logx.Err(err))
		return Result{Status: StatusError, Reason: err.Error()}
	}

	chat, ok, err := p.resolve(ctx, phone)
	if err != nil {
		return Result{Status: StatusError, FormattedRecipient: phone, Reason: err.Error()}
	}
	if !ok {
		p.log.Info("recipient has no channel", logx.String("job", job.ID), logx.String("recipient", phone))
		return Result{Status: StatusNoChannel, FormattedRecipient: phone, Reason: "recipient not registered on transport"}
	}

	// Settle before sending; the transport is flaky right after resolves.
	if err := sleepCtx(ctx, p.cfg.SendSettle); err != nil {
		return Result{Status: StatusError, FormattedRecipient: phone, Reason: err.Error()}
	}

	sentAt := time.Now()
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	receipt, sendErr := p.channel.Client().SendText(sctx, chat, job.Body)
	cancel()

	return p.verify(ctx, job, phone, chat, receipt, sendErr, sentAt)
}

// resolve queries the transport for channel existence with bounded
// retries, re-asserting channel stability between attempts.
func (p *Pipeline) resolve(ctx context.Context, phone string) (transport.ChatID, bool, error) {
	var last error
	attempts := p.cfg.ReachabilityAttempts
	for i := 1; i <= attempts; i++ {
		rctx, cancel := context.WithTimeout(ctx, p.cfg.ReachabilityTimeout)
		chat, ok, err := p.channel.Client().Resolve(rctx, phone)
		cancel()
		if err == nil {
			return chat, ok, nil
		}
		last = err
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		if i == attempts {
			break
		}
		p.log.Debug("reachability check retry", logx.String("recipient", phone), logx.Int("attempt", i+1), logx.Err(err))
		if err := sleepCtx(ctx, p.cfg.ReachabilityBackoff); err != nil {
			return "", false, err
		}
		if err := p.channel.EnsureStable(ctx); err != nil {
			return "", false, err
		}
	}
	return "", false, &TransientError{Op: "reachability check", Attempts: attempts, Err: last}
}

// verify applies the delivery-verification heuristic. The transport's
// acknowledgment may be silent even on success, so the conversation tail
// is consulted; an inconclusive tail with no send error is treated as
// Sent (documented policy, logged for audit).
func (p *Pipeline) verify(ctx context.Context, job transport.SendJob, phone string, chat transport.ChatID, receipt transport.Receipt, sendErr error, sentAt time.Time) Result {
	if err := sleepCtx(ctx, p.cfg.VerifyGrace); err != nil {
		if sendErr == nil {
			return Result{Status: StatusSent, MessageID: receipt.MessageID, FormattedRecipient: phone, VerificationMethod: VerifyAssumedNoError}
		}
		return Result{Status: StatusError, FormattedRecipient: phone, Reason: sendErr.Error()}
	}

	ref := receipt.Timestamp
	if ref.IsZero() {
		ref = sentAt
	}

	if entry, ok := p.channel.Client().Tail(chat); ok {
		if entry.FromMe && prefixMatch(entry.Text, job.Body) && within(entry.Timestamp, ref, p.cfg.VerifyWindow) {
			return Result{Status: StatusSent, MessageID: receipt.MessageID, FormattedRecipient: phone, VerificationMethod: VerifyTailMatch}
		}
	}

	if sendErr == nil {
		p.log.Debug("delivery unverified; assuming sent (no send error)", logx.String("job", job.ID), logx.String("recipient", phone))
		return Result{Status: StatusSent, MessageID: receipt.MessageID, FormattedRecipient: phone, VerificationMethod: VerifyAssumedNoError}
	}

	reason := sendErr.Error()
	if errors.Is(sendErr, context.DeadlineExceeded) {
		reason = "send timed out"
	}
	p.log.Warn("send failed", logx.String("job", job.ID), logx.String("recipient", phone), logx.Err(sendErr))
	return Result{Status: StatusError, FormattedRecipient: phone, Reason: reason}
}

// SendDirect delivers text to an already-resolved conversation (used by
// the auto-reply path). Same stability gate, settle and timeout as the
// job pipeline, without recipient normalization or verification.
func (p *Pipeline) SendDirect(ctx context.Context, chat transport.ChatID, text string) (transport.Receipt, error) {
	if err := p.channel.EnsureStable(ctx); err != nil {
		return transport.Receipt{}, err
	}
	if err := sleepCtx(ctx, p.cfg.SendSettle); err != nil {
		return transport.Receipt{}, err
	}
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	return p.channel.Client().SendText(sctx, chat, text)
}

func prefixMatch(entry, sent string) bool {
	const n = 64
	a := entry
	b := sent
	if len(b) > n {
		b = b[:n]
	}
	return strings.HasPrefix(a, b)
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
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
