package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"avisobot/internal/transport"
	logx "avisobot/pkg/logx"
)

// fakeClient implements transport.Client with programmable behavior.
type fakeClient struct {
	resolveOK    bool
	resolveErr   error
	resolveErrs  int // fail this many attempts before succeeding
	sendErr      error
	noTailRecord bool
	tail         transport.Entry
	hasTail      bool

	resolveCalls int
	sendCalls    int
	lastChat     transport.ChatID
	lastText     string
}

func (f *fakeClient) Connect(context.Context) error                      { return nil }
func (f *fakeClient) Disconnect()                                        {}
func (f *fakeClient) Logout(context.Context) error                       { return nil }
func (f *fakeClient) Connected() bool                                    { return true }
func (f *fakeClient) LoggedIn() bool                                     { return true }
func (f *fakeClient) Probe(context.Context) error                        { return nil }
func (f *fakeClient) MarkUnread(context.Context, transport.ChatID) error { return nil }

func (f *fakeClient) SendText(_ context.Context, chat transport.ChatID, text string) (transport.Receipt, error) {
	f.sendCalls++
	f.lastChat = chat
	f.lastText = text
	if f.sendErr != nil {
		return transport.Receipt{}, f.sendErr
	}
	if !f.noTailRecord {
		f.tail = transport.Entry{Text: text, FromMe: true, Timestamp: time.Now()}
		f.hasTail = true
	}
	return transport.Receipt{MessageID: "msg-1", Timestamp: time.Now()}, nil
}

func (f *fakeClient) Resolve(_ context.Context, phone string) (transport.ChatID, bool, error) {
	f.resolveCalls++
	if f.resolveErrs > 0 {
		f.resolveErrs--
		return "", false, errors.New("transient resolve failure")
	}
	if f.resolveErr != nil {
		return "", false, f.resolveErr
	}
	if !f.resolveOK {
		return "", false, nil
	}
	return transport.ChatID(phone + "@s.whatsapp.net"), true, nil
}

func (f *fakeClient) Tail(transport.ChatID) (transport.Entry, bool) {
	return f.tail, f.hasTail
}

type fakeChannel struct {
	client    *fakeClient
	stableErr error
}

func (c *fakeChannel) EnsureStable(context.Context) error { return c.stableErr }
func (c *fakeChannel) Client() transport.Client           { return c.client }

func fastConfig() Config {
	return Config{
		ReachabilityTimeout:  time.Second,
		ReachabilityAttempts: 3,
		ReachabilityBackoff:  5 * time.Millisecond,
		SendSettle:           -1,
		SendTimeout:          time.Second,
		VerifyGrace:          time.Millisecond,
		VerifyWindow:         45 * time.Second,
	}
}

func TestPipelineSentTailMatch(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{resolveOK: true}
	p := NewPipeline(fastConfig(), &fakeChannel{client: fc}, logx.Nop(), nil)

	res := p.Send(context.Background(), transport.SendJob{ID: "j1", Recipient: "612345678", Body: "hola"})
	if res.Status != StatusSent {
		t.Fatalf("Status = %s, want %s (reason: %s)", res.Status, StatusSent, res.Reason)
	}
	if res.VerificationMethod != VerifyTailMatch {
		t.Fatalf("VerificationMethod = %s, want %s", res.VerificationMethod, VerifyTailMatch)
	}
	if res.FormattedRecipient != "34612345678" {
		t.Fatalf("FormattedRecipient = %s", res.FormattedRecipient)
	}
	if fc.lastChat != "34612345678@s.whatsapp.net" {
		t.Fatalf("sent to %s", fc.lastChat)
	}
}

func TestPipelineSentAssumedNoError(t *testing.T) {
	t.Parallel()
	// The transport acknowledges silently and the conversation tail is
	// inconclusive: no send error still means Sent.
	fc := &fakeClient{resolveOK: true, noTailRecord: true}
	fc.tail = transport.Entry{Text: "unrelated inbound", FromMe: false, Timestamp: time.Now()}
	fc.hasTail = true
	p := NewPipeline(fastConfig(), &fakeChannel{client: fc}, logx.Nop(), nil)

	res := p.Send(context.Background(), transport.SendJob{ID: "j2", Recipient: "612345678", Body: "hola"})
	if res.Status != StatusSent {
		t.Fatalf("Status = %s, want %s", res.Status, StatusSent)
	}
	if res.VerificationMethod != VerifyAssumedNoError {
		t.Fatalf("VerificationMethod = %s, want %s", res.VerificationMethod, VerifyAssumedNoError)
	}
}

func TestPipelineNoChannel(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{resolveOK: false}
	p := NewPipeline(fastConfig(), &fakeChannel{client: fc}, logx.Nop(), nil)

	res := p.Send(context.Background(), transport.SendJob{ID: "j3", Recipient: "612345678", Body: "hola"})
	if res.Status != StatusNoChannel {
		t.Fatalf("Status = %s, want %s", res.Status, StatusNoChannel)
	}
	if fc.sendCalls != 0 {
		t.Fatalf("send attempted for unreachable recipient")
	}
}

func TestPipelineValidationFailure(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{resolveOK: true}
	p := NewPipeline(fastConfig(), &fakeChannel{client: fc}, logx.Nop(), nil)

	res := p.Send(context.Background(), transport.SendJob{ID: "j4", Recipient: "123", Body: "hola"})
	if res.Status != StatusError {
		t.Fatalf("Status = %s, want %s", res.Status, StatusError)
	}
	if fc.resolveCalls != 0 {
		t.Fatalf("resolve attempted for invalid recipient")
	}
}

func TestPipelineSendError(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{resolveOK: true, sendErr: errors.New("boom")}
	p := NewPipeline(fastConfig(), &fakeChannel{client: fc}, logx.Nop(), nil)

	res := p.Send(context.Background(), transport.SendJob{ID: "j5", Recipient: "612345678", Body: "hola"})
	if res.Status != StatusError {
		t.Fatalf("Status = %s, want %s", res.Status, StatusError)
	}
	if res.Reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestPipelineResolveRetries(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{resolveOK: true, resolveErrs: 2}
	p := NewPipeline(fastConfig(), &fakeChannel{client: fc}, logx.Nop(), nil)

	res := p.Send(context.Background(), transport.SendJob{ID: "j6", Recipient: "612345678", Body: "hola"})
	if res.Status != StatusSent {
		t.Fatalf("Status = %s, want %s (reason: %s)", res.Status, StatusSent, res.Reason)
	}
	if fc.resolveCalls != 3 {
		t.Fatalf("resolveCalls = %d, want 3", fc.resolveCalls)
	}
}

func TestPipelineResolveExhaustion(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{resolveOK: true, resolveErrs: 99}
	p := NewPipeline(fastConfig(), &fakeChannel{client: fc}, logx.Nop(), nil)

	res := p.Send(context.Background(), transport.SendJob{ID: "j7", Recipient: "612345678", Body: "hola"})
	if res.Status != StatusError {
		t.Fatalf("Status = %s, want %s", res.Status, StatusError)
	}
	if fc.resolveCalls != 3 {
		t.Fatalf("resolveCalls = %d, want 3", fc.resolveCalls)
	}
}

func TestPipelineChannelNotStable(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{resolveOK: true}
	p := NewPipeline(fastConfig(), &fakeChannel{client: fc, stableErr: errors.New("exhausted")}, logx.Nop(), nil)

	res := p.Send(context.Background(), transport.SendJob{ID: "j8", Recipient: "612345678", Body: "hola"})
	if res.Status != StatusError {
		t.Fatalf("Status = %s, want %s", res.Status, StatusError)
	}
	if fc.resolveCalls != 0 || fc.sendCalls != 0 {
		t.Fatal("pipeline proceeded without a stable channel")
	}
}

func TestPrefixMatch(t *testing.T) {
	t.Parallel()
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	sent := string(long)
	if !prefixMatch(sent, sent) {
		t.Fatal("identical long texts should match")
	}
	if !prefixMatch(sent[:70], sent) {
		t.Fatal("64-char prefix should be enough")
	}
	if prefixMatch("different", sent) {
		t.Fatal("unrelated text should not match")
	}
}
