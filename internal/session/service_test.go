package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"avisobot/internal/eventbus"
	"avisobot/internal/transport"
	logx "avisobot/pkg/logx"
)

// stubClient pushes a Connected event on Connect and lets tests inject
// failures.
type stubClient struct {
	out chan<- transport.Event

	mu         sync.Mutex
	connectErr error
	probeErr   error

	disconnects int
}

func (c *stubClient) Connect(context.Context) error {
	c.mu.Lock()
	err := c.connectErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.out <- transport.Event{Kind: transport.EventConnected, Time: time.Now()}
	return nil
}

func (c *stubClient) Disconnect() {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func (c *stubClient) Logout(context.Context) error { return nil }
func (c *stubClient) Connected() bool              { return true }
func (c *stubClient) LoggedIn() bool               { return true }

func (c *stubClient) Probe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeErr
}

func (c *stubClient) SendText(context.Context, transport.ChatID, string) (transport.Receipt, error) {
	return transport.Receipt{MessageID: "m", Timestamp: time.Now()}, nil
}

func (c *stubClient) Resolve(_ context.Context, phone string) (transport.ChatID, bool, error) {
	return transport.ChatID(phone), true, nil
}

func (c *stubClient) Tail(transport.ChatID) (transport.Entry, bool) { return transport.Entry{}, false }
func (c *stubClient) MarkUnread(context.Context, transport.ChatID) error {
	return nil
}

// push delivers a transport event as if the connection produced it.
func (c *stubClient) push(ev transport.Event) { c.out <- ev }

type stubFactory struct {
	mu         sync.Mutex
	clients    []*stubClient
	connectErr error
}

func (f *stubFactory) new(_ context.Context, out chan<- transport.Event) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &stubClient{out: out, connectErr: f.connectErr}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *stubFactory) client(i int) *stubClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func fastSessionConfig() Config {
	return Config{
		ReadyTimeout: 2 * time.Second,
		StableSettle: 10 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
		Reconnect: ReconnectConfig{
			MaxAttempts:    3,
			BaseDelay:      5 * time.Millisecond,
			MaxDelay:       20 * time.Millisecond,
			TeardownSettle: 5 * time.Millisecond,
			FollowupRetry:  5 * time.Millisecond,
		},
		Health: HealthConfig{Interval: time.Hour, ProbeTimeout: 100 * time.Millisecond},
	}
}

func startService(t *testing.T, f *stubFactory) *Service {
	t.Helper()
	svc := NewService(fastSessionConfig(), f.new, logx.Nop(), eventbus.New())
	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = svc.Stop(sctx)
		cancel()
	})
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestServiceEnsureStable(t *testing.T) {
	t.Parallel()
	f := &stubFactory{}
	svc := startService(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.EnsureStable(ctx); err != nil {
		t.Fatalf("EnsureStable: %v", err)
	}
	if got := svc.State(); got != Stable {
		t.Fatalf("State = %s, want stable", got)
	}
	if got := svc.Reconnector().Attempts(); got != 0 {
		t.Fatalf("Attempts = %d, want 0", got)
	}
	// Second call is a no-op.
	if err := svc.EnsureStable(ctx); err != nil {
		t.Fatalf("EnsureStable again: %v", err)
	}
	if f.count() != 1 {
		t.Fatalf("factory called %d times, want 1", f.count())
	}
}

func TestServiceReconnectsAfterDisconnect(t *testing.T) {
	t.Parallel()
	f := &stubFactory{}
	svc := startService(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.EnsureStable(ctx); err != nil {
		t.Fatalf("EnsureStable: %v", err)
	}

	f.client(0).push(transport.Event{Kind: transport.EventDisconnected, Reason: "test drop"})

	// The controller tears the old session down and stabilizes a fresh one.
	waitFor(t, 2*time.Second, func() bool {
		return f.count() == 2 && svc.State() == Stable
	})
	if f.client(0).disconnects == 0 {
		t.Fatal("old client was not torn down")
	}
	// Stability resets the escalation count.
	waitFor(t, time.Second, func() bool { return svc.Reconnector().Attempts() == 0 })
}

func TestServiceAuthFailedIsTerminal(t *testing.T) {
	t.Parallel()
	f := &stubFactory{}
	svc := startService(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.EnsureStable(ctx); err != nil {
		t.Fatalf("EnsureStable: %v", err)
	}

	f.client(0).push(transport.Event{Kind: transport.EventAuthFailed, Reason: "device removed"})
	waitFor(t, 2*time.Second, func() bool { return svc.State() == AuthFailed })

	if err := svc.EnsureStable(ctx); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("EnsureStable = %v, want ErrAuthFailed", err)
	}
	// No reconnection for auth failures.
	time.Sleep(50 * time.Millisecond)
	if f.count() != 1 {
		t.Fatalf("factory called %d times after auth failure, want 1", f.count())
	}
}

func TestServiceReconnectExhaustion(t *testing.T) {
	t.Parallel()
	f := &stubFactory{connectErr: errors.New("refused")}
	bus := eventbus.New()
	svc := NewService(fastSessionConfig(), f.new, logx.Nop(), bus)

	exhausted, unsub := bus.Subscribe(8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = svc.Stop(sctx)
		cancel()
	})

	ectx, ecancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer ecancel()
	err := svc.EnsureStable(ectx)
	if err == nil {
		t.Fatal("expected EnsureStable to fail when connect is refused")
	}

	// Every failed connect triggers the controller until the budget runs
	// out and the terminal signal is published exactly once.
	deadline := time.After(3 * time.Second)
	seen := 0
	for seen == 0 {
		select {
		case ev := <-exhausted:
			if ev.Topic == eventbus.TopicReconnectExhausted {
				seen++
			}
		case <-deadline:
			t.Fatal("no exhaustion signal")
		}
	}

	waitFor(t, time.Second, func() bool {
		return errors.Is(svc.EnsureStable(context.Background()), ErrExhausted)
	})
}

func TestServiceWaitForReadyTimeout(t *testing.T) {
	t.Parallel()
	f := &stubFactory{connectErr: errors.New("refused")}
	svc := startService(t, f)

	start := time.Now()
	err := svc.WaitForReady(context.Background(), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout or terminal error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("WaitForReady took %v", time.Since(start))
	}
}
