package whatsapp

import (
	"context"
	"path/filepath"
	"testing"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	kit "avisobot/internal/transport"
	logx "avisobot/pkg/logx"
)

func TestFactoryLeavesReconnectionToCaller(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st, err := OpenStore(ctx, Config{
		StorePath:  filepath.Join(t.TempDir(), "wa.db"),
		DeviceName: "avisobot-test",
	}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	out := make(chan kit.Event, 1)
	c, err := st.Factory()(ctx, out)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	a, ok := c.(*Adapter)
	if !ok {
		t.Fatalf("factory returned %T, want *Adapter", c)
	}

	// The session service is the only recovery authority: a client that
	// reconnects on its own would race the controller's backoff and keep
	// retrying after the attempt budget is spent.
	if a.cli.EnableAutoReconnect {
		t.Fatal("client auto-reconnect must be disabled")
	}
	if a.cfg.TailSize != 20 {
		t.Fatalf("TailSize = %d, want default 20", a.cfg.TailSize)
	}
}

func TestOpenStoreRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := OpenStore(context.Background(), Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty store path")
	}
}

func TestExtractText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hola")}, "hola"},
		{"extended", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("adiós")}}, "adiós"},
		{"empty", &waE2E.Message{}, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := extractText(tt.msg); got != tt.want {
				t.Fatalf("extractText = %q, want %q", got, tt.want)
			}
		})
	}
}
