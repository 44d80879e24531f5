package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"avisobot/internal/delivery"
	"avisobot/internal/transport"
	logx "avisobot/pkg/logx"
)

func TestIsJobFile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want bool
	}{
		{"job-001.json", true},
		{"job-001.JSON", true},
		{"job-001.result.json", false},
		{"job-001.json.tmp", false},
		{"job-001.txt", false},
		{"job-001.json.bad", false},
		{"notes", false},
	}
	for _, tt := range tests {
		if got := isJobFile(tt.name); got != tt.want {
			t.Errorf("isJobFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReadJob(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		return path
	}

	path := write("reminder-42.json", `{"id":"job-42","recipient":"612345678","body":"Su pedido está listo."}`)
	job, err := readJob(path)
	if err != nil {
		t.Fatalf("readJob: %v", err)
	}
	if job.ID != "job-42" || job.Recipient != "612345678" {
		t.Fatalf("job = %+v", job)
	}

	// Missing ID falls back to the filename base.
	path = write("reminder-43.json", `{"recipient":"612345678","body":"hola"}`)
	job, err = readJob(path)
	if err != nil {
		t.Fatalf("readJob: %v", err)
	}
	if job.ID != "reminder-43" {
		t.Fatalf("ID = %q, want filename base", job.ID)
	}

	path = write("no-recipient.json", `{"body":"hola"}`)
	if _, err := readJob(path); err == nil {
		t.Fatal("expected error for empty recipient")
	}

	path = write("garbage.json", `{not json`)
	if _, err := readJob(path); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	spool := t.TempDir()
	limiter := delivery.NewRateLimiter(0)

	s, err := New(Config{SpoolDir: filepath.Join(spool, "jobs")}, limiter, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.cfg.ResultsDir != filepath.Join(spool, "jobs", "results") {
		t.Fatalf("ResultsDir = %q", s.cfg.ResultsDir)
	}
	// Both directories must exist after New.
	for _, dir := range []string{s.cfg.SpoolDir, s.cfg.ResultsDir} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Fatalf("dir %q not created: %v", dir, err)
		}
	}

	if _, err := New(Config{}, limiter, nil, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for empty spool dir")
	}
}

func TestWriteResult(t *testing.T) {
	t.Parallel()
	s, err := New(Config{SpoolDir: t.TempDir()}, delivery.NewRateLimiter(0), nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sj := spoolJob{
		job:  transport.SendJob{ID: "job-7", Recipient: "612345678"},
		path: filepath.Join(s.cfg.SpoolDir, "job-7.json"),
	}
	out := delivery.Outcome{
		JobID: "job-7",
		At:    time.Now(),
		Result: delivery.Result{
			Status:             delivery.StatusSent,
			MessageID:          "3EB0ABCDEF",
			FormattedRecipient: "34612345678",
		},
	}
	if err := s.writeResult(sj, out); err != nil {
		t.Fatalf("writeResult: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(s.cfg.ResultsDir, "job-7.result.json"))
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var got delivery.Outcome
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got.JobID != "job-7" || got.Result.Status != delivery.StatusSent || got.Result.MessageID != "3EB0ABCDEF" {
		t.Fatalf("result = %+v", got)
	}

	// No leftover tmp file.
	entries, err := os.ReadDir(s.cfg.ResultsDir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("results dir has %d entries, want 1", len(entries))
	}
}

func TestPickupRenamesBadFiles(t *testing.T) {
	t.Parallel()
	s, err := New(Config{SpoolDir: t.TempDir()}, delivery.NewRateLimiter(0), nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path := filepath.Join(s.cfg.SpoolDir, "broken.json")
	if err := os.WriteFile(path, []byte(`{"recipient":`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s.pickup(context.Background(), path)

	if _, err := os.Stat(path + ".bad"); err != nil {
		t.Fatalf("expected .bad rename: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("original should be gone, stat err = %v", err)
	}
	// The path must not stay marked in-flight after a failed pickup.
	s.mu.Lock()
	_, busy := s.inFlight[path]
	s.mu.Unlock()
	if busy {
		t.Fatal("path still marked in-flight")
	}
}
