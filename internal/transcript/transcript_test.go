package transcript

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/negotiation-live/internal/domain"
)

func TestLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	err = logger.LogMessage("sess-1", domain.Message{
		ID:              "m1",
		Agent:           domain.AgentStudent,
		Content:         "<message>  Too   expensive. </message>",
		Round:           2,
		InternalThought: "push on price",
	})
	if err != nil {
		t.Fatalf("LogMessage failed: %v", err)
	}

	line := waitForLogLine(t, filepath.Join(dir, "sess-1.ndjson"))
	var got Entry
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.EventType != EventMessage || got.MessageID != "m1" || got.Round != 2 {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.Content != "Too expensive." {
		t.Fatalf("unexpected cleaned content: %q", got.Content)
	}
	if got.ContentRaw == got.Content {
		t.Fatal("expected raw content to be kept verbatim")
	}
	if got.Meta["internal_thought"] != "push on price" {
		t.Fatalf("expected thought in meta, got %v", got.Meta)
	}
}

func TestLoggerWritesGlobalLogAndFlushesOnClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "global", "all.ndjson")
	logger, err := New(Config{
		Enabled:       true,
		Dir:           filepath.Join(dir, "sessions"),
		GlobalEnabled: true,
		GlobalPath:    global,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := logger.LogMessage("a", domain.Message{ID: "m1", Content: "hi"}); err != nil {
		t.Fatalf("LogMessage failed: %v", err)
	}
	if err := logger.LogAnalysis("b", json.RawMessage(`{"winner":"student"}`)); err != nil {
		t.Fatalf("LogAnalysis failed: %v", err)
	}
	if err := logger.CloseSession("a"); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(global)
	if err != nil {
		t.Fatalf("read global log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 global lines, got %d: %q", len(lines), data)
	}
	if !strings.Contains(lines[1], `"winner":"student"`) {
		t.Fatalf("analysis not logged verbatim: %s", lines[1])
	}

	if err := logger.LogMessage("a", domain.Message{ID: "m2"}); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "never")
	logger, err := New(Config{Dir: dir}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := logger.LogMessage("s", domain.Message{ID: "m"}); err != nil {
		t.Fatalf("disabled logger returned %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("disabled logger created %s", dir)
	}
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"s-1", "s-1"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{"", "unknown"},
		{"a b", "a_b"},
	}
	for _, tt := range tests {
		if got := safeName(tt.in); got != tt.want {
			t.Errorf("safeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanStripsANSIAndTags(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain\r\n\n\n\n<Message role=\"student\">next</message>"
	clean := Clean(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if clean != "error plain\n\nnext" {
		t.Fatalf("unexpected cleaned text: %q", clean)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
