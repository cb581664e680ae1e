// Package transcript writes the conversation log: one NDJSON file per
// session plus an optional rotating log shared by all sessions.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ashureev/negotiation-live/internal/domain"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("conversation log closed")

// Entry types.
const (
	EventMessage  = "message"
	EventAnalysis = "analysis"
)

const defaultQueueSize = 1000

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	// Rotation of the global log, in megabytes and days.
	GlobalMaxSizeMB  int
	GlobalMaxBackups int
	GlobalMaxAgeDays int
}

// Entry is one NDJSON line.
type Entry struct {
	Timestamp  string          `json:"ts"`
	SessionID  string          `json:"session_id"`
	EventType  string          `json:"event_type"`
	MessageID  string          `json:"message_id,omitempty"`
	Agent      domain.Agent    `json:"agent,omitempty"`
	Round      int             `json:"round,omitempty"`
	ContentRaw string          `json:"content_raw,omitempty"`
	Content    string          `json:"content,omitempty"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
	Meta       map[string]any  `json:"meta,omitempty"`
}

type op struct {
	entry     Entry
	closeOnly bool
}

// Logger is an asynchronous conversation logger. Writes happen on a single
// goroutine; Log never blocks the caller and drops entries when the queue is
// full.
type Logger struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan op
	done   chan struct{}

	// Owned by the writer goroutine.
	files  map[string]*os.File
	global io.WriteCloser
}

// New creates a conversation logger. A disabled config yields a logger whose
// methods are no-ops.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	l := &Logger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan op, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	if !cfg.Enabled {
		l.closed = true
		close(l.done)
		return l, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		l.global = &lumberjack.Logger{
			Filename:   cfg.GlobalPath,
			MaxSize:    orDefault(cfg.GlobalMaxSizeMB, 10),
			MaxBackups: orDefault(cfg.GlobalMaxBackups, 5),
			MaxAge:     orDefault(cfg.GlobalMaxAgeDays, 30),
			Compress:   true,
		}
	}

	go l.run()
	return l, nil
}

// LogMessage records a committed message.
func (l *Logger) LogMessage(sessionID string, msg domain.Message) error {
	e := Entry{
		SessionID:  sessionID,
		EventType:  EventMessage,
		MessageID:  msg.ID,
		Agent:      msg.Agent,
		Round:      msg.Round,
		ContentRaw: msg.Content,
	}
	meta := map[string]any{}
	if len(msg.Techniques) > 0 {
		meta["techniques"] = msg.Techniques
	}
	if msg.StrategicIntent != "" {
		meta["strategic_intent"] = msg.StrategicIntent
	}
	if msg.InternalThought != "" {
		meta["internal_thought"] = Clean(msg.InternalThought)
	}
	if len(meta) > 0 {
		e.Meta = meta
	}
	return l.Log(e)
}

// LogAnalysis records the verdict that ended a session.
func (l *Logger) LogAnalysis(sessionID string, analysis json.RawMessage) error {
	return l.Log(Entry{SessionID: sessionID, EventType: EventAnalysis, Analysis: analysis})
}

// CloseSession releases the file handle of a session. Later entries for the
// same session reopen the file in append mode.
func (l *Logger) CloseSession(sessionID string) error {
	return l.enqueue(op{entry: Entry{SessionID: sessionID}, closeOnly: true})
}

// Log queues an entry. Timestamp and cleaned content are filled in when
// missing.
func (l *Logger) Log(e Entry) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Content == "" && e.ContentRaw != "" {
		e.Content = Clean(e.ContentRaw)
	}
	return l.enqueue(op{entry: e})
}

func (l *Logger) enqueue(o op) error {
	if !l.cfg.Enabled {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.queue <- o:
		return nil
	default:
		l.logger.Warn("conversation log queue full, dropping entry",
			"session_id", o.entry.SessionID,
			"event_type", o.entry.EventType)
		return nil
	}
}

// Close flushes queued entries and closes every file.
func (l *Logger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for o := range l.queue {
		if o.closeOnly {
			l.closeFile(o.entry.SessionID)
			continue
		}
		l.write(o.entry)
	}
	for id := range l.files {
		l.closeFile(id)
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil {
			l.logger.Warn("failed to close global conversation log", "error", err)
		}
	}
}

func (l *Logger) write(e Entry) {
	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("failed to encode conversation log entry", "error", err)
		return
	}
	line = append(line, '\n')

	if f, err := l.file(e.SessionID); err != nil {
		l.logger.Warn("failed to open conversation log", "session_id", e.SessionID, "error", err)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Warn("failed to write conversation log", "session_id", e.SessionID, "error", err)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("failed to write global conversation log", "error", err)
		}
	}
}

func (l *Logger) file(sessionID string) (*os.File, error) {
	name := safeName(sessionID)
	if f, ok := l.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, name+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[name] = f
	return f, nil
}

func (l *Logger) closeFile(sessionID string) {
	name := safeName(sessionID)
	f, ok := l.files[name]
	if !ok {
		return
	}
	delete(l.files, name)
	if err := f.Close(); err != nil {
		l.logger.Warn("failed to close conversation log", "session_id", sessionID, "error", err)
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeName(sessionID string) string {
	name := unsafeChars.ReplaceAllString(sessionID, "_")
	name = strings.Trim(name, ".")
	if name == "" {
		return "unknown"
	}
	return name
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
