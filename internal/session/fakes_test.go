package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/negotiation-live/internal/backend"
	"github.com/ashureev/negotiation-live/internal/channel"
	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/protocol"
	"github.com/ashureev/negotiation-live/internal/scheduler"
	"github.com/ashureev/negotiation-live/internal/turn"
)

type fakeLink struct {
	mu     sync.Mutex
	sent   []string
	closed atomic.Bool
}

func (l *fakeLink) Submit(_ context.Context, text string) error {
	if l.closed.Load() {
		return channel.ErrNotReady
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, text)
	return nil
}

func (l *fakeLink) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *fakeLink) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

type fakeTransport struct {
	mu         sync.Mutex
	handshakes []protocol.Handshake
	handlers   []channel.Handlers
	links      []*fakeLink
	err        error
}

func (t *fakeTransport) Open(_ context.Context, hs protocol.Handshake, h channel.Handlers) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	link := &fakeLink{}
	t.handshakes = append(t.handshakes, hs)
	t.handlers = append(t.handlers, h)
	t.links = append(t.links, link)
	return link, nil
}

func (t *fakeTransport) opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links)
}

func (t *fakeTransport) last() (channel.Handlers, *fakeLink, protocol.Handshake) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.links) - 1
	return t.handlers[n], t.links[n], t.handshakes[n]
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []backend.AnalyzeRequest
	err   error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, req backend.AnalyzeRequest) (backend.AnalyzeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	if a.err != nil {
		return backend.AnalyzeResult{}, a.err
	}
	return backend.AnalyzeResult{
		SessionID: "s-1",
		Program:   []byte(`{"name":"MBA"}`),
		Persona:   []byte(`{"name":"Asha"}`),
		Source:    "test",
	}, nil
}

type fakePermission struct{ err error }

func (p fakePermission) RequestPermission(context.Context) error { return p.err }

type fakeStore struct {
	saved chan domain.RunRecord
}

func (s *fakeStore) SaveRun(_ context.Context, run domain.RunRecord, _ []domain.Message) error {
	s.saved <- run
	return nil
}

type fakeRecognizer struct {
	mu      sync.Mutex
	started []uint64
}

func (r *fakeRecognizer) Start(handle uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, handle)
	return nil
}

func (r *fakeRecognizer) Stop(uint64) {}

type fakeSynthesizer struct {
	mu      sync.Mutex
	handles []uint64
}

func (s *fakeSynthesizer) Speak(handle uint64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = append(s.handles, handle)
	return nil
}

func (s *fakeSynthesizer) Cancel(uint64) {}

func (s *fakeSynthesizer) last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return 0
	}
	return s.handles[len(s.handles)-1]
}

type fixture struct {
	c        *Coordinator
	clock    *scheduler.ManualClock
	tr       *fakeTransport
	analyzer *fakeAnalyzer
	store    *fakeStore
	rec      *fakeRecognizer
	syn      *fakeSynthesizer
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		clock:    scheduler.NewManualClock(time.Unix(1_700_000_000, 0)),
		tr:       &fakeTransport{},
		analyzer: &fakeAnalyzer{},
		store:    &fakeStore{saved: make(chan domain.RunRecord, 4)},
		rec:      &fakeRecognizer{},
		syn:      &fakeSynthesizer{},
	}
	opts := Options{
		Config: Config{
			Turn: turn.Config{FailSafe: 20 * time.Second},
		},
		Transport:   f.tr,
		Analyzer:    f.analyzer,
		Recognizer:  f.rec,
		Synthesizer: f.syn,
		Store:       f.store,
		Clock:       f.clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.c = New(opts)
	t.Cleanup(func() { _ = f.c.Close() })
	return f
}

func (f *fixture) start(t *testing.T, mode domain.Mode) {
	t.Helper()
	require.NoError(t, f.c.Start(context.Background(), StartConfig{
		ProgramURL: "https://example.edu/mba",
		Mode:       mode,
		AuthToken:  "tok",
	}))
}

func (f *fixture) emit(ev protocol.Event) {
	h, _, _ := f.tr.last()
	h.OnEvent(ev)
}

func (f *fixture) snap(t *testing.T) Snapshot {
	t.Helper()
	s, err := f.c.Snapshot()
	require.NoError(t, err)
	return s
}

func noticeCodes(s Snapshot) []string {
	codes := make([]string, 0, len(s.Notices))
	for _, n := range s.Notices {
		codes = append(codes, n.Code)
	}
	return codes
}

func countCode(s Snapshot, code string) int {
	n := 0
	for _, c := range noticeCodes(s) {
		if c == code {
			n++
		}
	}
	return n
}
