// Package session coordinates one live negotiation: it owns the connection to
// the negotiation service, the turn arbiter, the metrics engine and every
// timer, and applies all of their inputs on a single event loop.
//
// Nothing outside the loop mutates session state. Network reads, timer
// expiries and device reports post closures to the loop; public methods post
// and wait. Every link and device callback carries the epoch it was created
// under so that callbacks from a torn-down session are dropped.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/negotiation-live/internal/backend"
	"github.com/ashureev/negotiation-live/internal/channel"
	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/metrics"
	"github.com/ashureev/negotiation-live/internal/protocol"
	"github.com/ashureev/negotiation-live/internal/scheduler"
	"github.com/ashureev/negotiation-live/internal/turn"
)

var (
	// ErrClosed is returned once the coordinator has been closed.
	ErrClosed = errors.New("coordinator closed")
	// ErrInvalidInput is returned by Start without a program URL.
	ErrInvalidInput = errors.New("program url is required")
	// ErrNoSession is returned by Retry when there is nothing to retry.
	ErrNoSession = errors.New("no session to retry")
	// ErrBusy is returned while a start or retry is still connecting.
	ErrBusy = errors.New("session is starting")
	// ErrSuperseded is returned when a reset or newer start overtook a
	// start that was still in flight.
	ErrSuperseded = errors.New("session superseded")
)

const (
	defaultAnalyzeTimeout    = 2 * time.Minute
	defaultPermissionTimeout = 30 * time.Second
	defaultSaveTimeout       = 5 * time.Second
	defaultQueueSize         = 256
	maxNotices               = 50
)

// Link is an open connection to the negotiation service.
type Link interface {
	Submit(ctx context.Context, text string) error
	Close() error
}

// Transport opens links.
type Transport interface {
	Open(ctx context.Context, hs protocol.Handshake, h channel.Handlers) (Link, error)
}

// Analyzer performs the out-of-band program analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req backend.AnalyzeRequest) (backend.AnalyzeResult, error)
}

// PermissionRequester asks the participant for microphone access.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) error
}

// RunStore persists finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, run domain.RunRecord, transcript []domain.Message) error
}

// Journal records committed messages and verdicts as they happen.
type Journal interface {
	LogMessage(sessionID string, msg domain.Message) error
	LogAnalysis(sessionID string, analysis json.RawMessage) error
	CloseSession(sessionID string) error
}

// Publisher receives every user-visible change.
type Publisher interface {
	Publish(domain.Update)
}

// Config holds coordinator timing.
type Config struct {
	Turn              turn.Config
	Metrics           metrics.Config
	AnalyzeTimeout    time.Duration
	PermissionTimeout time.Duration
	SaveTimeout       time.Duration
	QueueSize         int
}

// Options wires a Coordinator. Transport and Analyzer are required; the rest
// may be nil.
type Options struct {
	Config      Config
	Transport   Transport
	Analyzer    Analyzer
	Permission  PermissionRequester
	Recognizer  turn.Recognizer
	Synthesizer turn.Synthesizer
	Store       RunStore
	Journal     Journal
	Publisher   Publisher
	Clock       scheduler.Clock
	Logger      *slog.Logger
}

// Coordinator is the session lifecycle controller.
type Coordinator struct {
	cfg        Config
	logger     *slog.Logger
	transport  Transport
	analyzer   Analyzer
	permission PermissionRequester
	store      RunStore
	journal    Journal
	publisher  Publisher

	posts     chan func()
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	bg        sync.WaitGroup

	// Loop-owned state below.
	sched   *scheduler.Scheduler
	arb     *turn.Arbiter
	metrics *metrics.Engine
	epoch   uint64
	link    Link
	run     *run
	runs    []domain.RunRecord
}

// New creates a coordinator and starts its event loop. Call Close to stop it.
func New(opts Options) *Coordinator {
	cfg := opts.Config
	if cfg.AnalyzeTimeout <= 0 {
		cfg.AnalyzeTimeout = defaultAnalyzeTimeout
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = defaultPermissionTimeout
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:        cfg,
		logger:     logger,
		transport:  opts.Transport,
		analyzer:   opts.Analyzer,
		permission: opts.Permission,
		store:      opts.Store,
		journal:    opts.Journal,
		publisher:  opts.Publisher,
		posts:      make(chan func(), cfg.QueueSize),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
		run:        newRun(),
	}
	c.sched = scheduler.New(opts.Clock, func(fn func()) { c.post(fn) })
	c.arb = turn.New(turn.Options{
		Config:      cfg.Turn,
		Scheduler:   c.sched,
		Recognizer:  opts.Recognizer,
		Synthesizer: opts.Synthesizer,
		Submitter:   submitterFunc(c.submitLink),
		Logger:      logger,
		Hooks: turn.Hooks{
			Notice:       c.notify,
			StateChanged: func(_, _ domain.TurnState) { c.publish(domain.UpdateTurn, c.arb.Status()) },
			Transcript:   func(text string) { c.publish(domain.UpdateTranscript, text) },
		},
	})
	c.metrics = metrics.NewEngine(cfg.Metrics, c.sched)
	c.metrics.OnExpire(func(ev domain.MetricEvent) { c.publish(domain.UpdateMetricExpired, ev) })

	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.closed:
			c.teardown()
			return
		case fn := <-c.posts:
			fn()
		}
	}
}

// post queues fn on the loop. It reports false once the coordinator is closed.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.posts <- fn:
		return true
	case <-c.closed:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(fn func()) error {
	finished := make(chan struct{})
	if !c.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close tears the session down and stops the loop. It is safe to call more
// than once.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	<-c.done
	c.bg.Wait()
	return nil
}

// Submit sends text, or the current transcript when text is blank.
func (c *Coordinator) Submit(ctx context.Context, text string) error {
	var err error
	if doErr := c.do(func() { err = c.arb.Submit(ctx, text) }); doErr != nil {
		return doErr
	}
	return err
}

// BeginCapture starts listening to the participant.
func (c *Coordinator) BeginCapture() error {
	var err error
	if doErr := c.do(func() { err = c.arb.BeginCapture() }); doErr != nil {
		return doErr
	}
	return err
}

// Pause stops capture and playback until Resume.
func (c *Coordinator) Pause() error {
	return c.do(func() {
		c.arb.Pause()
		c.publish(domain.UpdateTurn, c.arb.Status())
	})
}

// Resume lifts a pause.
func (c *Coordinator) Resume() error {
	return c.do(func() {
		c.arb.Resume()
		c.publish(domain.UpdateTurn, c.arb.Status())
	})
}

// SetAutoSubmit toggles auto-submit after a silence.
func (c *Coordinator) SetAutoSubmit(on bool) error {
	return c.do(func() {
		c.arb.SetAutoSubmit(on)
		c.publish(domain.UpdateTurn, c.arb.Status())
	})
}

// RecognitionResult reports a recognizer result.
func (c *Coordinator) RecognitionResult(handle uint64, text string, final bool) {
	c.post(func() { c.arb.RecognitionResult(handle, text, final) })
}

// RecognitionEnded reports that a recognizer run stopped.
func (c *Coordinator) RecognitionEnded(handle uint64, err error) {
	c.post(func() { c.arb.RecognitionEnded(handle, err) })
}

// PlaybackEnded reports that playback finished or failed.
func (c *Coordinator) PlaybackEnded(handle uint64, err error) {
	c.post(func() { c.arb.PlaybackEnded(handle, err) })
}

func (c *Coordinator) submitLink(ctx context.Context, text string) error {
	if c.link == nil {
		return channel.ErrNotReady
	}
	return c.link.Submit(ctx, text)
}

// closeLink drops the current link. The close itself runs off the loop; the
// epoch bump that precedes it already silences the old link's callbacks.
func (c *Coordinator) closeLink() {
	link := c.link
	c.link = nil
	if link == nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := link.Close(); err != nil {
			c.logger.Debug("link close failed", "error", err)
		}
	}()
}

func (c *Coordinator) notify(n domain.Notice) {
	if n.At.IsZero() {
		n.At = c.sched.Now()
	}
	c.run.notices = append(c.run.notices, n)
	if len(c.run.notices) > maxNotices {
		c.run.notices = c.run.notices[len(c.run.notices)-maxNotices:]
	}
	c.publish(domain.UpdateNotice, n)
}

func (c *Coordinator) notice(level domain.NoticeLevel, code, text string) {
	c.notify(domain.Notice{Level: level, Code: code, Text: text})
}

func (c *Coordinator) publish(kind string, data any) {
	if c.publisher != nil {
		c.publisher.Publish(domain.Update{Type: kind, Data: data})
	}
}

type submitterFunc func(ctx context.Context, text string) error

func (f submitterFunc) Submit(ctx context.Context, text string) error { return f(ctx, text) }

// ChannelTransport adapts a channel.Dialer to Transport.
func ChannelTransport(d *channel.Dialer) Transport {
	return dialerTransport{d: d}
}

type dialerTransport struct {
	d *channel.Dialer
}

func (t dialerTransport) Open(ctx context.Context, hs protocol.Handshake, h channel.Handlers) (Link, error) {
	ch, err := t.d.Open(ctx, hs, h)
	if err != nil {
		return nil, err
	}
	return ch, nil
}
