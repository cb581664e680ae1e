package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/scheduler"
	"github.com/ashureev/negotiation-live/internal/silence"
)

var (
	// ErrNotReady means the turn cannot accept the request right now, for
	// example a second submission while one is outstanding.
	ErrNotReady = errors.New("turn not ready")

	// ErrEmptySubmission is returned when the composed text is blank.
	ErrEmptySubmission = errors.New("empty submission")

	// ErrPermissionDenied is reported by a Recognizer when capture access was refused.
	ErrPermissionDenied = errors.New("capture permission denied")

	// ErrUnavailable is reported by devices that do not exist, such as a
	// text-only deployment.
	ErrUnavailable = errors.New("device unavailable")

	// ErrPaused is returned by BeginCapture while the turn is paused.
	ErrPaused = errors.New("turn paused")
	// ErrManualOnly is returned by BeginCapture after capture was refused or
	// found unavailable.
	ErrManualOnly = errors.New("capture disabled, manual submission only")
)

// Notice codes emitted by the arbiter.
const (
	NoticeEmptySubmission = "empty_submission"
	NoticeTookTooLong     = "took_too_long"
	NoticeIdlePrompt      = "idle_prompt"
	NoticePermission      = "permission_denied"
	NoticeRecognizer      = "recognizer_error"
	NoticePlayback        = "playback_error"
	NoticeSubmitFailed    = "submit_failed"
)

const (
	// DefaultFailSafe bounds the wait for the counterpart after a submission.
	DefaultFailSafe = 20 * time.Second
	// DefaultWatchdog bounds a single playback.
	DefaultWatchdog = 60 * time.Second
	// DefaultSubmitTimeout bounds an automatic submission write.
	DefaultSubmitTimeout = 10 * time.Second

	failSafeTimer = "turn:fail_safe"
	watchdogTimer = "turn:playback_watchdog"
)

// Recognizer is the speech capture device. Results and the end of a
// recognition run are reported back through Arbiter.RecognitionResult and
// Arbiter.RecognitionEnded with the same handle.
type Recognizer interface {
	Start(handle uint64) error
	Stop(handle uint64)
}

// Synthesizer is the playback device. The end of playback is reported back
// through Arbiter.PlaybackEnded.
type Synthesizer interface {
	Speak(handle uint64, text string) error
	Cancel(handle uint64)
}

// Submitter delivers a participant utterance to the counterpart.
type Submitter interface {
	Submit(ctx context.Context, text string) error
}

// Hooks observe the arbiter. Any field may be nil.
type Hooks struct {
	Notice       func(domain.Notice)
	StateChanged func(from, to domain.TurnState)
	Transcript   func(text string)
}

// Config holds turn timing and behaviour.
type Config struct {
	FailSafe         time.Duration
	PlaybackWatchdog time.Duration
	SubmitTimeout    time.Duration
	// AutoListen re-enters listening after playback or a fail-safe recovery.
	AutoListen bool
	Silence    silence.Config
}

// Options wires an Arbiter. Nil devices behave as unavailable.
type Options struct {
	Config      Config
	Scheduler   *scheduler.Scheduler
	Recognizer  Recognizer
	Synthesizer Synthesizer
	Submitter   Submitter
	Hooks       Hooks
	Logger      *slog.Logger
}

// Status is a read-only view of the arbiter.
type Status struct {
	State          domain.TurnState `json:"state"`
	Paused         bool             `json:"paused"`
	ManualOnly     bool             `json:"manual_only"`
	AutoListen     bool             `json:"auto_listen"`
	AutoSubmit     bool             `json:"auto_submit"`
	RemoteSpeaking bool             `json:"remote_speaking"`
	Transcript     string           `json:"transcript"`
}

// Arbiter is the sole owner of the turn state. It must only be used from the
// coordinator loop.
type Arbiter struct {
	cfg     Config
	logger  *slog.Logger
	sched   *scheduler.Scheduler
	silence *silence.Monitor
	rec     Recognizer
	syn     Synthesizer
	out     Submitter
	hooks   Hooks

	state          domain.TurnState
	enabled        bool
	paused         bool
	manualOnly     bool
	remoteSpeaking bool
	autoListen     bool

	handles   uint64
	recHandle uint64
	playback  uint64

	committed string
	interim   string
}

// New creates an inactive, disabled arbiter.
func New(opts Options) *Arbiter {
	cfg := opts.Config
	if cfg.FailSafe <= 0 {
		cfg.FailSafe = DefaultFailSafe
	}
	if cfg.PlaybackWatchdog <= 0 {
		cfg.PlaybackWatchdog = DefaultWatchdog
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.New(nil, nil)
	}

	a := &Arbiter{
		cfg:        cfg,
		logger:     logger,
		sched:      sched,
		rec:        opts.Recognizer,
		syn:        opts.Synthesizer,
		out:        opts.Submitter,
		hooks:      opts.Hooks,
		state:      domain.TurnInactive,
		autoListen: cfg.AutoListen,
	}
	if a.rec == nil {
		a.rec = unavailable{}
	}
	if a.syn == nil {
		a.syn = unavailable{}
	}
	a.silence = silence.New(cfg.Silence, sched, a.idlePrompt, a.autoSubmit)
	return a
}

// State returns the current turn state.
func (a *Arbiter) State() domain.TurnState { return a.state }

// Status returns a snapshot for display.
func (a *Arbiter) Status() Status {
	return Status{
		State:          a.state,
		Paused:         a.paused,
		ManualOnly:     a.manualOnly,
		AutoListen:     a.autoListen,
		AutoSubmit:     a.silence.AutoSubmit(),
		RemoteSpeaking: a.remoteSpeaking,
		Transcript:     a.Transcript(),
	}
}

// Transcript returns the committed recognition text followed by the current
// interim fragment.
func (a *Arbiter) Transcript() string {
	return joinText(a.committed, a.interim)
}

// SetEnabled turns the arbiter on for a human-driven session. Disabling does
// not tear anything down; use ForceInactive or Reset for that.
func (a *Arbiter) SetEnabled(on bool) {
	a.enabled = on
	if on {
		a.resumeListening()
	}
}

// SetAutoSubmit toggles auto-submit on the silence monitor.
func (a *Arbiter) SetAutoSubmit(on bool) { a.silence.SetAutoSubmit(on) }

// SetAutoListen toggles automatic re-entry into listening.
func (a *Arbiter) SetAutoListen(on bool) {
	a.autoListen = on
	if on {
		a.resumeListening()
	}
}

// BeginCapture moves from inactive to listening and starts the recognizer.
func (a *Arbiter) BeginCapture() error {
	switch {
	case !a.enabled:
		return ErrNotReady
	case a.paused:
		return ErrPaused
	case a.manualOnly:
		return ErrManualOnly
	case a.remoteSpeaking:
		return fmt.Errorf("%w: counterpart is speaking", ErrNotReady)
	}
	next, err := Transition(a.state, TriggerBeginCapture)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	handle := a.nextHandle()
	if err := a.rec.Start(handle); err != nil {
		a.captureFailed(err)
		return fmt.Errorf("start recognizer: %w", err)
	}
	a.recHandle = handle
	a.setState(next)
	a.silence.Arm()
	return nil
}

// CaptureDenied applies the outcome of a failed permission prompt.
// ErrPermissionDenied switches the session to manual submission.
func (a *Arbiter) CaptureDenied(err error) {
	if err != nil {
		a.captureFailed(err)
	}
}

// RecognitionResult merges a recognizer result into the transcript. Results
// from a superseded handle are ignored.
func (a *Arbiter) RecognitionResult(handle uint64, text string, final bool) bool {
	if handle == 0 || handle != a.recHandle || a.state != domain.TurnListening {
		return false
	}
	text = strings.TrimSpace(text)
	if final {
		a.committed = joinText(a.committed, text)
		a.interim = ""
	} else {
		a.interim = text
	}
	a.silence.Touch()
	a.emitTranscript()
	return true
}

// RecognitionEnded handles the recognizer stopping on its own. While still
// listening the recognizer is restarted under a new handle.
func (a *Arbiter) RecognitionEnded(handle uint64, err error) bool {
	if handle == 0 || handle != a.recHandle {
		return false
	}
	a.recHandle = 0
	a.committed = joinText(a.committed, a.interim)
	a.interim = ""

	if err != nil {
		a.captureFailed(err)
		return true
	}
	if a.state != domain.TurnListening {
		return true
	}

	next := a.nextHandle()
	if err := a.rec.Start(next); err != nil {
		a.captureFailed(err)
		return true
	}
	a.recHandle = next
	return true
}

// Submit sends text, or the current transcript when text is blank. Only one
// submission may be outstanding; a second attempt fails with ErrNotReady.
func (a *Arbiter) Submit(ctx context.Context, text string) error {
	if !a.enabled {
		return ErrNotReady
	}
	if a.state == domain.TurnProcessing || a.state == domain.TurnLocked {
		return fmt.Errorf("%w: turn is %s", ErrNotReady, a.state)
	}
	if a.state == domain.TurnInactive && a.remoteSpeaking {
		return fmt.Errorf("%w: counterpart is speaking", ErrNotReady)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		text = a.Transcript()
	}
	if text == "" {
		a.notify(domain.NoticeInfo, NoticeEmptySubmission, "Nothing to send yet.")
		return ErrEmptySubmission
	}

	next, err := Transition(a.state, TriggerSubmit)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if a.out == nil {
		return ErrNotReady
	}
	if err := a.out.Submit(ctx, text); err != nil {
		return fmt.Errorf("submit turn: %w", err)
	}

	a.stopCapture()
	a.committed, a.interim = "", ""
	a.setState(next)
	a.sched.Schedule(failSafeTimer, a.cfg.FailSafe, a.failSafeExpired)
	a.emitTranscript()
	a.logger.Debug("turn submitted", "chars", len(text))
	return nil
}

// Progress records counterpart streaming activity. While processing it
// extends the fail-safe window.
func (a *Arbiter) Progress() {
	a.setRemoteSpeaking(true)
	if a.state == domain.TurnProcessing {
		a.sched.Schedule(failSafeTimer, a.cfg.FailSafe, a.failSafeExpired)
	}
}

// Acknowledge handles a committed counterpart message. It starts playback and
// reports whether the turn moved to locked.
func (a *Arbiter) Acknowledge(msg domain.Message) bool {
	a.setRemoteSpeaking(false)
	if !a.enabled || a.paused {
		return false
	}
	next, err := Transition(a.state, TriggerAcknowledge)
	if err != nil {
		a.logger.Debug("counterpart message not played", "turn_state", a.state, "message_id", msg.ID)
		return false
	}

	a.sched.Cancel(failSafeTimer)
	handle := a.nextHandle()
	a.playback = handle
	a.setState(next)

	if err := a.syn.Speak(handle, msg.Content); err != nil {
		if !errors.Is(err, ErrUnavailable) {
			a.logger.Warn("playback failed to start", "message_id", msg.ID, "error", err)
			a.notify(domain.NoticeWarning, NoticePlayback, "Audio playback failed.")
		}
		a.endPlayback()
		return true
	}
	a.sched.Schedule(watchdogTimer, a.cfg.PlaybackWatchdog, func() { a.playbackTimedOut(handle) })
	return true
}

// PlaybackEnded handles the end (or failure) of playback. Reports from a
// superseded handle are ignored.
func (a *Arbiter) PlaybackEnded(handle uint64, err error) bool {
	if handle == 0 || handle != a.playback {
		return false
	}
	if err != nil {
		a.logger.Warn("playback ended with error", "error", err)
	}
	a.endPlayback()
	return true
}

// Pause stops capture and playback and suppresses automatic listening until
// Resume.
func (a *Arbiter) Pause() {
	a.paused = true
	a.leave(TriggerPause)
}

// Resume lifts a pause.
func (a *Arbiter) Resume() {
	a.paused = false
	a.resumeListening()
}

// ForceInactive stops every device and timer and parks the turn in inactive.
// Used on connection loss and at the end of a run.
func (a *Arbiter) ForceInactive(t Trigger) {
	a.setRemoteSpeaking(false)
	a.interim = ""
	a.leave(t)
}

// Reset returns the arbiter to its freshly constructed state.
func (a *Arbiter) Reset() {
	a.leave(TriggerReset)
	a.enabled = false
	a.paused = false
	a.manualOnly = false
	a.setRemoteSpeaking(false)
	a.autoListen = a.cfg.AutoListen
	a.committed, a.interim = "", ""
	a.silence.SetAutoSubmit(a.cfg.Silence.AutoSubmitEnabled)
}

func (a *Arbiter) leave(t Trigger) {
	a.stopCapture()
	a.stopPlayback()
	a.silence.Cancel()
	a.sched.Cancel(failSafeTimer)
	a.sched.Cancel(watchdogTimer)
	next, _ := Transition(a.state, t)
	a.setState(next)
}

func (a *Arbiter) endPlayback() {
	a.sched.Cancel(watchdogTimer)
	a.playback = 0
	if next, err := Transition(a.state, TriggerPlaybackEnded); err == nil {
		a.setState(next)
	}
	a.resumeListening()
}

func (a *Arbiter) playbackTimedOut(handle uint64) {
	if handle != a.playback {
		return
	}
	a.logger.Warn("playback watchdog expired", "timeout", a.cfg.PlaybackWatchdog)
	a.syn.Cancel(handle)
	a.endPlayback()
}

func (a *Arbiter) failSafeExpired() {
	next, err := Transition(a.state, TriggerFailSafe)
	if err != nil {
		return
	}
	a.setRemoteSpeaking(false)
	a.setState(next)
	a.logger.Warn("counterpart did not answer in time", "timeout", a.cfg.FailSafe)
	a.notify(domain.NoticeWarning, NoticeTookTooLong, "The other side took too long to respond. You can speak again.")
	a.resumeListening()
}

func (a *Arbiter) resumeListening() {
	if !a.autoListen || !a.enabled || a.paused || a.manualOnly || a.remoteSpeaking {
		return
	}
	if a.state != domain.TurnInactive {
		return
	}
	if err := a.BeginCapture(); err != nil {
		a.logger.Debug("automatic listening not started", "error", err)
	}
}

// captureFailed handles a recognizer that could not start or stopped with an
// error. A listening turn is parked in inactive so nothing claims the
// microphone.
func (a *Arbiter) captureFailed(err error) {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		a.manualOnly = true
		a.logger.Warn("capture permission denied, switching to manual submission")
		a.notify(domain.NoticeWarning, NoticePermission, "Microphone access was denied. Type your replies instead.")
	case errors.Is(err, ErrUnavailable):
		a.manualOnly = true
	default:
		a.logger.Warn("recognizer failed", "error", err)
		a.notify(domain.NoticeWarning, NoticeRecognizer, "Speech recognition stopped working.")
	}
	if a.state == domain.TurnListening {
		a.leave(TriggerCaptureFailed)
	}
}

func (a *Arbiter) idlePrompt() {
	a.notify(domain.NoticeInfo, NoticeIdlePrompt, "Are you still there?")
}

func (a *Arbiter) autoSubmit() {
	if a.state != domain.TurnListening || a.remoteSpeaking || a.Transcript() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SubmitTimeout)
	defer cancel()
	if err := a.Submit(ctx, ""); err != nil {
		a.logger.Warn("auto-submit failed", "error", err)
		a.notify(domain.NoticeWarning, NoticeSubmitFailed, "Your reply could not be sent.")
	}
}

// setRemoteSpeaking keeps the silence monitor from auto-submitting over an
// in-flight counterpart message.
func (a *Arbiter) setRemoteSpeaking(on bool) {
	a.remoteSpeaking = on
	a.silence.Hold(on)
}

func (a *Arbiter) stopCapture() {
	if a.recHandle != 0 {
		a.rec.Stop(a.recHandle)
		a.recHandle = 0
	}
}

func (a *Arbiter) stopPlayback() {
	if a.playback != 0 {
		a.syn.Cancel(a.playback)
		a.playback = 0
	}
}

func (a *Arbiter) setState(next domain.TurnState) {
	prev := a.state
	if prev == next {
		return
	}
	if prev == domain.TurnListening {
		a.silence.Cancel()
	}
	a.state = next
	a.logger.Debug("turn state changed", "from", prev, "turn_state", next)
	if a.hooks.StateChanged != nil {
		a.hooks.StateChanged(prev, next)
	}
}

func (a *Arbiter) notify(level domain.NoticeLevel, code, text string) {
	if a.hooks.Notice == nil {
		return
	}
	a.hooks.Notice(domain.Notice{Level: level, Code: code, Text: text, At: a.sched.Now()})
}

func (a *Arbiter) emitTranscript() {
	if a.hooks.Transcript != nil {
		a.hooks.Transcript(a.Transcript())
	}
}

func (a *Arbiter) nextHandle() uint64 {
	a.handles++
	return a.handles
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

type unavailable struct{}

func (unavailable) Start(uint64) error { return ErrUnavailable }

func (unavailable) Stop(uint64) {}

func (unavailable) Speak(uint64, string) error { return ErrUnavailable }

func (unavailable) Cancel(uint64) {}
