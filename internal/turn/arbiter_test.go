package turn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/scheduler"
	"github.com/ashureev/negotiation-live/internal/silence"
)

type fakeRecognizer struct {
	started []uint64
	stopped []uint64
	err     error
}

func (r *fakeRecognizer) Start(handle uint64) error {
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, handle)
	return nil
}

func (r *fakeRecognizer) Stop(handle uint64) { r.stopped = append(r.stopped, handle) }

type fakeSynthesizer struct {
	spoken    []string
	handles   []uint64
	cancelled []uint64
	err       error
}

func (s *fakeSynthesizer) Speak(handle uint64, text string) error {
	if s.err != nil {
		return s.err
	}
	s.handles = append(s.handles, handle)
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *fakeSynthesizer) Cancel(handle uint64) { s.cancelled = append(s.cancelled, handle) }

type fakeSubmitter struct {
	sent []string
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

type harness struct {
	arb     *Arbiter
	clock   *scheduler.ManualClock
	rec     *fakeRecognizer
	syn     *fakeSynthesizer
	out     *fakeSubmitter
	notices []domain.Notice
	changes [][2]domain.TurnState
}

func (h *harness) noticeCodes() []string {
	codes := make([]string, 0, len(h.notices))
	for _, n := range h.notices {
		codes = append(codes, n.Code)
	}
	return codes
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock: scheduler.NewManualClock(time.Unix(1_700_000_000, 0)),
		rec:   &fakeRecognizer{},
		syn:   &fakeSynthesizer{},
		out:   &fakeSubmitter{},
	}
	h.arb = New(Options{
		Config:      cfg,
		Scheduler:   scheduler.New(h.clock, scheduler.Inline),
		Recognizer:  h.rec,
		Synthesizer: h.syn,
		Submitter:   h.out,
		Hooks: Hooks{
			Notice: func(n domain.Notice) { h.notices = append(h.notices, n) },
			StateChanged: func(from, to domain.TurnState) {
				h.changes = append(h.changes, [2]domain.TurnState{from, to})
			},
		},
	})
	return h
}

func counterpart(id, content string) domain.Message {
	return domain.Message{ID: id, Agent: domain.AgentStudent, Content: content, Round: 1}
}

func TestBeginCaptureRequiresEnabledArbiter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	err := h.arb.BeginCapture()

	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, domain.TurnInactive, h.arb.State())
	assert.Empty(t, h.rec.started)
}

func TestFullTurnCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())
	assert.Equal(t, domain.TurnListening, h.arb.State())
	require.Equal(t, []uint64{1}, h.rec.started)

	assert.True(t, h.arb.RecognitionResult(1, "hello", true))
	assert.True(t, h.arb.RecognitionResult(1, "wor", false))
	assert.Equal(t, "hello wor", h.arb.Transcript())
	assert.True(t, h.arb.RecognitionResult(1, "world", true))
	assert.Equal(t, "hello world", h.arb.Transcript())

	require.NoError(t, h.arb.Submit(context.Background(), ""))
	assert.Equal(t, []string{"hello world"}, h.out.sent)
	assert.Equal(t, domain.TurnProcessing, h.arb.State())
	assert.Equal(t, []uint64{1}, h.rec.stopped)
	assert.Empty(t, h.arb.Transcript())

	assert.True(t, h.arb.Acknowledge(counterpart("m1", "That is too expensive.")))
	assert.Equal(t, domain.TurnLocked, h.arb.State())
	require.Equal(t, []string{"That is too expensive."}, h.syn.spoken)

	assert.True(t, h.arb.PlaybackEnded(h.syn.handles[0], nil))
	assert.Equal(t, domain.TurnInactive, h.arb.State())
}

func TestSecondSubmitWhileOutstandingIsNotReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.Submit(context.Background(), "first"))

	err := h.arb.Submit(context.Background(), "second")

	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, []string{"first"}, h.out.sent)
}

func TestEmptySubmissionIsRejectedWithNotice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())

	err := h.arb.Submit(context.Background(), "   ")

	assert.ErrorIs(t, err, ErrEmptySubmission)
	assert.Equal(t, domain.TurnListening, h.arb.State())
	assert.Equal(t, []string{NoticeEmptySubmission}, h.noticeCodes())
	assert.Empty(t, h.out.sent)
}

func TestSubmitFailureKeepsListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())
	h.out.err = errors.New("socket closed")

	err := h.arb.Submit(context.Background(), "hello")

	require.Error(t, err)
	assert.Equal(t, domain.TurnListening, h.arb.State())
	assert.Empty(t, h.rec.stopped)
}

func TestFailSafeRecoversExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{FailSafe: 20 * time.Second})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.Submit(context.Background(), "are you there"))

	h.clock.Advance(19 * time.Second)
	assert.Equal(t, domain.TurnProcessing, h.arb.State())

	h.clock.Advance(time.Second)
	assert.Equal(t, domain.TurnInactive, h.arb.State())

	h.clock.Advance(time.Minute)
	assert.Equal(t, []string{NoticeTookTooLong}, h.noticeCodes())
}

func TestStreamingProgressExtendsFailSafe(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{FailSafe: 20 * time.Second})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.Submit(context.Background(), "offer"))

	h.clock.Advance(15 * time.Second)
	h.arb.Progress()
	h.clock.Advance(15 * time.Second)
	assert.Equal(t, domain.TurnProcessing, h.arb.State())

	assert.True(t, h.arb.Acknowledge(counterpart("m1", "ok")))
	h.clock.Advance(time.Minute)
	assert.NotContains(t, h.noticeCodes(), NoticeTookTooLong)
}

func TestStaleRecognizerCallbacksAreIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())
	h.arb.RecognitionResult(1, "partial", false)

	assert.True(t, h.arb.RecognitionEnded(1, nil))
	require.Equal(t, []uint64{1, 2}, h.rec.started, "recognizer restarts while listening")
	assert.Equal(t, "partial", h.arb.Transcript(), "interim text survives a restart")

	assert.False(t, h.arb.RecognitionResult(1, "stale", true))
	assert.False(t, h.arb.RecognitionEnded(1, nil))
	assert.True(t, h.arb.RecognitionResult(2, "fresh", true))
	assert.Equal(t, "partial fresh", h.arb.Transcript())
}

func TestStalePlaybackCallbackIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.Submit(context.Background(), "hi"))
	require.True(t, h.arb.Acknowledge(counterpart("m1", "hello")))

	assert.False(t, h.arb.PlaybackEnded(h.syn.handles[0]+1, nil))
	assert.False(t, h.arb.PlaybackEnded(0, nil))
	assert.Equal(t, domain.TurnLocked, h.arb.State())
}

func TestPermissionDeniedFallsBackToManualSubmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoListen: true})
	h.rec.err = ErrPermissionDenied
	h.arb.SetEnabled(true)

	err := h.arb.BeginCapture()
	assert.ErrorIs(t, err, ErrManualOnly)
	assert.True(t, h.arb.Status().ManualOnly)
	assert.Equal(t, domain.TurnInactive, h.arb.State())
	assert.Equal(t, []string{NoticePermission}, h.noticeCodes())

	require.NoError(t, h.arb.Submit(context.Background(), "typed reply"))
	assert.Equal(t, domain.TurnProcessing, h.arb.State())

	require.True(t, h.arb.Acknowledge(counterpart("m1", "noted")))
	require.True(t, h.arb.PlaybackEnded(h.syn.handles[0], nil))
	assert.Equal(t, domain.TurnInactive, h.arb.State(), "no automatic listening without a microphone")
}

func TestAutoListenReentersAfterPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoListen: true})
	h.arb.SetEnabled(true)
	require.Equal(t, domain.TurnListening, h.arb.State())

	h.arb.RecognitionResult(1, "my offer", true)
	require.NoError(t, h.arb.Submit(context.Background(), ""))
	require.True(t, h.arb.Acknowledge(counterpart("m1", "counter offer")))
	require.True(t, h.arb.PlaybackEnded(h.syn.handles[0], nil))

	assert.Equal(t, domain.TurnListening, h.arb.State())
	assert.Equal(t, []uint64{1, 3}, h.rec.started)
}

func TestAutoListenReentersAfterFailSafe(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoListen: true, FailSafe: time.Second})
	h.arb.SetEnabled(true)
	h.arb.RecognitionResult(1, "hello", true)
	require.NoError(t, h.arb.Submit(context.Background(), ""))

	h.clock.Advance(time.Second)

	assert.Equal(t, domain.TurnListening, h.arb.State())
	assert.Equal(t, []string{NoticeTookTooLong}, h.noticeCodes())
}

func TestPauseSuppressesAutoListenUntilResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoListen: true})
	h.arb.SetEnabled(true)
	require.Equal(t, domain.TurnListening, h.arb.State())

	h.arb.Pause()
	assert.Equal(t, domain.TurnInactive, h.arb.State())
	assert.Equal(t, []uint64{1}, h.rec.stopped)
	assert.ErrorIs(t, h.arb.BeginCapture(), ErrPaused)

	h.arb.Resume()
	assert.Equal(t, domain.TurnListening, h.arb.State())
}

func TestPauseDuringPlaybackStopsAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.Submit(context.Background(), "hi"))
	require.True(t, h.arb.Acknowledge(counterpart("m1", "hello")))

	h.arb.Pause()

	assert.Equal(t, domain.TurnInactive, h.arb.State())
	assert.Equal(t, h.syn.handles, h.syn.cancelled)
	assert.False(t, h.arb.PlaybackEnded(h.syn.handles[0], nil))
}

func TestPlaybackWatchdogReleasesSpeaker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PlaybackWatchdog: 30 * time.Second})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.Submit(context.Background(), "hi"))
	require.True(t, h.arb.Acknowledge(counterpart("m1", "a very long answer")))

	h.clock.Advance(30 * time.Second)

	assert.Equal(t, domain.TurnInactive, h.arb.State())
	assert.Equal(t, h.syn.handles, h.syn.cancelled)
}

func TestPlaybackErrorReleasesSpeakerImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.syn.err = errors.New("no audio output")
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.Submit(context.Background(), "hi"))

	assert.True(t, h.arb.Acknowledge(counterpart("m1", "hello")))
	assert.Equal(t, domain.TurnInactive, h.arb.State())
	assert.Equal(t, []string{NoticePlayback}, h.noticeCodes())
}

func TestAcknowledgeWhileListeningDoesNotPlay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())

	assert.False(t, h.arb.Acknowledge(counterpart("m1", "interrupt")))
	assert.Equal(t, domain.TurnListening, h.arb.State())
	assert.Empty(t, h.syn.spoken)
}

func TestRemoteSpeakingBlocksCapture(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.arb.SetEnabled(true)
	h.arb.Progress()

	assert.ErrorIs(t, h.arb.BeginCapture(), ErrNotReady)

	require.True(t, h.arb.Acknowledge(counterpart("m1", "opening line")))
	require.True(t, h.arb.PlaybackEnded(h.syn.handles[0], nil))
	assert.NoError(t, h.arb.BeginCapture())
}

func TestAutoSubmitSendsTranscript(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Silence: silence.Config{
		AutoSubmit:        5 * time.Second,
		AutoSubmitEnabled: true,
	}})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())
	h.arb.RecognitionResult(1, "deal", true)

	h.clock.Advance(5 * time.Second)

	assert.Equal(t, []string{"deal"}, h.out.sent)
	assert.Equal(t, domain.TurnProcessing, h.arb.State())
}

func TestIdlePromptNotifiesWithoutStateChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Silence: silence.Config{IdlePrompt: 10 * time.Second}})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())

	h.clock.Advance(10 * time.Second)

	assert.Equal(t, []string{NoticeIdlePrompt}, h.noticeCodes())
	assert.Equal(t, domain.TurnListening, h.arb.State())
}

func TestResetSilencesEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoListen: true, Silence: silence.Config{AutoSubmitEnabled: true}})
	h.arb.SetEnabled(true)
	h.arb.RecognitionResult(1, "pending words", true)
	h.arb.Pause()
	h.arb.Resume()
	h.arb.RecognitionResult(2, "more", true)

	h.arb.Reset()
	h.clock.Advance(time.Hour)

	assert.Equal(t, domain.TurnInactive, h.arb.State())
	assert.Empty(t, h.arb.Transcript())
	assert.Empty(t, h.notices)
	assert.Empty(t, h.out.sent)
	assert.ErrorIs(t, h.arb.BeginCapture(), ErrNotReady, "reset disables the arbiter")
	assert.False(t, h.arb.RecognitionResult(2, "late", true))
}

func TestListeningAndLockedNeverObservedTogether(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoListen: true, FailSafe: time.Second})
	h.arb.SetEnabled(true)
	for i := 0; i < 5; i++ {
		h.arb.RecognitionResult(h.rec.started[len(h.rec.started)-1], "line", true)
		_ = h.arb.Submit(context.Background(), "")
		if i%2 == 0 {
			h.arb.Acknowledge(counterpart("m", "reply"))
			h.arb.PlaybackEnded(h.syn.handles[len(h.syn.handles)-1], nil)
		} else {
			h.clock.Advance(time.Second)
		}
	}

	require.NotEmpty(t, h.changes)
	for _, c := range h.changes {
		if (c[0] == domain.TurnListening && c[1] == domain.TurnLocked) ||
			(c[0] == domain.TurnLocked && c[1] == domain.TurnListening) {
			t.Fatalf("observed direct change %s -> %s", c[0], c[1])
		}
	}
}

func TestCaptureDeniedBeforeListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoListen: true})
	h.arb.CaptureDenied(ErrPermissionDenied)
	h.arb.SetEnabled(true)

	assert.Equal(t, domain.TurnInactive, h.arb.State())
	assert.Empty(t, h.rec.started)
	assert.True(t, h.arb.Status().ManualOnly)
}

func TestAutoSubmitWaitsWhileCounterpartSpeaks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Silence: silence.Config{
		AutoSubmit:        5 * time.Second,
		AutoSubmitEnabled: true,
	}})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())

	h.arb.Progress()
	h.arb.RecognitionResult(1, "deal", true)
	h.clock.Advance(5 * time.Second)

	assert.Empty(t, h.out.sent, "no auto-submit over a streaming counterpart")
	assert.Equal(t, domain.TurnListening, h.arb.State())
	assert.True(t, h.arb.Status().RemoteSpeaking)

	h.arb.Acknowledge(counterpart("m1", "late reply"))
	h.arb.RecognitionResult(1, "then", true)
	h.clock.Advance(5 * time.Second)

	assert.Equal(t, []string{"deal then"}, h.out.sent)
	assert.Equal(t, domain.TurnProcessing, h.arb.State())
}

func TestCounterpartStreamCancelsArmedAutoSubmit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Silence: silence.Config{
		AutoSubmit:        5 * time.Second,
		AutoSubmitEnabled: true,
	}})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())
	h.arb.RecognitionResult(1, "deal", true)

	h.clock.Advance(3 * time.Second)
	h.arb.Progress()
	h.clock.Advance(time.Minute)

	assert.Empty(t, h.out.sent)
	assert.Equal(t, "deal", h.arb.Transcript())
}

func TestPermissionRevokedWhileListeningParksTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Silence: silence.Config{IdlePrompt: 10 * time.Second}})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())

	assert.True(t, h.arb.RecognitionEnded(1, ErrPermissionDenied))
	assert.Equal(t, domain.TurnInactive, h.arb.State())
	assert.True(t, h.arb.Status().ManualOnly)

	h.clock.Advance(11 * time.Second)
	assert.Equal(t, []string{NoticePermission}, h.noticeCodes(), "idle prompt is cancelled with capture")
	assert.Equal(t, []uint64{1}, h.rec.started)
	assert.ErrorIs(t, h.arb.BeginCapture(), ErrManualOnly)

	require.NoError(t, h.arb.Submit(context.Background(), "typed instead"))
	assert.Equal(t, domain.TurnProcessing, h.arb.State())
}

func TestRecognizerRestartFailureParksTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Silence: silence.Config{IdlePrompt: 10 * time.Second}})
	h.arb.SetEnabled(true)
	require.NoError(t, h.arb.BeginCapture())
	h.rec.err = errors.New("microphone busy")

	assert.True(t, h.arb.RecognitionEnded(1, nil))
	assert.Equal(t, domain.TurnInactive, h.arb.State())
	assert.False(t, h.arb.Status().ManualOnly)

	h.clock.Advance(11 * time.Second)
	assert.Equal(t, []string{NoticeRecognizer}, h.noticeCodes())
}
