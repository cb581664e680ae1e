package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/negotiation-live/internal/backend"
	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/protocol"
	"github.com/ashureev/negotiation-live/internal/turn"
)

// ErrDisconnected is returned by Start or Retry when the service ended the
// connection before the session was established.
var ErrDisconnected = errors.New("negotiation service disconnected")

// Notice codes emitted by the coordinator.
const (
	NoticeAuthRequired     = "auth_required"
	NoticeAnalysisFailed   = "analysis_failed"
	NoticeConnectFailed    = "connect_failed"
	NoticeConnectionLost   = "connection_lost"
	NoticeProtocolError    = "protocol_error"
	NoticeServerWarning    = "server_warning"
	NoticeServerError      = "server_error"
	NoticeSessionCompleted = "session_completed"
)

// Start begins a new run: it clears all state including run history,
// analyses the program and connects to the negotiation service.
func (c *Coordinator) Start(ctx context.Context, cfg StartConfig) error {
	cfg.ProgramURL = strings.TrimSpace(cfg.ProgramURL)
	if cfg.ProgramURL == "" {
		return ErrInvalidInput
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeAgentVsAgent
	}

	var epoch uint64
	var busy bool
	if err := c.do(func() {
		if c.run.starting {
			busy = true
			return
		}
		c.teardown()
		c.runs = nil
		epoch = c.epoch
		c.run.start = cfg
		c.run.starting = true
		c.run.session = domain.Session{Stage: domain.StageAnalyzing, Mode: cfg.Mode}
		c.publish(domain.UpdateReset, nil)
		c.publishStage()
	}); err != nil {
		return err
	}
	if busy {
		return ErrBusy
	}

	c.logger.Info("Starting session", "program_url", cfg.ProgramURL, "mode", cfg.Mode)
	actx, cancel := context.WithTimeout(ctx, c.cfg.AnalyzeTimeout)
	res, err := c.analyzer.Analyze(actx, backend.AnalyzeRequest{
		URL:         cfg.ProgramURL,
		AuthToken:   cfg.AuthToken,
		ArchetypeID: cfg.ArchetypeID,
	})
	cancel()
	if err != nil {
		c.abortStart(epoch, err, NoticeAnalysisFailed, "Program analysis failed. Check the link and try again.")
		return fmt.Errorf("analyze program: %w", err)
	}

	var stale bool
	if err := c.do(func() {
		if c.epoch != epoch {
			stale = true
			return
		}
		c.run.session.ID = res.SessionID
		c.run.program = res.Program
		c.run.persona = res.Persona
		c.publishStage()
	}); err != nil {
		return err
	}
	if stale {
		return ErrSuperseded
	}

	return c.connect(ctx, epoch, cfg.Mode, protocol.Handshake{
		SessionID:   res.SessionID,
		AuthToken:   cfg.AuthToken,
		Mode:        cfg.Mode.Wire(),
		DemoMode:    cfg.DemoMode,
		ArchetypeID: cfg.ArchetypeID,
	})
}

// Retry replays the current session with retry mode on. Run history is kept
// and the new run's result is appended to it.
func (c *Coordinator) Retry(ctx context.Context) error {
	var (
		epoch uint64
		mode  domain.Mode
		hs    protocol.Handshake
		err   error
	)
	if doErr := c.do(func() {
		prev := c.run
		switch {
		case prev.starting:
			err = ErrBusy
			return
		case prev.session.ID == "":
			err = ErrNoSession
			return
		}
		c.teardown()
		epoch = c.epoch
		mode = prev.session.Mode
		c.run.start = prev.start
		c.run.retry = true
		c.run.starting = true
		c.run.program = prev.program
		c.run.persona = prev.persona
		c.run.session = domain.Session{ID: prev.session.ID, Stage: domain.StageIdle, Mode: mode}
		hs = protocol.Handshake{
			SessionID:   prev.session.ID,
			AuthToken:   prev.start.AuthToken,
			Mode:        mode.Wire(),
			RetryMode:   true,
			DemoMode:    prev.start.DemoMode,
			ArchetypeID: prev.start.ArchetypeID,
		}
		c.publish(domain.UpdateReset, nil)
		c.publishStage()
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	c.logger.Info("Retrying session", "session_id", hs.SessionID)
	return c.connect(ctx, epoch, mode, hs)
}

// Reset tears everything down and returns the coordinator to its initial
// state, run history included.
func (c *Coordinator) Reset() error {
	return c.do(func() {
		c.teardown()
		c.runs = nil
		c.publish(domain.UpdateReset, nil)
		c.publishStage()
	})
}

// UpdateAuthToken replaces the token used by the next Retry.
func (c *Coordinator) UpdateAuthToken(token string) error {
	return c.do(func() { c.run.start.AuthToken = token })
}

func (c *Coordinator) connect(ctx context.Context, epoch uint64, mode domain.Mode, hs protocol.Handshake) error {
	c.requestPermission(ctx, epoch, mode)

	link, err := c.transport.Open(ctx, hs, c.handlersFor(epoch))
	if err != nil {
		c.abortStart(epoch, err, NoticeConnectFailed, "Could not connect to the negotiation service.")
		return fmt.Errorf("open channel: %w", err)
	}

	var stale, failed bool
	if err := c.do(func() {
		switch {
		case c.epoch != epoch:
			stale = true
			return
		case !c.run.starting:
			failed = true
			return
		}
		r := c.run
		c.link = link
		r.starting = false
		r.connected = true
		if r.session.Stage != domain.StageCompleted {
			r.session.Stage = domain.StageNegotiating
			r.session.StartedAt = c.sched.Now()
		}
		c.arb.SetEnabled(r.session.Mode.HumanDriven())
		c.publishStage()
		c.publish(domain.UpdateTurn, c.arb.Status())
	}); err != nil {
		_ = link.Close()
		return err
	}
	switch {
	case stale:
		_ = link.Close()
		return ErrSuperseded
	case failed:
		_ = link.Close()
		return ErrDisconnected
	}
	c.logger.Info("Session connected", "session_id", hs.SessionID, "mode", mode, "retry_mode", hs.RetryMode)
	return nil
}

// requestPermission runs the capture permission prompt for human-driven
// modes. A refusal switches the arbiter to manual submission.
func (c *Coordinator) requestPermission(ctx context.Context, epoch uint64, mode domain.Mode) {
	if c.permission == nil || !mode.HumanDriven() {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PermissionTimeout)
	err := c.permission.RequestPermission(pctx)
	cancel()
	if err == nil {
		return
	}
	if !errors.Is(err, turn.ErrPermissionDenied) && !errors.Is(err, turn.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", turn.ErrPermissionDenied, err)
	}
	c.logger.Warn("Capture permission not granted", "error", err)
	_ = c.do(func() {
		if c.epoch == epoch {
			c.arb.CaptureDenied(err)
		}
	})
}

func (c *Coordinator) abortStart(epoch uint64, err error, code, text string) {
	c.logger.Error("Session start failed", "code", code, "error", err)
	_ = c.do(func() {
		if c.epoch != epoch {
			return
		}
		c.run.starting = false
		if c.run.session.Stage != domain.StageCompleted {
			c.run.session.Stage = domain.StageIdle
		}
		if errors.Is(err, backend.ErrUnauthorized) {
			c.notice(domain.NoticeWarning, NoticeAuthRequired, "Your login expired. Sign in again to continue.")
		} else {
			c.notice(domain.NoticeError, code, text)
		}
		c.publishStage()
	})
}

// teardown is the single cleanup path shared by reset, start, retry and
// close. It leaves run history alone.
func (c *Coordinator) teardown() {
	c.epoch++
	c.closeLink()
	c.arb.Reset()
	c.metrics.Reset()
	c.sched.CancelAll()
	if c.journal != nil && c.run.session.ID != "" {
		if err := c.journal.CloseSession(c.run.session.ID); err != nil {
			c.logger.Warn("failed to close conversation log", "session_id", c.run.session.ID, "error", err)
		}
	}
	c.run = newRun()
}

func (c *Coordinator) publishStage() {
	c.publish(domain.UpdateStage, c.run.session)
}
