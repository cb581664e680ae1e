package session

import (
	"context"
	"fmt"

	"github.com/ashureev/negotiation-live/internal/channel"
	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/protocol"
	"github.com/ashureev/negotiation-live/internal/turn"
)

// handlersFor binds channel callbacks to one session epoch. They run on the
// channel's read goroutine and only post.
func (c *Coordinator) handlersFor(epoch uint64) channel.Handlers {
	return channel.Handlers{
		OnEvent: func(ev protocol.Event) {
			c.post(func() {
				if c.epoch == epoch {
					c.handleEvent(ev)
				}
			})
		},
		OnProtocolError: func(de *protocol.DecodeError) {
			c.post(func() {
				if c.epoch == epoch {
					c.protocolError(de)
				}
			})
		},
		OnLost: func(err error) {
			c.post(func() {
				if c.epoch == epoch {
					c.connectionLost(err)
				}
			})
		},
	}
}

//nolint:gocyclo // One case per event type.
func (c *Coordinator) handleEvent(ev protocol.Event) {
	r := c.run
	switch e := ev.(type) {
	case protocol.SessionReady:
		c.sessionReady(e)
	case protocol.StreamChunk:
		if _, done := r.committed[e.MessageID]; done {
			c.logger.Debug("chunk for committed message dropped", "message_id", e.MessageID)
			return
		}
		d, ok := r.drafts[e.MessageID]
		if !ok {
			d = &domain.Draft{MessageID: e.MessageID, Agent: e.Agent}
			r.drafts[e.MessageID] = d
			r.draftOrder = append(r.draftOrder, e.MessageID)
		}
		d.Text += e.Text
		if r.counterpart(e.Agent) {
			c.arb.Progress()
		}
		c.publish(domain.UpdateDraft, *d)
	case protocol.StudentThought:
		if _, done := r.committed[e.MessageID]; done {
			c.logger.Debug("thought for committed message dropped", "message_id", e.MessageID)
			return
		}
		r.thoughts[e.MessageID] = e.Thought
	case protocol.MessageComplete:
		c.commit(e)
	case protocol.MetricsUpdate:
		for _, mev := range c.metrics.Apply(e.MetricsSnapshot) {
			c.publish(domain.UpdateMetricEvent, mev)
		}
		c.publish(domain.UpdateMetrics, e)
	case protocol.StateUpdate:
		r.state = &e
		c.publish(domain.UpdateState, e)
	case protocol.CopilotUpdate:
		advice := e.Advice()
		r.copilot = &advice
		c.publish(domain.UpdateCopilot, advice)
	case protocol.IntentUpdate:
		r.intents[e.Agent] = e.Intent
		c.publish(domain.UpdateIntent, e)
	case protocol.Warning:
		code := NoticeServerWarning
		if e.Reason != "" {
			code = e.Reason
		}
		c.notice(domain.NoticeWarning, code, e.Message)
	case protocol.Error:
		c.serverError(e)
	case protocol.Analysis:
		c.complete(e)
	default:
		c.logger.Warn("unhandled event", "type", ev.EventType())
	}
}

func (c *Coordinator) sessionReady(e protocol.SessionReady) {
	r := c.run
	if len(e.Program) > 0 {
		r.program = e.Program
	}
	if len(e.Persona) > 0 {
		r.persona = e.Persona
	}
	r.retryContext = e.RetryContext
	if e.Mode != "" {
		if mode := domain.ParseMode(e.Mode); mode != r.session.Mode {
			c.logger.Info("service adjusted session mode", "from", r.session.Mode, "to", mode)
			r.session.Mode = mode
			if !r.starting {
				c.arb.SetEnabled(mode.HumanDriven())
			}
		}
	}
	c.publishStage()
}

// commit appends a finished message. Commits are idempotent per message id,
// and the completion text wins over the streamed draft.
func (c *Coordinator) commit(e protocol.MessageComplete) {
	r := c.run
	if _, done := r.committed[e.ID]; done {
		c.logger.Debug("duplicate completion ignored", "message_id", e.ID)
		return
	}
	msg := e.Message()
	if d, ok := r.dropDraft(e.ID); ok && d.Text != msg.Content {
		c.logger.Warn("streamed text differs from completion",
			"message_id", e.ID,
			"draft_len", len(d.Text),
			"content_len", len(msg.Content),
		)
	}
	if thought, ok := r.thoughts[e.ID]; ok {
		if msg.InternalThought == "" {
			msg.InternalThought = thought
		}
		delete(r.thoughts, e.ID)
	}

	r.messages = append(r.messages, msg)
	r.committed[e.ID] = struct{}{}
	c.publish(domain.UpdateMessage, msg)

	if c.journal != nil && r.session.ID != "" {
		if err := c.journal.LogMessage(r.session.ID, msg); err != nil {
			c.logger.Warn("failed to log message", "message_id", msg.ID, "error", err)
		}
	}
	if r.counterpart(msg.Agent) {
		c.arb.Acknowledge(msg)
	}
}

// complete handles the terminal analysis event.
func (c *Coordinator) complete(e protocol.Analysis) {
	r := c.run
	now := c.sched.Now()
	elapsed := now.Sub(r.session.StartedAt)
	if r.session.StartedAt.IsZero() || elapsed < 0 {
		elapsed = 0
	}

	r.session.Stage = domain.StageCompleted
	r.analysis = &e
	c.arb.ForceInactive(turn.TriggerReset)
	c.arb.SetEnabled(false)

	winner := e.Winner
	if winner == "" {
		winner = e.Judge.Winner
	}
	rec := domain.RunRecord{
		SessionID:   r.session.ID,
		Mode:        r.session.Mode,
		Score:       e.Judge.NegotiationScore,
		Winner:      winner,
		Result:      e.Result,
		Duration:    elapsed,
		Retry:       r.retry,
		CompletedAt: now,
	}
	c.runs = append(c.runs, rec)

	c.logger.Info("Session completed",
		"session_id", rec.SessionID,
		"winner", rec.Winner,
		"score", rec.Score,
		"duration", rec.Duration,
		"retry", rec.Retry,
	)
	if c.journal != nil && r.session.ID != "" {
		if err := c.journal.LogAnalysis(r.session.ID, e.Raw); err != nil {
			c.logger.Warn("failed to log analysis", "session_id", r.session.ID, "error", err)
		}
	}
	c.save(rec, append([]domain.Message(nil), r.messages...))

	c.publish(domain.UpdateAnalysis, e)
	c.publishStage()
	c.notice(domain.NoticeInfo, NoticeSessionCompleted, fmt.Sprintf("Negotiation finished: %s.", displayWinner(winner)))
}

func (c *Coordinator) save(rec domain.RunRecord, transcript []domain.Message) {
	if c.store == nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
		defer cancel()
		if err := c.store.SaveRun(ctx, rec, transcript); err != nil {
			c.logger.Error("failed to save run", "session_id", rec.SessionID, "error", err)
		}
	}()
}

// serverError is fatal: the service gave up on the session.
func (c *Coordinator) serverError(e protocol.Error) {
	c.logger.Error("negotiation service error", "session_id", c.run.session.ID, "message", e.Message)
	c.disconnect()
	c.notice(domain.NoticeError, NoticeServerError, e.Message)
}

func (c *Coordinator) connectionLost(err error) {
	wasCompleted := c.run.session.Stage == domain.StageCompleted
	c.disconnect()
	if wasCompleted {
		c.logger.Debug("connection closed after completion", "error", err)
		return
	}
	c.logger.Warn("connection lost", "session_id", c.run.session.ID, "error", err)
	c.notice(domain.NoticeError, NoticeConnectionLost, "Connection to the negotiation service was lost. Retry to continue.")
}

// disconnect stops audio and timers and drops the link but keeps the
// transcript so the run can be inspected or retried.
func (c *Coordinator) disconnect() {
	r := c.run
	c.closeLink()
	r.starting = false
	r.connected = false
	c.arb.ForceInactive(turn.TriggerConnectionLost)
	c.arb.SetEnabled(false)
	c.publishStage()
}

func (c *Coordinator) protocolError(de *protocol.DecodeError) {
	c.notice(domain.NoticeWarning, NoticeProtocolError, "Skipped a malformed update from the negotiation service.")
	c.logger.Debug("protocol error surfaced", "code", de.Code, "type", de.Type)
}

func displayWinner(w string) string {
	switch w {
	case "":
		return "no verdict"
	case "no-deal", "no_deal":
		return "no deal"
	default:
		return w + " wins"
	}
}
