package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/events"
	"github.com/shannonlabs/shannon-mcp/internal/events/bus"
	"github.com/shannonlabs/shannon-mcp/internal/session"
	"github.com/shannonlabs/shannon-mcp/internal/session/decoder"
)

// historyCap bounds the per-session decoded message history served to
// stream queries.
const historyCap = 2000

// pump runs the session's decoder, routes every decoded message, and
// finalizes the session at natural end-of-stream. Cancellation-driven
// finalization belongs to terminate.
func (s *Supervisor) pump(ctx context.Context, h *handle) {
	runDone := make(chan error, 1)
	go func() { runDone <- h.dec.Run(ctx) }()

	for msg := range h.dec.Messages() {
		s.route(ctx, h, msg)
	}
	runErr := <-runDone

	// Unblock anyone awaiting the pump before contending on finalizeOnce.
	close(h.pumpDone)

	if runErr != nil {
		// Cancelled by terminate, which owns finalization.
		return
	}

	h.finalizeOnce.Do(func() {
		_ = h.sess.CommitPending()

		reapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		exitErr := h.child.Wait(reapCtx)
		cancel()

		phase := h.sess.CurrentPhase()
		if phase.Terminal() {
			return
		}

		terminal := session.PhaseCompleted
		switch {
		case phase == session.PhaseCancelling:
			terminal = session.PhaseCancelled
		case exitErr != nil:
			// Non-zero exit fails the session even after a clean response.
			h.sess.SetError(exitErr.Error())
			terminal = session.PhaseFailed
		}
		s.finishToPhase(h.sess, terminal)
		s.finalize(ctx, h)
	})
}

// route applies one decoded message to the session and republishes it on
// the bus.
func (s *Supervisor) route(ctx context.Context, h *handle, msg decoder.Message) {
	sess := h.sess

	h.historyMu.Lock()
	if len(h.history) < historyCap {
		h.history = append(h.history, msg)
	}
	h.historyMu.Unlock()

	switch msg.Type {
	case decoder.TypePartial:
		sess.AppendPartial(msg.Content)

	case decoder.TypeResponse:
		if msg.Content != "" && sess.PendingSnapshot() == "" {
			sess.AppendPartial(msg.Content)
		}
		if err := sess.CommitPending(); err != nil {
			s.logger.Warn("failed to commit response",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
		_ = sess.Transition(session.PhaseCompleting)
		s.persist(sess)

	case decoder.TypeError:
		sess.SetError(msg.Content)
		s.publishStreamError(ctx, sess.ID, msg)

	case decoder.TypeNotification:
		appendContextList(sess, "notifications", msg.Fields)

	case decoder.TypeMetric:
		sess.MergeMetrics(msg.Fields)

	case decoder.TypeDebug:
		appendContextList(sess, "debug", msg.Fields)

	case decoder.TypeStatus:
		s.applyStatusHint(sess, msg)

	case decoder.TypeCheckpoint:
		label, _ := msg.Fields["label"].(string)
		if label == "" {
			label = "child-requested"
		}
		if _, err := s.CreateCheckpoint(ctx, sess.ID, label, "", []string{"child"}); err != nil {
			s.logger.Warn("child-requested checkpoint failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}

	case decoder.TypeText:
		sess.AppendPartial(msg.Content)

	case decoder.TypeParseError:
		sess.CountParseError()
		s.logger.Debug("stream parse error",
			zap.String("session_id", sess.ID),
			zap.String("detail", msg.ParseError))

	case decoder.TypeUnknown:
		s.logger.Debug("unrecognized stream message",
			zap.String("session_id", sess.ID),
			zap.Any("fields", msg.Fields))
	}

	s.publishStream(ctx, sess.ID, msg)
}

// applyStatusHint advances the phase when the child reports completion.
func (s *Supervisor) applyStatusHint(sess *session.Session, msg decoder.Message) {
	hint, _ := msg.Fields["phase"].(string)
	if hint == "" {
		hint, _ = msg.Fields["status"].(string)
	}
	switch hint {
	case "completing", "done", "complete":
		_ = sess.Transition(session.PhaseCompleting)
	}
}

func appendContextList(sess *session.Session, key string, fields map[string]any) {
	snap := sess.Snapshot()
	var list []any
	if existing, ok := snap.Context[key].([]any); ok {
		list = existing
	}
	list = append(list, fields)
	sess.SetContextValue(key, list)
}

func (s *Supervisor) publishStream(ctx context.Context, sessionID string, msg decoder.Message) {
	if s.bus == nil {
		return
	}
	subject := events.BuildSessionStreamSubject(sessionID)
	err := s.bus.Publish(ctx, subject, bus.NewEvent(events.SessionStream, "stream-decoder", map[string]any{
		"session_id": sessionID,
		"type":       string(msg.Type),
		"content":    msg.Content,
		"seq":        msg.Seq,
	}))
	if err != nil {
		s.logger.Debug("failed to publish stream event", zap.Error(err))
	}
}

func (s *Supervisor) publishStreamError(ctx context.Context, sessionID string, msg decoder.Message) {
	if s.bus == nil {
		return
	}
	subject := events.BuildSessionErrorSubject(sessionID)
	err := s.bus.Publish(ctx, subject, bus.NewEvent(events.SessionError, "stream-decoder", map[string]any{
		"session_id": sessionID,
		"error":      msg.Content,
		"seq":        msg.Seq,
	}))
	if err != nil {
		s.logger.Warn("failed to publish session error event", zap.Error(err))
	}
}
