package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/chat-relay/internal/frame"
	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/MegaGrindStone/chat-relay/internal/reveal"
)

const failedPrefix = "⚠️ "

func (s *Session) generate(att *attempt, req models.GenerationRequest) {
	defer s.wg.Done()
	defer close(att.done)
	defer att.cancel()

	logger := s.logger.With(
		slog.String("threadID", att.threadID),
		slog.Uint64("attempt", att.id),
	)

	body, err := s.transport.Stream(att.ctx, req)
	if err != nil {
		if att.ctx.Err() != nil {
			return
		}
		logger.Warn("Streaming unavailable, falling back", slog.String(errLoggerKey, err.Error()))
		s.fallback(att, req, logger)
		return
	}
	defer body.Close()
	// A blocked Read only returns once the body is closed.
	stopClose := context.AfterFunc(att.ctx, func() { _ = body.Close() })
	defer stopClose()

	for f, err := range frame.Read(att.ctx, body) {
		if err != nil {
			if att.ctx.Err() == nil {
				logger.Warn("Stream interrupted", slog.String(errLoggerKey, err.Error()))
			}
			break
		}
		switch f.Kind {
		case frame.KindText:
			if !s.appendFragment(att, f.Payload) {
				return
			}
		case frame.KindError:
			logger.Warn("Upstream reported an error", slog.String(errLoggerKey, f.Payload))
		}
	}

	if att.ctx.Err() != nil {
		return
	}
	if s.finishStream(att) {
		return
	}
	logger.Info("Stream ended without content, falling back")
	s.fallback(att, req, logger)
}

// fallback fetches the whole reply in one call and reveals it run by run, so the message goes through
// the same states as a streamed one.
func (s *Session) fallback(att *attempt, req models.GenerationRequest, logger *slog.Logger) {
	reply, err := s.transport.Complete(att.ctx, req)
	if err != nil {
		if att.ctx.Err() != nil {
			return
		}
		logger.Error("Fallback request failed", slog.String(errLoggerKey, err.Error()))
		s.fail(att, err)
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		logger.Error("Fallback returned an empty reply")
		s.fail(att, errEmptyReply)
		return
	}

	err = reveal.Reveal(att.ctx, reply, s.revealInterval, func(run string) bool {
		return s.appendFragment(att, run)
	})
	if err != nil {
		// Stopped or superseded; whoever did it has already settled the message.
		return
	}
	s.complete(att)
}

func (s *Session) appendFragment(att *attempt, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, idx, ok := s.lookupLocked(att)
	if !ok {
		return false
	}
	msg := &th.Messages[idx]
	if msg.State == models.StatePending {
		msg.State = models.StateStreaming
	}
	msg.Content += text
	s.notifyLocked(th, *msg)
	return true
}

// finishStream completes the message if the stream delivered content. It reports false when the caller
// should fall back instead.
func (s *Session) finishStream(att *attempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, idx, ok := s.lookupLocked(att)
	if !ok {
		return true
	}
	if th.Messages[idx].Content == "" {
		return false
	}
	s.settleLocked(th, idx, models.StateComplete)
	return true
}

func (s *Session) complete(att *attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, idx, ok := s.lookupLocked(att)
	if !ok {
		return
	}
	s.settleLocked(th, idx, models.StateComplete)
}

func (s *Session) fail(att *attempt, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, idx, ok := s.lookupLocked(att)
	if !ok {
		return
	}
	th.Messages[idx].Content = failedPrefix + cause.Error()
	s.settleLocked(th, idx, models.StateFailed)
}

func (s *Session) settleLocked(th *thread, idx int, state models.DeliveryState) {
	th.Messages[idx].State = state
	th.live = nil
	s.notifyLocked(th, th.Messages[idx])
	s.persistLocked()
}
