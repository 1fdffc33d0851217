package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/chat-relay/internal/models"
)

// Store is the persistence port of a Session: a plain key-value capability. Load reports false when
// the key has never been saved.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
}

// Keys under which a Session persists its state.
const (
	ThreadsKey      = "threads"
	ActiveThreadKey = "active_thread"
)

const interruptedDiagnostic = "generation interrupted"

type nopStore struct{}

func (nopStore) Load(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (nopStore) Save(context.Context, string, []byte) error        { return nil }

// Load replaces the session's threads with the persisted ones. Messages that were still pending or
// streaming when they were saved belong to a generation that no longer exists, so they are marked
// failed.
func (s *Session) Load(ctx context.Context) error {
	rawThreads, ok, err := s.store.Load(ctx, ThreadsKey)
	if err != nil {
		return fmt.Errorf("failed to load threads: %w", err)
	}
	var stored []models.Thread
	if ok {
		if err := json.Unmarshal(rawThreads, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal threads: %w", err)
		}
	}

	rawActive, ok, err := s.store.Load(ctx, ActiveThreadKey)
	if err != nil {
		return fmt.Errorf("failed to load active thread: %w", err)
	}
	activeID := ""
	if ok {
		activeID = string(rawActive)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, th := range s.threads {
		if th.live != nil {
			th.live.cancel()
			th.live = nil
		}
	}

	threads := make([]*thread, len(stored))
	for i, t := range stored {
		for j := range t.Messages {
			if t.Messages[j].InFlight() {
				t.Messages[j].State = models.StateFailed
				t.Messages[j].Content = failedPrefix + interruptedDiagnostic
			}
		}
		threads[i] = &thread{Thread: t}
	}
	s.threads = threads
	s.activeID = ""
	if s.threadLocked(activeID) != nil {
		s.activeID = activeID
	}
	return nil
}

// persistLocked saves the threads and the active thread ID. Failures are logged, not returned: losing
// a save must not break the conversation in progress.
func (s *Session) persistLocked() {
	threads := make([]models.Thread, len(s.threads))
	for i, th := range s.threads {
		threads[i] = th.Thread
	}
	raw, err := json.Marshal(threads)
	if err != nil {
		s.logger.Error("Failed to marshal threads", slog.String(errLoggerKey, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()

	if err := s.store.Save(ctx, ThreadsKey, raw); err != nil {
		s.logger.Error("Failed to save threads", slog.String(errLoggerKey, err.Error()))
	}
	if err := s.store.Save(ctx, ActiveThreadKey, []byte(s.activeID)); err != nil {
		s.logger.Error("Failed to save active thread", slog.String(errLoggerKey, err.Error()))
	}
}
