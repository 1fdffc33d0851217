// Package session drives chat threads on the consumer side of the pipeline. A Session owns its threads
// and messages for their whole lifetime: it issues generation requests through a Transport, decodes the
// relayed frames into the assistant message, falls back to a simulated reveal when streaming is not
// available, and persists the threads through a key-value Store.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/MegaGrindStone/chat-relay/internal/reveal"
	"github.com/google/uuid"
)

// Transport reaches the relay. Stream returns the framed response body of a streaming call and fails if
// the relay answered with a non-success status. Complete performs the non-streaming call and returns
// the full reply. Both must abort promptly when ctx is cancelled.
type Transport interface {
	Stream(ctx context.Context, req models.GenerationRequest) (io.ReadCloser, error)
	Complete(ctx context.Context, req models.GenerationRequest) (string, error)
}

// Update is delivered to the observer every time a message of a thread is added or changed. Updates
// of one thread arrive in mutation order.
type Update struct {
	ThreadID string
	Title    string
	Message  models.Message
}

// Session errors.
var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrGenerationInFlight = errors.New("a generation is already in flight for this thread")
	ErrThreadNotFound     = errors.New("thread not found")
	ErrClosed             = errors.New("session is closed")

	errEmptyReply = errors.New("no response")
)

const errLoggerKey = "err"

// Session is safe for concurrent use. All mutations of its threads go through one mutex, so they form a
// single ordered sequence no matter which goroutine triggers them.
type Session struct {
	transport      Transport
	store          Store
	logger         *slog.Logger
	observer       func(Update)
	revealInterval time.Duration
	storeTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	threads  []*thread
	activeID string
	attempts uint64
}

type thread struct {
	models.Thread
	live *attempt
}

// attempt is one generation of one thread. A thread holds at most one live attempt; every mutation
// made on behalf of an attempt first checks that it is still the live one.
type attempt struct {
	id       uint64
	threadID string
	msgID    string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// Generation is the handle of an accepted Send.
type Generation struct {
	ThreadID  string
	MessageID string

	done <-chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for generation diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger.With(slog.String("module", "session"))
	}
}

// WithObserver registers fn to receive message updates. fn runs while the session is locked and must
// not call back into the Session.
func WithObserver(fn func(Update)) Option {
	return func(s *Session) {
		s.observer = fn
	}
}

// WithRevealInterval sets the pause between runs revealed by the fallback path.
func WithRevealInterval(d time.Duration) Option {
	return func(s *Session) {
		s.revealInterval = d
	}
}

// New creates a Session that generates through transport and persists into store. A nil store keeps
// the threads in memory only.
func New(transport Transport, store Store, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport:      transport,
		store:          store,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		revealInterval: reveal.DefaultInterval,
		storeTimeout:   5 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = nopStore{}
	}
	return s
}

// Done returns a channel closed when the generation has settled.
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the generation has settled or ctx is done.
func (g *Generation) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewThread creates an empty thread, puts it first and makes it active.
func (s *Session) NewThread() models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := &thread{Thread: models.Thread{
		ID:        uuid.New().String(),
		Title:     models.DefaultThreadTitle,
		CreatedAt: time.Now(),
	}}
	s.threads = slices.Insert(s.threads, 0, th)
	s.activeID = th.ID
	s.persistLocked()

	return snapshot(th)
}

// Threads returns a copy of every thread, most recent first.
func (s *Session) Threads() []models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]models.Thread, len(s.threads))
	for i, th := range s.threads {
		res[i] = snapshot(th)
	}
	return res
}

// Thread returns a copy of the thread with the given ID.
func (s *Session) Thread(id string) (models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threadLocked(id)
	if th == nil {
		return models.Thread{}, ErrThreadNotFound
	}
	return snapshot(th), nil
}

// Active returns the thread currently displayed, if any.
func (s *Session) Active() (models.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threadLocked(s.activeID)
	if th == nil {
		return models.Thread{}, false
	}
	return snapshot(th), true
}

// SetActive switches the displayed thread. Generations in flight keep writing to their own thread.
func (s *Session) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.threadLocked(id) == nil {
		return ErrThreadNotFound
	}
	s.activeID = id
	s.persistLocked()
	return nil
}

// DeleteThread stops the thread's generation, if any, and removes it.
func (s *Session) DeleteThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.threads, func(th *thread) bool { return th.ID == id })
	if idx < 0 {
		return ErrThreadNotFound
	}
	if att := s.threads[idx].live; att != nil {
		s.threads[idx].live = nil
		att.cancel()
	}
	s.threads = slices.Delete(s.threads, idx, idx+1)
	if s.activeID == id {
		s.activeID = ""
		if len(s.threads) > 0 {
			s.activeID = s.threads[0].ID
		}
	}
	s.persistLocked()
	return nil
}

// Send appends a user message and a pending assistant placeholder to the thread and starts generating
// the reply. It fails with ErrEmptyMessage when text is blank and there are no attachments, and with
// ErrGenerationInFlight while the thread still has a pending or streaming message; a rejected Send
// leaves the thread unchanged.
func (s *Session) Send(threadID, text string, attachments []models.Attachment) (*Generation, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	th := s.threadLocked(threadID)
	if th == nil {
		return nil, ErrThreadNotFound
	}
	if th.live != nil || th.InFlight() >= 0 {
		return nil, ErrGenerationInFlight
	}

	now := time.Now()
	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   text,
		State:     models.StateComplete,
		Timestamp: now,
	}
	aiMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		State:     models.StatePending,
		Timestamp: now,
	}

	history := make([]models.Message, 0, len(th.Messages)+1)
	for _, msg := range th.Messages {
		if msg.State == models.StateFailed {
			continue
		}
		history = append(history, msg)
	}
	req := models.GenerationRequest{
		ThreadID:    th.ID,
		Messages:    append(history, userMsg),
		Attachments: slices.Clone(attachments),
	}

	th.Messages = append(th.Messages, userMsg, aiMsg)
	if th.Title == models.DefaultThreadTitle {
		th.Title = models.TitleFromText(text)
	}

	s.attempts++
	ctx, cancel := context.WithCancel(s.ctx)
	att := &attempt{
		id:       s.attempts,
		threadID: th.ID,
		msgID:    aiMsg.ID,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	th.live = att

	s.notifyLocked(th, userMsg)
	s.notifyLocked(th, aiMsg)
	s.persistLocked()

	s.wg.Add(1)
	go s.generate(att, req)

	return &Generation{
		ThreadID:  th.ID,
		MessageID: aiMsg.ID,
		done:      att.done,
	}, nil
}

// Stop cancels the thread's generation, closing its connection or halting its reveal, and marks the
// message complete with the content it has so far. Stopping a thread with nothing in flight is a no-op.
func (s *Session) Stop(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threadLocked(threadID)
	if th == nil {
		return ErrThreadNotFound
	}
	s.stopLocked(th)
	return nil
}

// Close stops every generation in flight, waits for them to return and persists the threads. The
// Session rejects new sends afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	for _, th := range s.threads {
		s.stopLocked(th)
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Session) stopLocked(th *thread) {
	att := th.live
	if att == nil {
		return
	}
	th.live = nil
	att.cancel()

	idx := th.MessageIndex(att.msgID)
	if idx < 0 || !th.Messages[idx].InFlight() {
		return
	}
	th.Messages[idx].State = models.StateComplete
	s.notifyLocked(th, th.Messages[idx])
	s.persistLocked()
}

func (s *Session) threadLocked(id string) *thread {
	for _, th := range s.threads {
		if th.ID == id {
			return th
		}
	}
	return nil
}

// lookupLocked resolves the message an attempt writes to. It fails once the attempt has been stopped,
// superseded, or its thread deleted.
func (s *Session) lookupLocked(att *attempt) (*thread, int, bool) {
	th := s.threadLocked(att.threadID)
	if th == nil || th.live == nil || th.live.id != att.id {
		return nil, -1, false
	}
	idx := th.MessageIndex(att.msgID)
	if idx < 0 {
		return nil, -1, false
	}
	return th, idx, true
}

func (s *Session) notifyLocked(th *thread, msg models.Message) {
	if s.observer == nil {
		return
	}
	s.observer(Update{
		ThreadID: th.ID,
		Title:    th.Title,
		Message:  msg,
	})
}

func snapshot(th *thread) models.Thread {
	t := th.Thread
	t.Messages = slices.Clone(th.Messages)
	return t
}
