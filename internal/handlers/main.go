package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/MegaGrindStone/chat-relay/internal/session"
	"github.com/tmaxmax/go-sse"
)

// Chats is the conversation state the handlers operate on. It is implemented by *session.Session.
type Chats interface {
	NewThread() models.Thread
	Threads() []models.Thread
	Thread(id string) (models.Thread, error)
	Active() (models.Thread, bool)
	SetActive(id string) error
	DeleteThread(id string) error
	Send(threadID, text string, attachments []models.Attachment) (*session.Generation, error)
	Stop(threadID string) error
}

// Events publishes session updates to the browsers subscribed over server-sent events. Its Publish
// method is meant to be registered as the session observer.
type Events struct {
	sseSrv *sse.Server

	logger *slog.Logger
}

// Main handles the HTTP surface of the chat front end: thread management, sending and stopping
// messages, and the event stream carrying message updates.
type Main struct {
	chats  Chats
	events Events

	logger *slog.Logger
}

type messageEvent struct {
	ThreadID string         `json:"thread_id"`
	Message  models.Message `json:"message"`
}

type chat struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Active bool   `json:"active,omitempty"`
}

// SSE topics and event types for real-time updates.
const chatsSSETopic = "chats"

var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
)

const errLoggerKey = "err"

// NewEvents creates the SSE server. Every client subscribes to the default and chats topics; a client
// may also follow one thread with the thread_id query parameter, or one message with message_id.
func NewEvents(logger *slog.Logger) Events {
	return Events{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				if threadID := s.Req.URL.Query().Get("thread_id"); threadID != "" {
					topics = append(topics, threadIDTopic(threadID))
				}
				if messageID := s.Req.URL.Query().Get("message_id"); messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		logger: logger.With(slog.String("module", "events")),
	}
}

// NewMain creates a Main serving chats and streaming their updates through events.
func NewMain(chats Chats, events Events, logger *slog.Logger) Main {
	return Main{
		chats:  chats,
		events: events,
		logger: logger.With(slog.String("module", "main")),
	}
}

func threadIDTopic(threadID string) string {
	return fmt.Sprintf("thread-%s", threadID)
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// Publish sends the updated message to the subscribers of its thread and of the message itself, and
// the thread title to every client. It runs while the session is locked, so it only enqueues.
func (e Events) Publish(u session.Update) {
	data, err := json.Marshal(messageEvent{ThreadID: u.ThreadID, Message: u.Message})
	if err != nil {
		e.logger.Error("Failed to marshal message event", slog.String(errLoggerKey, err.Error()))
		return
	}
	msg := &sse.Message{Type: messagesSSEType}
	msg.AppendData(string(data))
	if err := e.sseSrv.Publish(msg, threadIDTopic(u.ThreadID), messageIDTopic(u.Message.ID)); err != nil {
		e.logger.Error("Failed to publish message",
			slog.String("messageID", u.Message.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	// Titles only change when a user message is added.
	if u.Message.Role == models.RoleUser {
		data, _ := json.Marshal(chat{ID: u.ThreadID, Title: u.Title})
		chats := &sse.Message{Type: chatsSSEType}
		chats.AppendData(string(data))
		if err := e.sseSrv.Publish(chats, chatsSSETopic); err != nil {
			e.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
		}
	}
}

// ServeHTTP subscribes the client to the event stream.
func (e Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected
// clients and waits up to 5 seconds for connections to terminate. After the timeout, any remaining
// connections are forcefully closed.
func (e Events) Shutdown(ctx context.Context) error {
	msg := &sse.Message{Type: sse.Type("closeChat")}
	// SSE requires data on every event.
	msg.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = e.sseSrv.Publish(msg)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return e.sseSrv.Shutdown(ctx)
}

// HandleSSE serves the event stream.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.events.ServeHTTP(w, r)
}

// Shutdown closes the event stream of every client.
func (m Main) Shutdown(ctx context.Context) error {
	return m.events.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
