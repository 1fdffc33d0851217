// Package backend is a generation backend serving the chat wire protocol on top of an LLM provider.
// The streaming route emits one frame per token, each a JSON object under the "token" field, and ends
// with the terminal frame. Provider failures are reported in-band as an error frame.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-relay/internal/frame"
	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a large language model that can stream a reply token by token, or return it whole.
type LLM interface {
	Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[string, error]
	Complete(ctx context.Context, messages []models.ChatMessage) (string, error)
}

// Backend serves chat requests from an LLM.
type Backend struct {
	llm LLM

	logger *slog.Logger
}

type tokenPayload struct {
	Token string `json:"token"`
}

const (
	maxRequestBody = 32 << 20

	errLoggerKey = "err"
)

var errNoMessages = errors.New("messages are required")

// New creates a Backend generating replies with llm.
func New(llm LLM, logger *slog.Logger) Backend {
	return Backend{
		llm:    llm,
		logger: logger.With(slog.String("module", "backend")),
	}
}

// HandleStream streams the reply for a chat request as frames.
func (b Backend) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	messages, err := decodeRequest(w, r)
	if err != nil {
		b.logger.Error("Invalid chat request", slog.String(errLoggerKey, err.Error()))
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	w.Header().Set("X-Accel-Buffering", "no")
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		b.logger.Error("Failed to upgrade stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	tokens := 0
	for token, err := range b.llm.Chat(r.Context(), messages) {
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			b.logger.Error("Error from llm provider",
				slog.Int("tokens", tokens),
				slog.String(errLoggerKey, err.Error()))
			// The error text must stay on a single data line.
			_ = b.send(sess, frame.ErrorPrefix+" "+strings.Join(strings.Fields(err.Error()), " "))
			break
		}

		payload, err := json.Marshal(tokenPayload{Token: token})
		if err != nil {
			b.logger.Error("Failed to marshal token", slog.String(errLoggerKey, err.Error()))
			continue
		}
		if err := b.send(sess, string(payload)); err != nil {
			b.logger.Debug("Client gone while streaming", slog.String(errLoggerKey, err.Error()))
			return
		}
		tokens++
	}

	if r.Context().Err() != nil {
		return
	}
	_ = b.send(sess, frame.Sentinel)
	b.logger.Debug("Stream finished", slog.Int("tokens", tokens))
}

// HandleComplete answers a chat request with the whole reply as {"reply": ...}. Provider failures are
// answered with 502 and {"error": ...}.
func (b Backend) HandleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	messages, err := decodeRequest(w, r)
	if err != nil {
		b.logger.Error("Invalid chat request", slog.String(errLoggerKey, err.Error()))
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	reply, err := b.llm.Complete(r.Context(), messages)
	if err != nil {
		b.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
		writeJSON(w, http.StatusBadGateway, models.ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, models.ChatResponse{Reply: reply})
}

// HandleHealth reports that the backend is serving.
func (b Backend) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// send writes a data frame and flushes it.
func (b Backend) send(sess *sse.Session, payload string) error {
	msg := &sse.Message{}
	msg.AppendData(payload)
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("error sending frame: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("error flushing frame: %w", err)
	}
	return nil
}

func decodeRequest(w http.ResponseWriter, r *http.Request) ([]models.ChatMessage, error) {
	var req models.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errNoMessages
		}
		return nil, fmt.Errorf("error decoding request: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, errNoMessages
	}
	return withAttachments(req.Messages, req.Attachments), nil
}

// withAttachments notes the attached files on the last user message. Providers are only given text.
func withAttachments(messages []models.ChatMessage, attachments []models.Attachment) []models.ChatMessage {
	if len(attachments) == 0 {
		return messages
	}
	last := -1
	for i, msg := range messages {
		if msg.Role == models.RoleUser {
			last = i
		}
	}
	if last < 0 {
		return messages
	}

	var sb strings.Builder
	sb.WriteString(messages[last].Content)
	for _, a := range attachments {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[attachment: %s (%s, %d bytes)]", a.Name, a.Type, a.Size)
	}

	out := make([]models.ChatMessage, len(messages))
	copy(out, messages)
	out[last].Content = sb.String()
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
