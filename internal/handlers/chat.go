package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/MegaGrindStone/chat-relay/internal/session"
)

type sendResponse struct {
	Thread    models.Thread `json:"thread"`
	MessageID string        `json:"message_id"`
}

const maxUploadSize = 32 << 20

// HandleChats processes chat interactions through HTTP POST requests, managing both new chat creation
// and message sending. It accepts the user message through the "message" form field and an optional
// "chat_id"; without a chat_id a new chat is created. Files sent as multipart "attachments" are passed
// along with the message.
//
// The reply is generated asynchronously and streamed to subscribers of the SSE endpoint. The response
// carries the thread as it is right after sending, and the ID of the assistant message being
// generated.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	attachments, err := formAttachments(r)
	if err != nil {
		m.logger.Error("Failed to read attachments", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" && len(attachments) == 0 {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		chatID = m.chats.NewThread().ID
	}

	gen, err := m.chats.Send(chatID, msg, attachments)
	if err != nil {
		m.logger.Error("Failed to send message",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), sendErrorStatus(err))
		return
	}

	th, err := m.chats.Thread(chatID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Thread:    th,
		MessageID: gen.MessageID,
	})
}

// HandleStop stops the generation of the chat given by the "chat_id" form field. Stopping a chat with
// nothing in flight succeeds.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	if err := m.chats.Stop(chatID); err != nil {
		m.logger.Error("Failed to stop chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), sendErrorStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleThreads lists the chats, or returns a single chat with its messages when the "chat_id" query
// parameter is set. Viewing a chat makes it the active one.
func (m Main) HandleThreads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodDelete:
		m.deleteThread(w, r)
		return
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		writeJSON(w, http.StatusOK, m.chatList())
		return
	}

	if err := m.chats.SetActive(chatID); err != nil {
		http.Error(w, err.Error(), sendErrorStatus(err))
		return
	}
	th, err := m.chats.Thread(chatID)
	if err != nil {
		http.Error(w, err.Error(), sendErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (m Main) deleteThread(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	if err := m.chats.DeleteThread(chatID); err != nil {
		m.logger.Error("Failed to delete chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), sendErrorStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) chatList() []chat {
	active, _ := m.chats.Active()
	threads := m.chats.Threads()

	res := make([]chat, len(threads))
	for i, th := range threads {
		res[i] = chat{
			ID:     th.ID,
			Title:  th.Title,
			Active: th.ID == active.ID,
		}
	}
	return res
}

func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrGenerationInFlight):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// formAttachments reads the files of a multipart form. Other encodings carry no attachments.
func formAttachments(r *http.Request) ([]models.Attachment, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return nil, nil
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, fmt.Errorf("error parsing form: %w", err)
	}

	var res []models.Attachment
	for _, fh := range r.MultipartForm.File["attachments"] {
		a, err := readAttachment(fh)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func readAttachment(fh *multipart.FileHeader) (models.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return models.Attachment{}, fmt.Errorf("error opening %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("error reading %s: %w", fh.Filename, err)
	}

	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return models.Attachment{
		Name: fh.Filename,
		Type: ct,
		Size: fh.Size,
		Data: base64.StdEncoding.EncodeToString(data),
	}, nil
}
