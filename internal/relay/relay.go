// Package relay implements the stateless gateway hop between a chat client and the generation backend.
// It forwards requests unchanged and passes stream bytes through as they arrive. Failures after the
// stream has been committed are reported in-band as an error frame followed by the terminal frame.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/frame"
	"github.com/MegaGrindStone/chat-relay/internal/models"
)

// Backend endpoints, relative to the backend base URL.
const (
	StreamPath   = "/api/chat/stream"
	CompletePath = "/api/chat"
)

const (
	maxRequestBody  = 32 << 20
	maxErrorBody    = 64 << 10
	copyBufferSize  = 8192
	streamMediaType = frame.ContentType + "; charset=utf-8"

	errLoggerKey = "err"
)

// Relay forwards chat requests to a generation backend.
type Relay struct {
	backendURL string
	client     *http.Client

	logger *slog.Logger
}

// New creates a Relay for the backend at backendURL. A positive firstByteTimeout bounds the wait for
// the backend's response headers; streams themselves have no overall deadline.
func New(backendURL string, firstByteTimeout time.Duration, logger *slog.Logger) Relay {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if firstByteTimeout > 0 {
		transport.ResponseHeaderTimeout = firstByteTimeout
	}
	return Relay{
		backendURL: strings.TrimSuffix(backendURL, "/"),
		client:     &http.Client{Transport: transport},
		logger:     logger.With(slog.String("module", "relay")),
	}
}

// HandleStream relays a streaming chat request. Backend status failures are passed through with the
// backend's status code before any stream byte is written. Once the stream response has been
// committed, any failure produces an error frame pair instead.
func (rl Relay) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !acceptsStream(r) {
		http.Error(w, "Client must accept "+frame.ContentType, http.StatusNotAcceptable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		rl.logger.Error("Failed to read request body", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := rl.newRequest(r, StreamPath, body)
	if err != nil {
		rl.logger.Error("Failed to create backend request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header.Set("Accept", frame.ContentType)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	resp, err := rl.client.Do(req)
	if err != nil {
		if r.Context().Err() != nil {
			rl.logger.Debug("Client gone before backend answered")
			return
		}
		rl.logger.Warn("Backend unreachable", slog.String(errLoggerKey, err.Error()))
		rl.writeStreamHeaders(w)
		_ = frame.WriteError(w, upstreamLabel(err))
		flush(w)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rl.passStatus(w, resp)
		return
	}

	rl.writeStreamHeaders(w)
	rl.copyStream(r.Context(), w, resp.Body)
}

// HandleComplete relays a non-streaming chat request. The backend's status, content type and body are
// passed through; a transport failure is answered with 502.
func (rl Relay) HandleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		rl.logger.Error("Failed to read request body", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := rl.newRequest(r, CompletePath, body)
	if err != nil {
		rl.proxyFailed(w, err)
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := rl.client.Do(req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		rl.proxyFailed(w, err)
		return
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		rl.proxyFailed(w, err)
		return
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(reply)
}

func (rl Relay) newRequest(r *http.Request, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, rl.backendURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	req.Header.Set("Content-Type", ct)
	return req, nil
}

// copyStream copies the backend body to the client, flushing after every read. It keeps the tail of
// what was written so a failure can be reported on a frame boundary.
func (rl Relay) copyStream(ctx context.Context, w http.ResponseWriter, body io.Reader) {
	buf := make([]byte, copyBufferSize)
	var tail []byte
	written := 0

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				rl.logger.Debug("Client gone while streaming", slog.String(errLoggerKey, werr.Error()))
				return
			}
			flush(w)
			written += n
			tail = appendTail(tail, buf[:n])
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			rl.logger.Debug("Client gone while streaming", slog.Int("bytes", written))
			return
		}

		var label string
		switch {
		case errors.Is(err, io.EOF) && written > 0:
			return
		case errors.Is(err, io.EOF):
			label = "empty response from backend"
		default:
			label = "stream interrupted: " + err.Error()
		}

		rl.logger.Warn("Backend stream failed",
			slog.String("reason", label),
			slog.Int("bytes", written))
		if !frame.Aligned(tail) {
			_, _ = w.Write(frame.Delimiter())
		}
		_ = frame.WriteError(w, label)
		flush(w)
		return
	}
}

func (rl Relay) writeStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", streamMediaType)
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flush(w)
}

func (rl Relay) passStatus(w http.ResponseWriter, resp *http.Response) {
	text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(text) == 0 {
		text = []byte(fmt.Sprintf("upstream error: %d", resp.StatusCode))
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/plain"
	}

	rl.logger.Warn("Backend rejected stream", slog.Int("status", resp.StatusCode))

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(text)
}

func (rl Relay) proxyFailed(w http.ResponseWriter, err error) {
	rl.logger.Error("Chat proxy failed", slog.String(errLoggerKey, err.Error()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{
		Detail: "chat proxy failed: " + err.Error(),
	})
}

func acceptsStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(v, frame.ContentType) {
			return true
		}
	}
	return false
}

// upstreamLabel describes a transport failure without the request URL noise of *url.Error.
func upstreamLabel(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "backend did not respond in time"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "backend unreachable: " + opErr.Err.Error()
	}
	return "backend unreachable: " + err.Error()
}

// appendTail keeps the last delimiter-length bytes written.
func appendTail(tail, p []byte) []byte {
	keep := len(frame.Delimiter())
	tail = append(tail, p...)
	if len(tail) > keep {
		tail = append(tail[:0], tail[len(tail)-keep:]...)
	}
	return tail
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
