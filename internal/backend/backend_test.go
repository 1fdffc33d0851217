package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/chat-relay/internal/backend"
	"github.com/MegaGrindStone/chat-relay/internal/frame"
	"github.com/MegaGrindStone/chat-relay/internal/models"
)

type mockLLM struct {
	tokens []string
	err    error

	reply       string
	completeErr error

	got []models.ChatMessage
}

func (m *mockLLM) Chat(_ context.Context, messages []models.ChatMessage) iter.Seq2[string, error] {
	m.got = messages
	return func(yield func(string, error) bool) {
		for _, token := range m.tokens {
			if !yield(token, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

func (m *mockLLM) Complete(_ context.Context, messages []models.ChatMessage) (string, error) {
	m.got = messages
	return m.reply, m.completeErr
}

func newBackend(llm backend.LLM) backend.Backend {
	return backend.New(llm, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func frames(t *testing.T, body io.Reader) []frame.Frame {
	t.Helper()
	var out []frame.Frame
	for f, err := range frame.Read(context.Background(), body) {
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, f)
	}
	return out
}

func TestHandleStream(t *testing.T) {
	tests := []struct {
		name string
		llm  *mockLLM
		want []frame.Frame
	}{
		{
			name: "tokens",
			llm:  &mockLLM{tokens: []string{"Hel", "lo\n\nworld"}},
			want: []frame.Frame{
				{Kind: frame.KindText, Payload: "Hel"},
				{Kind: frame.KindText, Payload: "lo\n\nworld"},
				{Kind: frame.KindDone},
			},
		},
		{
			name: "provider error",
			llm:  &mockLLM{tokens: []string{"Hel"}, err: errors.New("rate\nlimited")},
			want: []frame.Frame{
				{Kind: frame.KindText, Payload: "Hel"},
				{Kind: frame.KindError, Payload: "rate limited"},
				{Kind: frame.KindDone},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(newBackend(tt.llm).HandleStream))
			defer srv.Close()

			resp, err := http.Post(srv.URL, "application/json",
				strings.NewReader(`{"messages":[{"role":"user","content":"Hi"}]}`))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
				t.Errorf("Content-Type = %q", ct)
			}

			got := frames(t, resp.Body)
			if len(got) != len(tt.want) {
				t.Fatalf("frames = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("frames[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestHandleStreamBadRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{name: "Invalid method", method: http.MethodGet, want: http.StatusMethodNotAllowed},
		{name: "Empty body", method: http.MethodPost, want: http.StatusBadRequest},
		{name: "No messages", method: http.MethodPost, body: `{"messages":[]}`, want: http.StatusBadRequest},
		{name: "Malformed", method: http.MethodPost, body: `{"messages":`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/chat/stream", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			newBackend(&mockLLM{}).HandleStream(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandleComplete(t *testing.T) {
	tests := []struct {
		name       string
		llm        *mockLLM
		wantStatus int
		wantReply  string
		wantError  string
	}{
		{
			name:       "reply",
			llm:        &mockLLM{reply: "hello world"},
			wantStatus: http.StatusOK,
			wantReply:  "hello world",
		},
		{
			name:       "provider error",
			llm:        &mockLLM{completeErr: errors.New("overloaded")},
			wantStatus: http.StatusBadGateway,
			wantError:  "overloaded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/chat",
				strings.NewReader(`{"messages":[{"role":"user","content":"Hi"}]}`))
			w := httptest.NewRecorder()

			newBackend(tt.llm).HandleComplete(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var res struct {
				models.ChatResponse
				models.ErrorResponse
			}
			if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
				t.Fatal(err)
			}
			if res.Reply != tt.wantReply || res.Error != tt.wantError {
				t.Errorf("response = %+v", res)
			}
		})
	}
}

func TestAttachmentsNoted(t *testing.T) {
	llm := &mockLLM{reply: "ok"}
	body := `{"messages":[{"role":"user","content":"see file"}],` +
		`"attachments":[{"name":"a.txt","type":"text/plain","size":3}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))

	newBackend(llm).HandleComplete(httptest.NewRecorder(), req)

	if len(llm.got) != 1 {
		t.Fatalf("messages = %+v", llm.got)
	}
	want := "see file\n[attachment: a.txt (text/plain, 3 bytes)]"
	if llm.got[0].Content != want {
		t.Errorf("content = %q, want %q", llm.got[0].Content, want)
	}
}

func TestHandleHealth(t *testing.T) {
	w := httptest.NewRecorder()
	newBackend(&mockLLM{}).HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}
