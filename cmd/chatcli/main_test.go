package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/MegaGrindStone/chat-relay/internal/session"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		sendThread, sendNew, sendAttachs = "", false, nil
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSendAndList(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"t\":\"Hel\"}\n\ndata: lo\n\ndata: [DONE]\n\n")
	}))
	defer relay.Close()

	store := filepath.Join(t.TempDir(), "cli.db")

	out, err := execute(t, "--relay", relay.URL, "--store", store, "send", "Hi", "there")
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	if strings.TrimSpace(out) != "Hello" {
		t.Errorf("send output = %q, want %q", out, "Hello")
	}

	out, err = execute(t, "--relay", relay.URL, "--store", store, "threads")
	if err != nil {
		t.Fatalf("threads error = %v", err)
	}
	if !strings.Contains(out, "Hi there") || !strings.Contains(out, "*") {
		t.Errorf("threads output = %q", out)
	}

	out, err = execute(t, "--relay", relay.URL, "--store", store, "show")
	if err != nil {
		t.Fatalf("show error = %v", err)
	}
	if !strings.Contains(out, "# Hi there") || !strings.Contains(out, "Hello") {
		t.Errorf("show output = %q", out)
	}
}

func TestSendFailure(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer relay.Close()

	_, err := execute(t, "--relay", relay.URL, "--store", filepath.Join(t.TempDir(), "cli.db"), "send", "Hi")
	if err == nil || !strings.HasPrefix(err.Error(), "⚠️") {
		t.Errorf("send error = %v, want a failure diagnostic", err)
	}
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	p := &printer{out: &out}

	msg := func(id, content string, state models.DeliveryState) session.Update {
		return session.Update{Message: models.Message{
			ID:      id,
			Role:    models.RoleAssistant,
			Content: content,
			State:   state,
		}}
	}

	p.observe(msg("a", "He", models.StateStreaming))
	p.follow("a")
	p.observe(msg("b", "other", models.StateStreaming))
	p.observe(msg("a", "Hello", models.StateStreaming))
	p.observe(msg("a", "Hello", models.StateComplete))

	if out.String() != "Hello" {
		t.Errorf("printed %q, want %q", out.String(), "Hello")
	}
}

func TestPrintThreads(t *testing.T) {
	var out bytes.Buffer
	created := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	printThreads(&out, []models.Thread{
		{ID: "1", Title: "First", CreatedAt: created},
		{ID: "2", Title: "Second", CreatedAt: created},
	}, "2")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[2], "*") || strings.HasPrefix(lines[1], "*") {
		t.Errorf("active marker misplaced: %q", lines)
	}
}
