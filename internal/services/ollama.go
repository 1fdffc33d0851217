package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides a generation backend for Ollama's language models. It manages connections to an
// Ollama server instance and handles both streaming and one-shot chat completions.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client
}

const defaultOllamaHost = "http://127.0.0.1:11434"

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server; an empty host uses the local default.
func NewOllama(host, model, systemPrompt string) (Ollama, error) {
	if host == "" {
		host = defaultOllamaHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

func (o Ollama) messages(messages []models.ChatMessage) []api.Message {
	msgs := make([]api.Message, 0, len(messages)+1)
	if o.systemPrompt != "" {
		msgs = append(msgs, api.Message{
			Role:    "system",
			Content: o.systemPrompt,
		})
	}
	for _, msg := range messages {
		msgs = append(msgs, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return msgs
}

// Chat streams the model's reply. Breaking out of the returned iterator cancels the request.
func (o Ollama) Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: o.messages(messages),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}

// Complete returns the model's whole reply in one call.
func (o Ollama) Complete(ctx context.Context, messages []models.ChatMessage) (string, error) {
	f := false
	req := api.ChatRequest{
		Model:    o.model,
		Messages: o.messages(messages),
		Stream:   &f,
	}

	var sb strings.Builder
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		sb.WriteString(res.Message.Content)
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return sb.String(), nil
}
