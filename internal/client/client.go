// Package client is the HTTP transport a session uses to reach the relay.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-relay/internal/frame"
	"github.com/MegaGrindStone/chat-relay/internal/models"
)

// Relay endpoints, relative to the relay base URL.
const (
	StreamPath   = "/api/chat/stream"
	CompletePath = "/api/chat"
)

const maxErrorBody = 64 << 10

// StatusError is returned when the relay answered with a non-success status.
type StatusError struct {
	Code int
	Body string
}

// Client talks to a relay over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a Client for the relay at baseURL. A nil httpClient uses a client without a global
// timeout, since streams may legitimately last minutes; cancellation goes through the request context.
func New(baseURL string, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpClient,
	}
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay returned status %d", e.Code)
	}
	return fmt.Sprintf("relay returned status %d: %s", e.Code, e.Body)
}

// Stream issues the streaming call and returns the framed body. The caller must close it; closing it or
// cancelling ctx aborts the connection, which the relay observes as a client disconnect.
func (c Client) Stream(ctx context.Context, req models.GenerationRequest) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, StreamPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", frame.ContentType)
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// Complete issues the non-streaming call and returns the reply. A success body that is not JSON is
// taken as the reply itself.
func (c Client) Complete(ctx context.Context, req models.GenerationRequest) (string, error) {
	httpReq, err := c.newRequest(ctx, CompletePath, req)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response: %w", err)
	}

	var res struct {
		models.ChatResponse
		models.ErrorResponse
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return string(body), nil
	}
	if res.Reply == "" {
		if msg := res.ErrorResponse.Message(); msg != "" {
			return "", errors.New(msg)
		}
	}
	return res.Reply, nil
}

func (c Client) newRequest(ctx context.Context, path string, req models.GenerationRequest) (*http.Request, error) {
	body, err := json.Marshal(models.NewChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// statusError builds a StatusError from a failed response, preferring the message of a JSON error body.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))

	var e models.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Message() != "" {
		msg = e.Message()
	}
	return &StatusError{Code: resp.StatusCode, Body: msg}
}
