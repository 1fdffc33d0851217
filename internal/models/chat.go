package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Thread represents a conversation container in the chat system. It owns an ordered sequence of
// messages and a mutable title derived from the first user message.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Message represents an individual communication entry within a thread. Assistant messages carry a
// delivery state that tracks the generation attempt producing their content.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	State     DeliveryState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

// Attachment is a file sent alongside a user message. Data is optional; backends that only need
// metadata receive the name, type and size.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Data string `json:"data,omitempty"`
}

// GenerationRequest is the immutable input of one generation attempt. Messages is the thread history
// at the time of sending, without failed placeholders, ending with the new user message.
type GenerationRequest struct {
	ThreadID    string
	Messages    []Message
	Attachments []Attachment
}

// Role represents the role of a message participant.
type Role string

// DeliveryState represents how far the content of a message has been delivered.
type DeliveryState string

const (
	// RoleUser represents a user message. User messages are always complete.
	RoleUser Role = "user"
	// RoleAssistant represents a generated message.
	RoleAssistant Role = "assistant"

	// StatePending is the state of an assistant placeholder before any fragment arrived.
	StatePending DeliveryState = "pending"
	// StateStreaming is the state of an assistant message that received at least one fragment.
	StateStreaming DeliveryState = "streaming"
	// StateComplete is the terminal state of a delivered or user-stopped message.
	StateComplete DeliveryState = "complete"
	// StateFailed is the terminal state of a message whose generation could not be delivered. Its
	// content holds a human-readable diagnostic.
	StateFailed DeliveryState = "failed"
)

// DefaultThreadTitle is the title of a thread before its first user message.
const DefaultThreadTitle = "New chat"

const maxTitleLength = 42

// InFlight reports whether the message is still waiting for, or receiving, generated content.
func (m Message) InFlight() bool {
	return m.State == StatePending || m.State == StateStreaming
}

// InFlight returns the index of the thread's in-flight message, or -1 if there is none.
func (t Thread) InFlight() int {
	for i := range t.Messages {
		if t.Messages[i].InFlight() {
			return i
		}
	}
	return -1
}

// MessageIndex returns the index of the message with the given ID, or -1.
func (t Thread) MessageIndex(id string) int {
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// TitleFromText derives a thread title from a user message: runs of whitespace are collapsed and
// long titles are truncated with an ellipsis.
func TitleFromText(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if title == "" {
		return DefaultThreadTitle
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return string([]rune(title)[:maxTitleLength]) + "…"
	}
	return title
}
