package models

// ChatMessage is the wire form of a message in a chat request.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body accepted by both the streaming and the non-streaming chat endpoints.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}

// ChatResponse is the body returned by the non-streaming chat endpoint.
type ChatResponse struct {
	Reply string `json:"reply"`
}

// ErrorResponse is the body of a failed chat call. Backends fill either field.
type ErrorResponse struct {
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Message returns whichever of the error fields is set.
func (e ErrorResponse) Message() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Detail
}

// NewChatRequest converts a generation request into its wire form.
func NewChatRequest(req GenerationRequest) ChatRequest {
	msgs := make([]ChatMessage, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = ChatMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return ChatRequest{
		Messages:    msgs,
		Attachments: req.Attachments,
	}
}
