package providers

import (
	"context"
	"errors"
)

// ErrUnsupportedAttachment is returned when a provider cannot carry the
// attachment's media type. Retrying with another credential will not help.
var ErrUnsupportedAttachment = errors.New("attachment type is not supported by the provider")

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is one prior turn of the conversation.
type Message struct {
	Role string
	Text string
}

// InlineData is an attachment sent alongside the prompt (image, audio, pdf).
type InlineData struct {
	MIMEType string
	Data     []byte
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	History      []Message
	Attachment   *InlineData
	MaxTokens    int
	// Temperature is nil to keep the provider default; zero is sent as is.
	Temperature  *float64
	TopP         float64
	TopK         int
}

type ChatResponse struct {
	Text string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// StreamProvider forwards partial text to onChunk as it arrives and returns
// the concatenated response.
type StreamProvider interface {
	Provider
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(string)) (ChatResponse, error)
}
