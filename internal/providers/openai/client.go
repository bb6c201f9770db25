package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"unicode/utf8"

	goopenai "github.com/sashabaranov/go-openai"

	"chatdesk/internal/providers"
)

const DefaultModel = "gpt-4o-mini"

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// Client talks to any OpenAI-compatible chat completions endpoint.
type Client struct {
	client *goopenai.Client
	model  string
}

func New(cfg Config) *Client {
	oc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Client{client: goopenai.NewClientWithConfig(oc), model: cfg.Model}
}

var _ providers.StreamProvider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	creq, err := c.buildRequest(req, false)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResponse{}, fmt.Errorf("empty choices in chat completion response")
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return providers.ChatResponse{}, fmt.Errorf("missing message content in chat completion response")
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(string)) (providers.ChatResponse, error) {
	creq, err := c.buildRequest(req, true)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("open chat stream: %w", err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return providers.ChatResponse{}, fmt.Errorf("chat stream recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		b.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	if b.Len() == 0 {
		return providers.ChatResponse{}, fmt.Errorf("empty chat stream")
	}
	return providers.ChatResponse{Text: b.String()}, nil
}

func (c *Client) buildRequest(req providers.ChatRequest, stream bool) (goopenai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.History)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		role := goopenai.ChatMessageRoleUser
		if m.Role == providers.RoleModel {
			role = goopenai.ChatMessageRoleAssistant
		}
		messages = append(messages, goopenai.ChatCompletionMessage{Role: role, Content: m.Text})
	}

	user, err := userMessage(req)
	if err != nil {
		return goopenai.ChatCompletionRequest{}, err
	}
	messages = append(messages, user)

	out := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		// The request field is omitempty, so a literal zero would be dropped.
		out.Temperature = max(float32(*req.Temperature), math.SmallestNonzeroFloat32)
	}
	if req.TopP > 0 {
		out.TopP = float32(req.TopP)
	}
	return out, nil
}

// userMessage carries images as image_url parts and inlines text documents.
// Other media (audio, pdf, office files) cannot be sent over chat completions.
func userMessage(req providers.ChatRequest) (goopenai.ChatCompletionMessage, error) {
	msg := goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser}
	a := req.Attachment
	if a == nil || len(a.Data) == 0 {
		msg.Content = req.UserPrompt
		return msg, nil
	}

	mt := strings.ToLower(strings.TrimSpace(strings.Split(a.MIMEType, ";")[0]))
	switch {
	case strings.HasPrefix(mt, "image/"):
		msg.MultiContent = []goopenai.ChatMessagePart{
			{Type: goopenai.ChatMessagePartTypeText, Text: req.UserPrompt},
			{Type: goopenai.ChatMessagePartTypeImageURL, ImageURL: &goopenai.ChatMessageImageURL{
				URL: "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(a.Data),
			}},
		}
	case isTextual(mt) && utf8.Valid(a.Data):
		msg.MultiContent = []goopenai.ChatMessagePart{
			{Type: goopenai.ChatMessagePartTypeText, Text: req.UserPrompt},
			{Type: goopenai.ChatMessagePartTypeText, Text: fmt.Sprintf("Attached file (%s):\n%s", mt, a.Data)},
		}
	default:
		return goopenai.ChatCompletionMessage{}, fmt.Errorf("%w: %s", providers.ErrUnsupportedAttachment, a.MIMEType)
	}
	return msg, nil
}

func isTextual(mt string) bool {
	switch mt {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml":
		return true
	}
	return strings.HasPrefix(mt, "text/")
}
