package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"chatdesk/internal/providers"
)

const DefaultModel = "gemini-2.0-flash"

type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{client: client, model: cfg.Model}, nil
}

var _ providers.StreamProvider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.modelFor(req), buildContents(req), buildConfig(req))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return providers.ChatResponse{}, fmt.Errorf("empty gemini response")
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(string)) (providers.ChatResponse, error) {
	var b strings.Builder
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.modelFor(req), buildContents(req), buildConfig(req)) {
		if err != nil {
			return providers.ChatResponse{}, fmt.Errorf("stream content: %w", err)
		}
		chunk := resp.Text()
		if chunk == "" {
			continue
		}
		b.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	if b.Len() == 0 {
		return providers.ChatResponse{}, fmt.Errorf("empty gemini stream")
	}
	return providers.ChatResponse{Text: b.String()}, nil
}

func (c *Client) modelFor(req providers.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

func buildContents(req providers.ChatRequest) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Text, roleFor(m.Role)))
	}

	parts := []*genai.Part{genai.NewPartFromText(req.UserPrompt)}
	if req.Attachment != nil && len(req.Attachment.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Attachment.Data, req.Attachment.MIMEType))
	}
	return append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
}

func buildConfig(req providers.ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(req.TopP))
	}
	if req.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(req.TopK))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

func roleFor(role string) genai.Role {
	if role == providers.RoleModel || role == "assistant" {
		return genai.RoleModel
	}
	return genai.RoleUser
}
