package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"chatdesk/internal/providers"
	"chatdesk/internal/providers/gemini"
	"chatdesk/internal/providers/openai"
)

const (
	KindGemini = "gemini"
	KindOpenAI = "openai"
)

type BuildOptions struct {
	Kind       string
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func Build(ctx context.Context, opts BuildOptions) (providers.StreamProvider, error) {
	switch NormalizeKind(opts.Kind) {
	case KindGemini:
		c, err := gemini.New(ctx, gemini.Config{
			APIKey:     opts.APIKey,
			Model:      opts.Model,
			BaseURL:    opts.BaseURL,
			HTTPClient: opts.HTTPClient,
		})
		if err != nil {
			return nil, err
		}
		return c, nil

	case KindOpenAI:
		return openai.New(openai.Config{
			APIKey:     opts.APIKey,
			BaseURL:    opts.BaseURL,
			Model:      opts.Model,
			HTTPClient: opts.HTTPClient,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

func NormalizeKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "gemini", "google", "genai":
		return KindGemini
	case "openai", "openai_compat", "openai-compatible":
		return KindOpenAI
	default:
		return strings.ToLower(strings.TrimSpace(kind))
	}
}
