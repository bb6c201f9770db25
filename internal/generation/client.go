// Package generation is the model-facing client used by every feature that
// needs text from the LLM. It owns an ordered pool of credentials and moves
// to the next one whenever a call fails, giving up after one full pass.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"chatdesk/internal/metrics"
	"chatdesk/internal/providers"
)

var (
	ErrNoCredentials        = errors.New("no generation credentials configured")
	ErrAllCredentialsFailed = errors.New("all generation credentials failed")
)

// Factory builds a provider bound to one API key.
type Factory func(ctx context.Context, apiKey string) (providers.StreamProvider, error)

type Config struct {
	Keys    []string
	Model   string
	Factory Factory
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Request struct {
	Prompt            string
	SystemInstruction string
	History           []providers.Message
	Attachment        *providers.InlineData
	Params            Params
	// PersonalKey, when set, is tried before the shared pool.
	PersonalKey string
}

type Response struct {
	Text string
	// FellBack is set when a streaming call failed and the text came from
	// the non-streaming path instead.
	FellBack bool
}

type Client struct {
	keys    []string
	model   string
	factory Factory
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	next  int
	built map[string]providers.StreamProvider
}

func New(cfg Config) *Client {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	keys := make([]string, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return &Client{
		keys:    keys,
		model:   cfg.Model,
		factory: cfg.Factory,
		logger:  cfg.Logger.With().Str("component", "generation").Logger(),
		metrics: m,
		built:   map[string]providers.StreamProvider{},
	}
}

type candidate struct {
	key  string
	pool int // index into the pool, -1 for a personal key
}

// Generate sends the request, rotating credentials on failure.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	candidates := c.candidates(req.PersonalKey)
	if len(candidates) == 0 {
		return Response{}, ErrNoCredentials
	}

	var lastErr error
	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		text, err := c.callOnce(ctx, cand, req)
		if err == nil {
			c.metrics.Generations.Inc()
			return Response{Text: text}, nil
		}
		lastErr = err
		if errors.Is(err, providers.ErrUnsupportedAttachment) {
			c.metrics.GenerationFailures.Inc()
			return Response{}, err
		}
		c.logger.Warn().Err(err).Int("attempt", i+1).Int("pool_index", cand.pool).Msg("generation failed, rotating credential")
		if cand.pool >= 0 {
			c.advance(cand.pool)
		}
		if i < len(candidates)-1 {
			c.metrics.CredentialRotations.Inc()
		}
	}

	c.metrics.GenerationFailures.Inc()
	return Response{}, fmt.Errorf("%w: %w", ErrAllCredentialsFailed, lastErr)
}

// GenerateStream forwards chunks from the current credential. Any stream
// failure falls back to Generate, which rotates as usual.
func (c *Client) GenerateStream(ctx context.Context, req Request, onChunk func(string)) (Response, error) {
	candidates := c.candidates(req.PersonalKey)
	if len(candidates) == 0 {
		return Response{}, ErrNoCredentials
	}

	p, err := c.provider(ctx, candidates[0])
	if err == nil {
		resp, err := p.ChatStream(ctx, c.chatRequest(req), onChunk)
		if err == nil {
			c.metrics.Generations.Inc()
			return Response{Text: resp.Text}, nil
		}
		if errors.Is(err, providers.ErrUnsupportedAttachment) {
			c.metrics.GenerationFailures.Inc()
			return Response{}, err
		}
		c.logger.Warn().Err(err).Msg("stream failed, falling back to non-streaming generation")
	} else {
		c.logger.Warn().Err(err).Msg("build provider for stream failed, falling back")
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	resp, err := c.Generate(ctx, req)
	if err != nil {
		return Response{}, err
	}
	resp.FellBack = true
	return resp, nil
}

// Size reports how many pooled credentials are configured.
func (c *Client) Size() int {
	return len(c.keys)
}

func (c *Client) candidates(personal string) []candidate {
	c.mu.Lock()
	start := c.next
	c.mu.Unlock()

	out := make([]candidate, 0, len(c.keys)+1)
	if personal = strings.TrimSpace(personal); personal != "" {
		out = append(out, candidate{key: personal, pool: -1})
	}
	for i := range c.keys {
		idx := (start + i) % len(c.keys)
		out = append(out, candidate{key: c.keys[idx], pool: idx})
	}
	return out
}

// advance moves the shared index past failed unless another call already
// moved it.
func (c *Client) advance(failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == failed {
		c.next = (failed + 1) % len(c.keys)
	}
}

func (c *Client) callOnce(ctx context.Context, cand candidate, req Request) (string, error) {
	p, err := c.provider(ctx, cand)
	if err != nil {
		return "", err
	}
	resp, err := p.Chat(ctx, c.chatRequest(req))
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// provider returns the client for a credential. Pooled keys are built once;
// personal keys are built per call so a replaced or deleted key is not kept.
func (c *Client) provider(ctx context.Context, cand candidate) (providers.StreamProvider, error) {
	if c.factory == nil {
		return nil, fmt.Errorf("generation provider factory is nil")
	}
	if cand.pool < 0 {
		p, err := c.factory(ctx, cand.key)
		if err != nil {
			return nil, fmt.Errorf("build provider: %w", err)
		}
		return p, nil
	}

	c.mu.Lock()
	p, ok := c.built[cand.key]
	c.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := c.factory(ctx, cand.key)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}
	c.mu.Lock()
	c.built[cand.key] = p
	c.mu.Unlock()
	return p, nil
}

// chatRequest maps a Request onto the provider shape. A zero Params value
// means DefaultParams; otherwise every field, including a zero temperature,
// is sent as given.
func (c *Client) chatRequest(req Request) providers.ChatRequest {
	p := req.Params
	if p == (Params{}) {
		p = DefaultParams
	}
	temperature := p.Temperature
	return providers.ChatRequest{
		Model:        c.model,
		SystemPrompt: req.SystemInstruction,
		UserPrompt:   req.Prompt,
		History:      req.History,
		Attachment:   req.Attachment,
		MaxTokens:    p.MaxOutputTokens,
		Temperature:  &temperature,
		TopP:         p.TopP,
		TopK:         p.TopK,
	}
}
