package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatdesk/internal/metrics"
	"chatdesk/internal/providers"
)

type fakeProvider struct {
	key      string
	fail     bool
	failStrm bool
	noAttach bool
	calls    *[]string
	mu       *sync.Mutex
	lastReq  *providers.ChatRequest
}

func (f fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	f.mu.Lock()
	*f.calls = append(*f.calls, f.key)
	*f.lastReq = req
	f.mu.Unlock()
	if f.noAttach && req.Attachment != nil {
		return providers.ChatResponse{}, fmt.Errorf("%w: audio/webm", providers.ErrUnsupportedAttachment)
	}
	if f.fail {
		return providers.ChatResponse{}, errors.New("quota exceeded for " + f.key)
	}
	return providers.ChatResponse{Text: "answer from " + f.key}, nil
}

func (f fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(string)) (providers.ChatResponse, error) {
	if f.noAttach && req.Attachment != nil {
		return providers.ChatResponse{}, fmt.Errorf("%w: audio/webm", providers.ErrUnsupportedAttachment)
	}
	if f.failStrm {
		return providers.ChatResponse{}, errors.New("stream broken")
	}
	onChunk("answer ")
	onChunk("streamed")
	return providers.ChatResponse{Text: "answer streamed"}, nil
}

type harness struct {
	mu      sync.Mutex
	calls   []string
	lastReq providers.ChatRequest
	failing map[string]bool
	noStrm  map[string]bool
	noAtt   bool
	builds  map[string]int
}

func (h *harness) factory(_ context.Context, key string) (providers.StreamProvider, error) {
	h.mu.Lock()
	if h.builds == nil {
		h.builds = map[string]int{}
	}
	h.builds[key]++
	h.mu.Unlock()
	return fakeProvider{
		key:      key,
		fail:     h.failing[key],
		failStrm: h.noStrm[key],
		noAttach: h.noAtt,
		calls:    &h.calls,
		mu:       &h.mu,
		lastReq:  &h.lastReq,
	}, nil
}

func newClient(h *harness, keys ...string) *Client {
	return New(Config{Keys: keys, Factory: h.factory, Logger: zerolog.Nop(), Metrics: metrics.New(), Model: "m"})
}

func TestGenerateUsesFirstWorkingKey(t *testing.T) {
	h := &harness{failing: map[string]bool{}}
	c := newClient(h, "k1", "k2")

	resp, err := c.Generate(context.Background(), Request{Prompt: "hi", SystemInstruction: "sys", Params: Params{MaxOutputTokens: 10}})
	require.NoError(t, err)
	assert.Equal(t, "answer from k1", resp.Text)
	assert.Equal(t, []string{"k1"}, h.calls)
	assert.Equal(t, "sys", h.lastReq.SystemPrompt)
	assert.Equal(t, 10, h.lastReq.MaxTokens)
	assert.Equal(t, "m", h.lastReq.Model)
}

func TestGenerateRotatesAndRemembersIndex(t *testing.T) {
	h := &harness{failing: map[string]bool{"k1": true}}
	c := newClient(h, "k1", "k2", "k3")

	resp, err := c.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "answer from k2", resp.Text)

	_, err = c.Generate(context.Background(), Request{Prompt: "again"})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2", "k2"}, h.calls)
}

func TestGenerateStopsAfterOnePass(t *testing.T) {
	h := &harness{failing: map[string]bool{"k1": true, "k2": true}}
	c := newClient(h, "k1", "k2")

	_, err := c.Generate(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllCredentialsFailed)
	assert.Contains(t, err.Error(), "quota exceeded for k2")
	assert.Equal(t, []string{"k1", "k2"}, h.calls)
}

func TestGeneratePersonalKeyFirst(t *testing.T) {
	h := &harness{failing: map[string]bool{"mine": true}}
	c := newClient(h, "k1")

	resp, err := c.Generate(context.Background(), Request{Prompt: "hi", PersonalKey: "mine"})
	require.NoError(t, err)
	assert.Equal(t, "answer from k1", resp.Text)
	assert.Equal(t, []string{"mine", "k1"}, h.calls)
}

func TestGenerateWithoutKeys(t *testing.T) {
	c := newClient(&harness{}, " ", "")
	_, err := c.Generate(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Zero(t, c.Size())
}

func TestGenerateStreamForwardsChunks(t *testing.T) {
	h := &harness{failing: map[string]bool{}, noStrm: map[string]bool{}}
	c := newClient(h, "k1")

	var chunks []string
	resp, err := c.GenerateStream(context.Background(), Request{Prompt: "hi"}, func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)
	assert.Equal(t, "answer streamed", resp.Text)
	assert.False(t, resp.FellBack)
	assert.Equal(t, []string{"answer ", "streamed"}, chunks)
}

func TestGenerateStreamFallsBack(t *testing.T) {
	h := &harness{failing: map[string]bool{}, noStrm: map[string]bool{"k1": true}}
	c := newClient(h, "k1")

	resp, err := c.GenerateStream(context.Background(), Request{Prompt: "hi"}, func(string) {})
	require.NoError(t, err)
	assert.True(t, resp.FellBack)
	assert.Equal(t, "answer from k1", resp.Text)
}

func TestParamsFor(t *testing.T) {
	p := ParamsFor("short", "detailed", 0.2)
	assert.Equal(t, 1024, p.MaxOutputTokens)
	assert.Equal(t, 64, p.TopK)
	assert.InDelta(t, 0.2, p.Temperature, 1e-9)

	p = ParamsFor("unknown", "", 80)
	assert.Equal(t, DefaultParams.MaxOutputTokens, p.MaxOutputTokens)
	assert.InDelta(t, 0.8, p.Temperature, 1e-9)

	assert.Equal(t, DefaultParams, ParamsFor("", "", 0))
}

func TestPersonalKeyProviderIsNotCached(t *testing.T) {
	h := &harness{failing: map[string]bool{}}
	c := newClient(h, "k1")

	for i := 0; i < 2; i++ {
		_, err := c.Generate(context.Background(), Request{Prompt: "hi", PersonalKey: "mine"})
		require.NoError(t, err)
		_, err = c.Generate(context.Background(), Request{Prompt: "hi"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.builds["mine"], "personal key provider is built per call")
	assert.Equal(t, 1, h.builds["k1"], "pooled provider is reused")
	assert.NotContains(t, c.built, "mine")
}

func TestUnsupportedAttachmentStopsRotation(t *testing.T) {
	h := &harness{failing: map[string]bool{}, noAtt: true}
	c := newClient(h, "k1", "k2")

	req := Request{Prompt: "Transcribe this recording.", Attachment: &providers.InlineData{MIMEType: "audio/webm", Data: []byte{1}}}
	_, err := c.Generate(context.Background(), req)
	require.ErrorIs(t, err, providers.ErrUnsupportedAttachment)
	assert.NotErrorIs(t, err, ErrAllCredentialsFailed)
	assert.Equal(t, []string{"k1"}, h.calls)

	_, err = c.GenerateStream(context.Background(), req, func(string) {})
	require.ErrorIs(t, err, providers.ErrUnsupportedAttachment)
	assert.Equal(t, []string{"k1"}, h.calls, "no fallback for an unsupported attachment")
}

func TestExplicitZeroTemperatureIsSent(t *testing.T) {
	h := &harness{failing: map[string]bool{}}
	c := newClient(h, "k1")

	_, err := c.Generate(context.Background(), Request{Prompt: "hi", Params: Params{Temperature: 0, TopP: 1, TopK: 1, MaxOutputTokens: 2048}})
	require.NoError(t, err)
	require.NotNil(t, h.lastReq.Temperature)
	assert.Zero(t, *h.lastReq.Temperature)
	assert.Equal(t, 1, h.lastReq.TopK)

	_, err = c.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	require.NotNil(t, h.lastReq.Temperature)
	assert.InDelta(t, DefaultParams.Temperature, *h.lastReq.Temperature, 1e-9)
	assert.Equal(t, DefaultParams.MaxOutputTokens, h.lastReq.MaxTokens)
}
