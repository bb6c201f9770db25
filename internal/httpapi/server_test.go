package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatdesk/internal/chat"
	"chatdesk/internal/crypto"
	"chatdesk/internal/generation"
	"chatdesk/internal/metrics"
	"chatdesk/internal/providers"
	"chatdesk/internal/queue"
	"chatdesk/internal/storage"
	"chatdesk/internal/upload"
)

type fakeGen struct {
	mu     sync.Mutex
	reply  string
	chunks []string
	err    error
	req    generation.Request
}

func (f *fakeGen) Generate(_ context.Context, req generation.Request) (generation.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req = req
	if f.err != nil {
		return generation.Response{}, f.err
	}
	return generation.Response{Text: f.reply}, nil
}

func (f *fakeGen) GenerateStream(_ context.Context, req generation.Request, onChunk func(string)) (generation.Response, error) {
	f.mu.Lock()
	f.req = req
	chunks, reply, err := f.chunks, f.reply, f.err
	f.mu.Unlock()
	if err != nil {
		return generation.Response{}, err
	}
	for _, c := range chunks {
		onChunk(c)
	}
	return generation.Response{Text: reply}, nil
}

func (f *fakeGen) last() generation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.req
}

func (f *fakeGen) set(fn func(*fakeGen)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type testEnv struct {
	srv *httptest.Server
	gen *fakeGen
	rdb *redis.Client
}

type envOpts struct {
	rateLimit int64
	maxUpload int64
}

func newEnv(t *testing.T, opts envOpts) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, "sqlite", ":memory:", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	vault, err := crypto.NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)})
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gen := &fakeGen{reply: "Hello from the model"}
	m := metrics.New()
	svc := chat.New(chat.Config{
		Store:       store,
		Generator:   gen,
		Vault:       vault,
		RevealSpeed: 1,
		Logger:      zerolog.Nop(),
	})
	api := New(Config{
		Chat:           svc,
		Uploads:        upload.New(upload.Config{MaxBytes: opts.maxUpload, Logger: zerolog.Nop(), Metrics: m}),
		Limiter:        queue.NewRateLimiter(rdb, opts.rateLimit),
		RequestTimeout: 10 * time.Second,
		AllowedOrigins: []string{"https://app.example"},
		Logger:         zerolog.Nop(),
		Metrics:        m,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, gen: gen, rdb: rdb}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRequiresIdentity(t *testing.T) {
	e := newEnv(t, envOpts{})
	resp := e.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/highlight.css", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/css")
}

func TestChatConversationLifecycle(t *testing.T) {
	e := newEnv(t, envOpts{})

	resp := e.do(t, http.MethodPost, "/api/chat", "alice", map[string]any{"prompt": "hi there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[chat.SendResult](t, resp)
	assert.True(t, res.Persisted)
	assert.Equal(t, "hi there", res.Conversation.Title)
	convID := res.Conversation.ID

	resp = e.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Conversations []storage.Conversation `json:"conversations"`
	}](t, resp)
	require.Len(t, list.Conversations, 1)

	// Another user cannot see it.
	resp = e.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	e.gen.set(func(g *fakeGen) { g.reply = "FILE: index.js\n```javascript\nconsole.log(1)\n```" })
	resp = e.do(t, http.MethodPost, "/api/chat", "alice", map[string]any{"prompt": "code", "conversation_id": convID, "developer_mode": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res = decode[chat.SendResult](t, resp)
	require.NotNil(t, res.ModelMessage.Code)

	resp = e.do(t, http.MethodGet, "/api/messages/"+strconv.FormatInt(res.ModelMessage.ID, 10)+"/files", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := decode[struct {
		Files []struct {
			Path string `json:"path"`
			HTML string `json:"html"`
		} `json:"files"`
	}](t, resp)
	require.Len(t, files.Files, 1)
	assert.Equal(t, "index.js", files.Files[0].Path)

	resp = e.do(t, http.MethodGet, "/api/messages/abc/files", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPatch, "/api/conversations/"+convID, "alice", map[string]string{"title": "Renamed"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodPatch, "/api/conversations/"+convID, "alice", map[string]string{"title": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[struct {
		Messages []storage.Message `json:"messages"`
	}](t, resp)
	assert.Len(t, msgs.Messages, 4)

	resp = e.do(t, http.MethodDelete, "/api/conversations/"+convID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatErrors(t *testing.T) {
	e := newEnv(t, envOpts{})

	resp := e.do(t, http.MethodPost, "/api/chat", "alice", map[string]any{"prompt": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/chat", "alice", map[string]any{"prompt": "x", "attachment": "data:application/x-msdownload;base64,AAAA"})
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	e.gen.set(func(g *fakeGen) { g.err = generation.ErrAllCredentialsFailed })
	resp = e.do(t, http.MethodPost, "/api/chat", "alice", map[string]any{"prompt": "hello"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Contains(t, body.Error, "unavailable")

	resp = e.do(t, http.MethodPost, "/api/projects", "alice", map[string]any{"project_type": "shop"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	e.gen.set(func(g *fakeGen) { g.err = fmt.Errorf("%w: audio/ogg", providers.ErrUnsupportedAttachment) })
	resp = e.do(t, http.MethodPost, "/api/chat", "alice", map[string]any{"prompt": "transcribe", "attachment": "data:audio/ogg;base64,T2dnUw=="})
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestChatAttachmentIsForwarded(t *testing.T) {
	e := newEnv(t, envOpts{})
	resp := e.do(t, http.MethodPost, "/api/chat", "alice", map[string]any{
		"prompt":     "what is this?",
		"attachment": "data:image/png;base64,iVBORw0KGgo=",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, e.gen.last().Attachment)
	assert.Equal(t, "image/png", e.gen.last().Attachment.MIMEType)
	assert.NotEmpty(t, e.gen.last().Attachment.Data)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, envOpts{rateLimit: 1})

	resp := e.do(t, http.MethodPost, "/api/chat", "alice", map[string]any{"prompt": "one"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/api/chat", "alice", map[string]any{"prompt": "two"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Other users and non-generation routes are unaffected.
	resp = e.do(t, http.MethodPost, "/api/chat", "bob", map[string]any{"prompt": "one"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(string(raw)), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = v
			}
		}
		out = append(out, ev)
	}
	return out
}

func TestChatStream(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.gen.set(func(g *fakeGen) {
		g.chunks = []string{"Hel", "lo"}
		g.reply = "Hello"
	})

	resp := e.do(t, http.MethodPost, "/api/chat/stream", "alice", map[string]any{"prompt": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	var text strings.Builder
	for _, ev := range events[:2] {
		require.Equal(t, "chunk", ev.name)
		var c chunkEvent
		require.NoError(t, json.Unmarshal([]byte(ev.data), &c))
		text.WriteString(c.Text)
	}
	assert.Equal(t, "Hello", text.String())
	assert.Equal(t, "done", events[2].name)

	var res chat.SendResult
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &res))
	assert.Equal(t, "Hello", res.ModelMessage.Text())

	// Validation failures happen before the stream opens.
	resp = e.do(t, http.MethodPost, "/api/chat/stream", "alice", map[string]any{"prompt": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func (e *testEnv) upload(t *testing.T, name, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/uploads", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "alice")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type uploadResponse struct {
	Files []upload.Result `json:"files"`
}

func TestUpload(t *testing.T) {
	e := newEnv(t, envOpts{maxUpload: 64})

	resp := e.upload(t, "notes.md", "application/octet-stream", []byte("# title"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[uploadResponse](t, resp)
	require.Len(t, got.Files, 1)
	assert.True(t, got.Files[0].Success)
	assert.Equal(t, "text/markdown", got.Files[0].MIMEType)
	assert.True(t, strings.HasPrefix(got.Files[0].DataURL, "data:text/markdown;base64,"))

	resp = e.upload(t, "tool.exe", "application/x-msdownload", []byte("MZ"))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp = e.upload(t, "big.txt", "text/plain", bytes.Repeat([]byte("a"), 100))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	got = decode[uploadResponse](t, resp)
	require.Len(t, got.Files, 1)
	assert.Equal(t, int64(100), got.Files[0].Size)
}

func TestConfigProfileAndKey(t *testing.T) {
	e := newEnv(t, envOpts{})

	resp := e.do(t, http.MethodGet, "/api/config", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decode[storage.UserConfig](t, resp)
	assert.True(t, cfg.AutoSave)

	resp = e.do(t, http.MethodPut, "/api/config", "alice", map[string]any{"language": "fr", "user_id": "mallory"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg = decode[storage.UserConfig](t, resp)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, "fr", cfg.Language)
	assert.True(t, cfg.AutoSave)

	resp = e.do(t, http.MethodPut, "/api/config", "alice", map[string]any{"ai_creativity": 300})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/profile", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodPut, "/api/profile", "alice", map[string]any{"name": "Alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Alice", decode[storage.Profile](t, resp).Name)

	resp = e.do(t, http.MethodPut, "/api/apikey", "alice", map[string]any{"api_key": "sk-personal"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/api/apikey", "alice", nil)
	assert.Equal(t, map[string]bool{"has_key": true}, decode[map[string]bool](t, resp))

	resp = e.do(t, http.MethodPost, "/api/chat", "alice", map[string]any{"prompt": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sk-personal", e.gen.last().PersonalKey)

	resp = e.do(t, http.MethodDelete, "/api/apikey", "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodDelete, "/api/apikey", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, envOpts{})
	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-User-ID")
}

func TestVoiceTranscription(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.gen.set(func(g *fakeGen) { g.reply = " turn the lights on " })

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/voice?mime=audio/ogg"
	header := http.Header{}
	header.Set("X-User-ID", "alice")
	header.Set("Origin", "https://app.example")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{4, 5}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("stop")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply voiceReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Empty(t, reply.Error)
	assert.Equal(t, "turn the lights on", reply.Transcript)

	require.NotNil(t, e.gen.last().Attachment)
	assert.Equal(t, "audio/ogg", e.gen.last().Attachment.MIMEType)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, e.gen.last().Attachment.Data)
}

func TestVoiceWithoutAudio(t *testing.T) {
	e := newEnv(t, envOpts{})
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/voice"
	header := http.Header{}
	header.Set("X-User-ID", "alice")
	header.Set("Origin", "https://app.example")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("stop")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply voiceReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "no audio received", reply.Error)
}
