package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"chatdesk/internal/providers"
)

func TestChatSendsHistoryAndSystemPrompt(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k1" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k1", BaseURL: srv.URL + "/v1", Model: "m1"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		SystemPrompt: "be terse",
		UserPrompt:   "ping",
		History:      []providers.Message{{Role: providers.RoleUser, Text: "hi"}, {Role: providers.RoleModel, Text: "hey"}},
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "pong" {
		t.Fatalf("unexpected text %q", resp.Text)
	}

	msgs, _ := got["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	roles := make([]string, 0, len(msgs))
	for _, m := range msgs {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	if fmt.Sprint(roles) != "[system user assistant user]" {
		t.Fatalf("unexpected roles %v", roles)
	}
	if got["model"] != "m1" {
		t.Fatalf("unexpected model %v", got["model"])
	}
}

func TestChatStreamConcatenatesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	var chunks []string
	resp, err := c.ChatStream(context.Background(), providers.ChatRequest{UserPrompt: "x"}, func(s string) {
		chunks = append(chunks, s)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Text != "Hello" || len(chunks) != 2 {
		t.Fatalf("unexpected stream result %q %v", resp.Text, chunks)
	}
}

func TestChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "bad", BaseURL: srv.URL})
	if _, err := c.Chat(context.Background(), providers.ChatRequest{UserPrompt: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestChatRejectsAudioAttachment(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"made up"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	req := providers.ChatRequest{
		UserPrompt: "Transcribe this recording.",
		Attachment: &providers.InlineData{MIMEType: "audio/webm;codecs=opus", Data: []byte{0x1a, 0x45, 0xdf, 0xa3}},
	}
	if _, err := c.Chat(context.Background(), req); !errors.Is(err, providers.ErrUnsupportedAttachment) {
		t.Fatalf("expected ErrUnsupportedAttachment, got %v", err)
	}
	if _, err := c.ChatStream(context.Background(), req, func(string) {}); !errors.Is(err, providers.ErrUnsupportedAttachment) {
		t.Fatalf("stream: expected ErrUnsupportedAttachment, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("upstream called %d times for an unsupported attachment", hits.Load())
	}
}

func TestChatInlinesTextAttachment(t *testing.T) {
	var got struct {
		Messages []json.RawMessage `json:"messages"`
	}
	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		UserPrompt: "summarize",
		Attachment: &providers.InlineData{MIMEType: "text/csv", Data: []byte("a,b\n1,2\n")},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	_ = json.Unmarshal(raw, &got)
	if len(got.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(got.Messages))
	}
	if !strings.Contains(string(raw), `Attached file (text/csv):\na,b\n1,2`) {
		t.Fatalf("file content not inlined: %s", raw)
	}
}

func TestChatSendsZeroTemperature(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL})
	zero := 0.0
	if _, err := c.Chat(context.Background(), providers.ChatRequest{UserPrompt: "x", Temperature: &zero}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	temp, ok := got["temperature"].(float64)
	if !ok {
		t.Fatalf("temperature missing from payload: %v", got)
	}
	if temp > 1e-6 {
		t.Fatalf("temperature = %v, want ~0", temp)
	}

	got = nil
	if _, err := c.Chat(context.Background(), providers.ChatRequest{UserPrompt: "x"}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, ok := got["temperature"]; ok {
		t.Fatalf("unset temperature should be omitted, got %v", got["temperature"])
	}
}
