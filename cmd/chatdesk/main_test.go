package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatdesk/internal/imagegen"
	"chatdesk/internal/metrics"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSanitizeTelegramErr(t *testing.T) {
	token := "123456:secret-part"
	err := errors.New(`Post "https://api.telegram.org/bot123456:secret-part/getMe": dial tcp: timeout`)

	got := sanitizeTelegramErr(err, token)
	if strings.Contains(got, "secret-part") {
		t.Fatalf("token leaked: %s", got)
	}
	if !strings.Contains(got, "<redacted-token>") {
		t.Fatalf("expected redaction marker, got %s", got)
	}
	if sanitizeTelegramErr(nil, token) != "" {
		t.Fatal("nil error should render empty")
	}
	if got := sanitizeTelegramErr(err, ""); got != err.Error() {
		t.Fatalf("empty token should leave message untouched, got %s", got)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"serve": false, "worker": false, "migrate": false, "rotate-keys": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("command %q not registered", name)
		}
	}
	if rootCmd.PersistentFlags().Lookup("log-level") == nil {
		t.Fatal("log-level flag missing")
	}
}

func TestStreamingClientOutlivesHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for _, part := range []string{"data: a\n\n", "data: b\n\n", "data: [DONE]\n\n"} {
			time.Sleep(60 * time.Millisecond)
			_, _ = io.WriteString(w, part)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	client := newStreamingClient(50 * time.Millisecond)
	if client.Timeout != 0 {
		t.Fatalf("streaming client must not cap the whole exchange, got %v", client.Timeout)
	}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("stream cut after %d bytes: %v", len(body), err)
	}
	if !strings.HasSuffix(string(body), "data: [DONE]\n\n") {
		t.Fatalf("incomplete stream %q", body)
	}
}

func TestStreamingClientBoundsHeaderWait(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := newStreamingClient(30 * time.Millisecond)
	resp, err := client.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected header timeout")
	}
}

func TestAppCloseClosesImageConnection(t *testing.T) {
	closed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		defer close(closed)
		for {
			var tasks []map[string]any
			if err := conn.ReadJSON(&tasks); err != nil {
				return
			}
			for _, task := range tasks {
				if task["taskType"] == "authentication" {
					_ = conn.WriteJSON(map[string]any{"data": []map[string]any{{"taskType": "authentication", "connectionSessionUUID": "s1"}}})
					continue
				}
				_ = conn.WriteJSON(map[string]any{"data": []map[string]any{{
					"taskType": "imageInference",
					"taskUUID": task["taskUUID"],
					"imageURL": "https://img.example/cat.png",
				}}})
			}
		}
	}))
	defer srv.Close()

	images := imagegen.New(imagegen.Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:  "test-key",
		Model:   "m1",
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := images.Generate(ctx, imagegen.ImageRequest{Prompt: "cat"}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	a := &app{images: images}
	a.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("image service connection left open after Close")
	}
}
