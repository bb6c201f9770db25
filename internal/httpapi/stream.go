package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// sseWriter defers the response headers until the first event so errors
// raised before any output still get a proper status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *sseWriter) Event(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type chunkEvent struct {
	Text string `json:"text"`
}

// handleChatStream streams the answer as "chunk" events followed by one
// "done" event carrying the stored messages, or an "error" event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		s.writeError(w, r, fmt.Errorf("streaming unsupported by response writer"))
		return
	}
	in, err := s.sendInput(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.chat.SendStream(r.Context(), in, func(text string) {
		if err := sse.Event("chunk", chunkEvent{Text: text}); err != nil {
			s.logger.Debug().Err(err).Msg("write chunk failed")
		}
	})
	if err != nil {
		if !sse.Started() {
			s.writeError(w, r, err)
			return
		}
		code, msg := statusFor(err)
		if code >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("user_id", in.UserID).Msg("stream failed")
		}
		_ = sse.Event("error", errorBody{Error: msg})
		return
	}
	_ = sse.Event("done", res)
}
