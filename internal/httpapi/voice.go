package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatdesk/internal/voice"
)

type voiceReply struct {
	Transcript string `json:"transcript,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleVoice records audio pushed over a websocket until the client sends
// "stop" (or closes), then replies with the transcript on the same socket.
// The optional "mime" query parameter names the container, default
// audio/webm.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("voice upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), maxRecording)
	defer cancel()

	rec := voice.NewRecorder()
	if err := rec.Start(ctx, voice.NewSocketDevice(conn, r.URL.Query().Get("mime"))); err != nil {
		s.replyVoice(conn, voiceReply{Error: err.Error()})
		return
	}
	select {
	case <-rec.Done():
	case <-ctx.Done():
	}
	recording, err := rec.Stop()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("voice capture ended with error")
	}
	if len(recording.Data) == 0 {
		s.replyVoice(conn, voiceReply{Error: "no audio received"})
		return
	}

	tctx, tcancel := context.WithTimeout(context.Background(), s.transcribeTimeout())
	defer tcancel()
	text, err := s.chat.Transcribe(tctx, userID, recording)
	if err != nil {
		_, msg := statusFor(err)
		s.logger.Error().Err(err).Str("user_id", userID).Msg("transcription failed")
		s.replyVoice(conn, voiceReply{Error: msg})
		return
	}
	s.replyVoice(conn, voiceReply{Transcript: text, DurationMS: recording.Duration.Milliseconds()})
}

func (s *Server) transcribeTimeout() time.Duration {
	if s.requestTimeout > 0 {
		return s.requestTimeout
	}
	return time.Minute
}

func (s *Server) replyVoice(conn *websocket.Conn, reply voiceReply) {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(reply); err != nil {
		s.logger.Debug().Err(err).Msg("voice reply failed")
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
