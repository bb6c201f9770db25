package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"chatdesk/internal/chat"
	"chatdesk/internal/providers"
	"chatdesk/internal/storage"
	"chatdesk/internal/upload"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps service errors onto HTTP statuses and the message shown
// to the user.
func statusFor(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, chat.ErrInvalid),
		errors.Is(err, chat.ErrEmptyPrompt):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, upload.ErrTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, upload.ErrUnsupportedType), errors.Is(err, providers.ErrUnsupportedAttachment):
		return http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, chat.ErrDisabled):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, chat.ErrUpstream):
		return http.StatusBadGateway, "The AI service is unavailable right now. Please try again."
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Str("user_id", userFrom(r)).Int("code", code).Msg("request failed")
	}
	writeJSON(w, code, errorBody{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return badRequest("decode body: %v", err)
	}
	return nil
}
