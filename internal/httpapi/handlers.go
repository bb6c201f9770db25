package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"chatdesk/internal/chat"
	"chatdesk/internal/highlight"
	"chatdesk/internal/providers"
	"chatdesk/internal/storage"
	"chatdesk/internal/upload"
)

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
	DeveloperMode  bool   `json:"developer_mode"`
	DeepSearch     bool   `json:"deep_search"`
	ImageMode      bool   `json:"image_mode"`
	// Attachment is a data URL as returned by POST /api/uploads.
	Attachment string `json:"attachment,omitempty"`
}

func (s *Server) jsonLimit() int64 {
	return s.uploads.MaxBytes()*4/3 + jsonOverhead
}

// sendInput decodes a chat request and validates its attachment.
func (s *Server) sendInput(w http.ResponseWriter, r *http.Request) (chat.SendInput, error) {
	var req chatRequest
	if err := decodeJSON(w, r, s.jsonLimit(), &req); err != nil {
		return chat.SendInput{}, err
	}
	in := chat.SendInput{
		UserID:         userFrom(r),
		ConversationID: req.ConversationID,
		Prompt:         req.Prompt,
		DeveloperMode:  req.DeveloperMode,
		DeepSearch:     req.DeepSearch,
		ImageMode:      req.ImageMode,
	}
	if req.Attachment != "" {
		mt, data, err := upload.DecodeDataURL(req.Attachment)
		if err != nil {
			return chat.SendInput{}, badRequest("attachment: %v", err)
		}
		res := s.uploads.ProcessFile("attachment", mt, data)
		if !res.Success {
			return chat.SendInput{}, res.Err()
		}
		in.Attachment = &providers.InlineData{MIMEType: res.MIMEType, Data: data}
	}
	return in, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	in, err := s.sendInput(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.chat.Send(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.chat.ListConversations(r.Context(), userFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chat.Messages(r.Context(), userFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(w, r, jsonOverhead, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.chat.RenameConversation(r.Context(), userFrom(r), r.PathValue("id"), req.Title); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.DeleteConversation(r.Context(), userFrom(r), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessageFiles(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, r, badRequest("message id must be numeric"))
		return
	}
	files, err := s.chat.MessageFiles(r.Context(), userFrom(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleHighlightCSS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write([]byte(highlight.CSS()))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.chat.UserConfig(r.Context(), userFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutConfig applies the fields present in the body on top of the
// stored (or default) configuration.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	cfg, err := s.chat.UserConfig(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := decodeJSON(w, r, jsonOverhead, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg.UserID = userID
	updated, err := s.chat.UpdateUserConfig(r.Context(), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.chat.Profile(r.Context(), userFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var p storage.Profile
	if err := decodeJSON(w, r, jsonOverhead, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.ID = userFrom(r)
	updated, err := s.chat.UpdateProfile(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	has, err := s.chat.HasAPIKey(r.Context(), userFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_key": has})
}

func (s *Server) handlePutAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeJSON(w, r, jsonOverhead, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.chat.SetAPIKey(r.Context(), userFrom(r), req.APIKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.DeleteAPIKey(r.Context(), userFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		ProjectType    string `json:"project_type"`
		Requirements   string `json:"requirements"`
	}
	if err := decodeJSON(w, r, jsonOverhead, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, conv, err := s.chat.StartProject(r.Context(), chat.ProjectInput{
		UserID:         userFrom(r),
		ConversationID: req.ConversationID,
		ProjectType:    req.ProjectType,
		Requirements:   strings.TrimSpace(req.Requirements),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.EnqueuedJobs.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "conversation": conv})
}
