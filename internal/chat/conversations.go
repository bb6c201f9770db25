package chat

import (
	"context"
	"fmt"
	"strings"

	"chatdesk/internal/generation"
	"chatdesk/internal/highlight"
	"chatdesk/internal/parser"
	"chatdesk/internal/providers"
	"chatdesk/internal/storage"
	"chatdesk/internal/voice"
)

const conversationListLimit = 100

func (s *Service) ListConversations(ctx context.Context, userID string) ([]storage.Conversation, error) {
	return s.store.ListConversations(ctx, userID, conversationListLimit)
}

// Messages returns the transcript of a conversation owned by userID.
func (s *Service) Messages(ctx context.Context, userID, conversationID string) ([]storage.Message, error) {
	if _, err := s.store.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID)
}

func (s *Service) RenameConversation(ctx context.Context, userID, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title is empty", ErrInvalid)
	}
	return s.store.RenameConversation(ctx, userID, conversationID, storage.TitleFromPrompt(title))
}

func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	return s.store.DeleteConversation(ctx, userID, conversationID)
}

// MessageFiles parses a stored model message into highlighted files for the
// code canvas.
func (s *Service) MessageFiles(ctx context.Context, userID string, messageID int64) ([]highlight.HighlightedFile, error) {
	m, err := s.store.GetMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	raw := m.Text()
	if m.Code != nil && *m.Code != "" {
		raw = *m.Code
	}
	return highlight.Render(parser.ParseContent(raw)), nil
}

func (s *Service) UserConfig(ctx context.Context, userID string) (storage.UserConfig, error) {
	return s.store.GetUserConfig(ctx, userID)
}

func (s *Service) UpdateUserConfig(ctx context.Context, c storage.UserConfig) (storage.UserConfig, error) {
	if c.AICreativity < 0 || c.AICreativity > 100 {
		return storage.UserConfig{}, fmt.Errorf("%w: ai_creativity must be within 0..100", ErrInvalid)
	}
	if err := s.store.UpsertUserConfig(ctx, c); err != nil {
		return storage.UserConfig{}, err
	}
	return s.store.GetUserConfig(ctx, c.UserID)
}

func (s *Service) Profile(ctx context.Context, userID string) (storage.Profile, error) {
	return s.store.GetProfile(ctx, userID)
}

func (s *Service) UpdateProfile(ctx context.Context, p storage.Profile) (storage.Profile, error) {
	p.Name = strings.TrimSpace(p.Name)
	if err := s.store.UpsertProfile(ctx, p); err != nil {
		return storage.Profile{}, err
	}
	return s.store.GetProfile(ctx, p.ID)
}

const transcribeInstruction = "Transcribe the attached audio verbatim. Reply with the transcript only."

// Transcribe sends a voice recording to the model as inline audio.
func (s *Service) Transcribe(ctx context.Context, userID string, rec voice.Recording) (string, error) {
	if len(rec.Data) == 0 {
		return "", fmt.Errorf("%w: recording is empty", ErrInvalid)
	}
	resp, err := s.gen.Generate(ctx, generation.Request{
		Prompt:            "Transcribe this recording.",
		SystemInstruction: transcribeInstruction,
		Attachment:        &providers.InlineData{MIMEType: rec.MIMEType, Data: rec.Data},
		Params:            generation.Params{Temperature: 0, TopP: 1, TopK: 1, MaxOutputTokens: 2048},
		PersonalKey:       s.personalKey(ctx, userID),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	s.logger.Debug().
		Str("user_id", userID).
		Dur("duration", rec.Duration).
		Dur("approx_duration", rec.ApproxDuration()).
		Msg("voice transcribed")
	return strings.TrimSpace(resp.Text), nil
}
