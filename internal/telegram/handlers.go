package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"chatdesk/internal/chat"
	"chatdesk/internal/storage"
)

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	state, err := s.sessions.Get(context.Background(), ctx.EffectiveUser.Id)
	if err != nil {
		s.logger.Warn().Err(err).Msg("load session failed")
	}
	return s.replyWithMarkup(ctx, b, menuText(state), menuKeyboard(state))
}

func (s *Service) newConversation(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	if _, err := s.sessions.Update(context.Background(), ctx.EffectiveUser.Id, func(st *session) {
		st.ConversationID = ""
	}); err != nil {
		s.logger.Error().Err(err).Msg("reset session failed")
		return s.reply(ctx, b, "Failed to start a new conversation right now.")
	}
	return s.reply(ctx, b, "Started a new conversation.")
}

func (s *Service) toggleDev(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.toggleReply(b, ctx, func(st *session) { st.DeveloperMode = !st.DeveloperMode })
}

func (s *Service) toggleDeep(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.toggleReply(b, ctx, func(st *session) { st.DeepSearch = !st.DeepSearch })
}

func (s *Service) toggleReply(b *gotgbot.Bot, ctx *ext.Context, fn func(*session)) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	state, err := s.sessions.Update(context.Background(), ctx.EffectiveUser.Id, fn)
	if err != nil {
		s.logger.Error().Err(err).Msg("update session failed")
		return s.reply(ctx, b, "Failed to change mode right now.")
	}
	return s.replyWithMarkup(ctx, b, modesText(state), menuKeyboard(state))
}

func (s *Service) image(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveUser == nil {
		return nil
	}
	prompt := strings.TrimSpace(commandRemainder(msg.GetText()))
	if prompt == "" {
		return s.reply(ctx, b, "Usage: /image <description>")
	}
	return s.reply(ctx, b, s.ask(context.Background(), ctx.EffectiveUser.Id, prompt, true))
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveUser == nil {
		return nil
	}
	return s.reply(ctx, b, s.ask(context.Background(), ctx.EffectiveUser.Id, msg.GetText(), false))
}

func (s *Service) project(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveUser == nil {
		return nil
	}
	return s.reply(ctx, b, s.startProject(context.Background(), ctx.EffectiveUser.Id, commandRemainder(msg.GetText())))
}

// key stores or, without an argument, removes the user's personal API key.
// The command message is deleted so the key does not linger in the chat.
func (s *Service) key(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveUser == nil || ctx.EffectiveChat == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		return s.reply(ctx, b, "Send /key in a private chat with the bot.")
	}
	if _, err := b.DeleteMessage(ctx.EffectiveChat.Id, msg.MessageId, nil); err != nil {
		s.logger.Warn().Err(err).Msg("failed to delete key message")
	}
	return s.reply(ctx, b, s.setKey(context.Background(), ctx.EffectiveUser.Id, commandRemainder(msg.GetText())))
}

// ask runs one exchange for a Telegram user and returns the text to send
// back. Failures are turned into user-facing messages.
func (s *Service) ask(parent context.Context, telegramID int64, text string, imageMode bool) string {
	ctx, cancel := context.WithTimeout(parent, requestTimeout)
	defer cancel()

	userID := chatUserID(telegramID)
	if msg, ok := s.allowRate(ctx, userID); !ok {
		return msg
	}

	state, err := s.sessions.Get(ctx, telegramID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("telegram_id", telegramID).Msg("load session failed")
	}

	res, err := s.chat.Send(ctx, chat.SendInput{
		UserID:         userID,
		ConversationID: state.ConversationID,
		Prompt:         text,
		DeveloperMode:  state.DeveloperMode,
		DeepSearch:     state.DeepSearch,
		ImageMode:      imageMode,
		Placeholder:    true,
	})
	if errors.Is(err, storage.ErrNotFound) && state.ConversationID != "" {
		// The conversation was deleted elsewhere; start over.
		state.ConversationID = ""
		res, err = s.chat.Send(ctx, chat.SendInput{
			UserID:        userID,
			Prompt:        text,
			DeveloperMode: state.DeveloperMode,
			DeepSearch:    state.DeepSearch,
			ImageMode:     imageMode,
			Placeholder:   true,
		})
	}
	if err != nil {
		return s.failureText(err, telegramID)
	}

	if res.Persisted && res.Conversation.ID != state.ConversationID {
		state.ConversationID = res.Conversation.ID
		if err := s.sessions.Set(ctx, telegramID, state); err != nil {
			s.logger.Warn().Err(err).Int64("telegram_id", telegramID).Msg("save session failed")
		}
	}
	return formatReply(res)
}

func (s *Service) startProject(parent context.Context, telegramID int64, args string) string {
	projectType, requirements, _ := strings.Cut(args, ";")
	projectType = strings.TrimSpace(projectType)
	if projectType == "" {
		return "Usage: /project <type>; <requirements>"
	}
	userID := chatUserID(telegramID)
	if msg, ok := s.allowRate(parent, userID); !ok {
		return msg
	}
	state, err := s.sessions.Get(parent, telegramID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("telegram_id", telegramID).Msg("load session failed")
	}

	job, conv, err := s.chat.StartProject(parent, chat.ProjectInput{
		UserID:         userID,
		ConversationID: state.ConversationID,
		ProjectType:    projectType,
		Requirements:   strings.TrimSpace(requirements),
	})
	if err != nil {
		return s.failureText(err, telegramID)
	}
	s.metrics.EnqueuedJobs.Inc()

	state.ConversationID = conv.ID
	if err := s.sessions.Set(parent, telegramID, state); err != nil {
		s.logger.Warn().Err(err).Int64("telegram_id", telegramID).Msg("save session failed")
	}
	return fmt.Sprintf("Accepted. Project job %s is queued; the files will be added to conversation %q.", job.JobID, conv.Title)
}

func (s *Service) setKey(ctx context.Context, telegramID int64, key string) string {
	userID := chatUserID(telegramID)
	if strings.TrimSpace(key) == "" {
		err := s.chat.DeleteAPIKey(ctx, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return "No personal API key is stored."
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("delete api key failed")
			return "Failed to remove the API key right now."
		}
		return "Personal API key removed."
	}
	if err := s.chat.SetAPIKey(ctx, userID, key); err != nil {
		s.logger.Error().Err(err).Msg("store api key failed")
		return "Failed to store the API key right now."
	}
	return "Personal API key stored. It is tried before the shared keys."
}

func (s *Service) allowRate(ctx context.Context, userID string) (string, bool) {
	if s.rateLimiter == nil {
		return "", true
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(ctx, userID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return "", true
	}
	if ok {
		return "", true
	}
	return "Rate limit exceeded. Try again after " + resetAt.Format("15:04 UTC"), false
}

func (s *Service) failureText(err error, telegramID int64) string {
	switch {
	case errors.Is(err, chat.ErrEmptyPrompt):
		return "Send some text to get an answer."
	case errors.Is(err, chat.ErrUpstream):
		s.logger.Error().Err(err).Int64("telegram_id", telegramID).Msg("upstream failure")
		return "The AI service is unavailable right now. Please try again later."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long. Please try again."
	default:
		s.logger.Error().Err(err).Int64("telegram_id", telegramID).Msg("request failed")
		return "Something went wrong. Please try again."
	}
}

func formatReply(res chat.SendResult) string {
	text := strings.TrimSpace(res.ModelMessage.Text())
	if res.ModelMessage.ImageURL != nil {
		text = strings.TrimSpace(text + "\n" + *res.ModelMessage.ImageURL)
	}
	if text == "" {
		text = "The model returned an empty response."
	}
	return truncate(text, maxReplyRunes)
}

func truncate(text string, limit int) string {
	if r := []rune(text); len(r) > limit {
		return string(r[:limit])
	}
	return text
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	return s.replyWithMarkup(ctx, b, text, nil)
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
