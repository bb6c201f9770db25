package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}
	telegramID := ctx.CallbackQuery.From.Id

	state, err := s.applyCallback(context.Background(), telegramID, strings.TrimSpace(ctx.CallbackQuery.Data))
	if err != nil {
		s.logger.Error().Err(err).Int64("telegram_id", telegramID).Msg("callback failed")
		s.answerCallback(b, ctx, err.Error(), true)
		return nil
	}
	s.answerCallback(b, ctx, "", false)
	return s.editOrReplyCallback(ctx, b, menuText(state), menuKeyboard(state))
}

// applyCallback updates the session for a menu button and returns the new
// state to render.
func (s *Service) applyCallback(ctx context.Context, telegramID int64, data string) (session, error) {
	var fn func(*session)
	switch data {
	case cbMenu:
		return s.sessions.Get(ctx, telegramID)
	case cbDev:
		fn = func(st *session) { st.DeveloperMode = !st.DeveloperMode }
	case cbDeep:
		fn = func(st *session) { st.DeepSearch = !st.DeepSearch }
	case cbNew:
		fn = func(st *session) { st.ConversationID = "" }
	default:
		return session{}, fmt.Errorf("unknown action: %s", data)
	}
	return s.sessions.Update(ctx, telegramID, fn)
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}
