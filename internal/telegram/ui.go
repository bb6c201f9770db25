package telegram

import (
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

const (
	cbPrefix = "cd:"

	cbMenu = cbPrefix + "menu"
	cbDev  = cbPrefix + "dev"
	cbDeep = cbPrefix + "deep"
	cbNew  = cbPrefix + "new"
)

func menuText(state session) string {
	return strings.Join([]string{
		"Chatdesk",
		"",
		"Send any message to chat with the assistant.",
		"/image <description> - generate an image",
		"/project <type>; <requirements> - generate a multi-file project",
		"/new - start a new conversation",
		"/dev, /deep - toggle developer and deep-search modes",
		"/key <api key> - use your own API key (private chat only)",
		"",
		modesText(state),
	}, "\n")
}

func modesText(state session) string {
	return "Developer mode: " + onOff(state.DeveloperMode) + "\nDeep search: " + onOff(state.DeepSearch)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func menuKeyboard(state session) *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Developer mode: " + onOff(state.DeveloperMode), CallbackData: cbDev},
			{Text: "Deep search: " + onOff(state.DeepSearch), CallbackData: cbDeep},
		},
		{
			{Text: "New conversation", CallbackData: cbNew},
			{Text: "Refresh", CallbackData: cbMenu},
		},
	}}
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
