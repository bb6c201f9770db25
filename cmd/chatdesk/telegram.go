package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog/log"

	"chatdesk/internal/queue"
	"chatdesk/internal/telegram"
)

type telegramIngress struct {
	updater *ext.Updater
}

func (t *telegramIngress) Stop() {
	if t == nil || t.updater == nil {
		return
	}
	if err := t.updater.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop updater")
	}
}

// startTelegram wires the bot onto the shared chat service. It polls when
// DEV_POLLING is set, otherwise it registers a webhook served from mux.
func startTelegram(a *app, limiter *queue.RateLimiter, mux *http.ServeMux) (*telegramIngress, error) {
	cfg := a.cfg
	token := cfg.Bot.Token
	if token == "" {
		log.Info().Msg("BOT_TOKEN not set, telegram ingress disabled")
		return &telegramIngress{}, nil
	}

	bot, err := gotgbot.NewBot(token, nil)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %s", sanitizeTelegramErr(err, token))
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, token))
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:  queue.NewUpdateDeduplicator(a.rdb, cfg.Redis.UpdateTTL),
			Metrics: a.metrics,
			Logger:  log.Logger,
		},
	})
	telegram.NewService(telegram.Config{
		Chat:        a.chat,
		RateLimiter: limiter,
		Redis:       a.rdb,
		SessionTTL:  cfg.Redis.ModeTTL,
		Logger:      log.Logger,
		Metrics:     a.metrics,
	}).Register(dispatcher)

	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
		UnhandledErrFunc: logTelegramErr,
	})

	if cfg.Bot.DevPolling {
		if err := updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout: 50,
				RequestOpts: &gotgbot.RequestOpts{
					Timeout: 60 * time.Second,
				},
			},
		}); err != nil {
			return nil, fmt.Errorf("start polling: %s", sanitizeTelegramErr(err, token))
		}
		log.Info().Msg("telegram polling started")
		return &telegramIngress{updater: updater}, nil
	}

	if cfg.Bot.WebhookURL == "" {
		return nil, fmt.Errorf("WEBHOOK_URL is required when DEV_POLLING is false")
	}
	path := strings.Trim(cfg.Bot.WebhookPath, "/")
	if path == "" {
		path = "telegram"
	}
	if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Bot.WebhookSecret}); err != nil {
		return nil, fmt.Errorf("configure webhook handler: %w", err)
	}
	webhookURL := strings.TrimSuffix(cfg.Bot.WebhookURL, "/") + "/" + path
	if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
		SecretToken: cfg.Bot.WebhookSecret,
	}); err != nil {
		return nil, fmt.Errorf("set telegram webhook: %s", sanitizeTelegramErr(err, token))
	}
	mux.HandleFunc("POST /"+path, updater.GetHandlerFunc("/"))
	log.Info().Str("webhook_url", webhookURL).Msg("telegram webhook registered")
	return &telegramIngress{updater: updater}, nil
}

// sanitizeTelegramErr strips the bot token from errors that embed request URLs.
func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
