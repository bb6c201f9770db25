package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"chatdesk/internal/metrics"
)

type Deduper interface {
	MarkFirst(ctx context.Context, updateID int64) (bool, error)
}

// Processor drops updates Telegram delivers twice (webhook retries, restarts
// while polling) before handing them to the dispatcher.
type Processor struct {
	Base    ext.BaseProcessor
	Dedupe  Deduper
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if p.Dedupe != nil && !p.first(ctx.UpdateId) {
		return nil
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

// first fails open: a redis outage must not silence the bot.
func (p Processor) first(updateID int64) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := p.Dedupe.MarkFirst(c, updateID)
	if err != nil {
		p.Logger.Error().Err(err).Int64("update_id", updateID).Msg("failed to dedupe update")
		return true
	}
	return ok
}
