// Package telegram exposes the chat service to Telegram users. Each
// Telegram account maps to the chat user "tg:<id>".
package telegram

import (
	"context"
	"strconv"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatdesk/internal/chat"
	"chatdesk/internal/metrics"
	"chatdesk/internal/queue"
	"chatdesk/internal/storage"
)

const (
	// Telegram rejects messages above 4096 characters.
	maxReplyRunes = 4000
	// requestTimeout bounds one exchange started from a Telegram message.
	requestTimeout = 3 * time.Minute
)

// ChatService is the part of *chat.Service the bot drives.
type ChatService interface {
	Send(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
	StartProject(ctx context.Context, in chat.ProjectInput) (queue.ProjectJob, storage.Conversation, error)
	SetAPIKey(ctx context.Context, userID, apiKey string) error
	DeleteAPIKey(ctx context.Context, userID string) error
}

type Limiter interface {
	Allow(ctx context.Context, userID string, now time.Time) (bool, int64, time.Time, error)
}

var (
	_ ChatService = (*chat.Service)(nil)
	_ Limiter     = (*queue.RateLimiter)(nil)
)

type Service struct {
	chat        ChatService
	sessions    *sessionStore
	rateLimiter Limiter
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Chat        ChatService
	RateLimiter Limiter
	Redis       *redis.Client
	SessionTTL  time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	return &Service{
		chat:        cfg.Chat,
		sessions:    newSessionStore(cfg.Redis, cfg.SessionTTL),
		rateLimiter: cfg.RateLimiter,
		logger:      cfg.Logger.With().Str("component", "telegram").Logger(),
		metrics:     m,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.menu))
	d.AddHandler(handlers.NewCommand("help", s.menu))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	d.AddHandler(handlers.NewCommand("new", s.newConversation))
	d.AddHandler(handlers.NewCommand("dev", s.toggleDev))
	d.AddHandler(handlers.NewCommand("deep", s.toggleDeep))
	d.AddHandler(handlers.NewCommand("image", s.image))
	d.AddHandler(handlers.NewCommand("project", s.project))
	d.AddHandler(handlers.NewCommand("key", s.key))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg) && !message.Command(msg)
	}, s.privateText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

func chatUserID(telegramID int64) string {
	return "tg:" + strconv.FormatInt(telegramID, 10)
}
