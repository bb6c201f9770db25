package config

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
	ErrMissingGenKeys     = errors.New("GENERATION_API_KEYS or GENERATION_API_KEYS_FILE is required")
	ErrInvalidProvider    = errors.New("GENERATION_PROVIDER must be 'gemini' or 'openai'")
)

type Config struct {
	HTTP       HTTPConfig
	Redis      RedisConfig
	DB         DBConfig
	Worker     WorkerConfig
	Generation GenerationConfig
	DeepSearch DeepSearchConfig
	ImageGen   ImageGenConfig
	Upload     UploadConfig
	Bot        BotConfig
	Outbound   OutboundConfig
	Rate       RateConfig
	Crypto     CryptoConfig
	Log        LogConfig
}

type HTTPConfig struct {
	ListenAddr     string
	HealthPath     string
	MetricsPath    string
	UserHeader     string
	RequestTimeout time.Duration
	AllowedOrigins []string
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	QueueStream string
	QueueGroup  string
	QueueBlock  time.Duration
	UpdateTTL   time.Duration
	ModeTTL     time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
	// Review adds a per-file "known issues" pass to project generation.
	Review       bool
}

type GenerationConfig struct {
	Provider string
	Keys     []string
	Model    string
	BaseURL  string
}

type DeepSearchConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
}

func (c DeepSearchConfig) Enabled() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

type ImageGenConfig struct {
	URL    string
	APIKey string
	Model  string
	Width  int
	Height int
}

func (c ImageGenConfig) Enabled() bool {
	return c.URL != "" && c.APIKey != ""
}

type UploadConfig struct {
	MaxBytes int64
}

// BotConfig enables the Telegram ingress when Token is set. Without
// DevPolling the bot registers WebhookURL and serves updates on WebhookPath.
type BotConfig struct {
	Token         string
	DevPolling    bool
	WebhookURL    string
	WebhookPath   string
	WebhookSecret string
}

// OutboundConfig tunes HTTP clients that call third-party APIs.
type OutboundConfig struct {
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

// RateConfig caps generation requests per user within a fixed window.
type RateConfig struct {
	Limit  int64
	Window time.Duration
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:     mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:     mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:    mustEnv("METRICS_PATH", "/metrics"),
			UserHeader:     mustEnv("AUTH_USER_HEADER", "X-User-ID"),
			RequestTimeout: mustDuration("HTTP_REQUEST_TIMEOUT", 2*time.Minute),
			AllowedOrigins: splitList(mustEnv("HTTP_ALLOWED_ORIGINS", "")),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			QueueStream: mustEnv("QUEUE_STREAM", "chatdesk:projects"),
			QueueGroup:  mustEnv("QUEUE_GROUP", "chatdesk-workers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
			UpdateTTL:   mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
			ModeTTL:     mustDuration("CHAT_MODE_TTL", 24*time.Hour),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "postgres")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 2),
			Review:       mustBool("CODEGEN_REVIEW", false),
		},
		Generation: GenerationConfig{
			Provider: strings.ToLower(mustEnv("GENERATION_PROVIDER", "gemini")),
			Model:    mustEnv("GENERATION_MODEL", ""),
			BaseURL:  mustEnv("GENERATION_BASE_URL", ""),
		},
		DeepSearch: DeepSearchConfig{
			BaseURL:      mustEnv("DEEPSEARCH_BASE_URL", ""),
			APIKey:       mustEnv("DEEPSEARCH_API_KEY", ""),
			Model:        mustEnv("DEEPSEARCH_MODEL", "sonar"),
			SystemPrompt: mustEnv("DEEPSEARCH_SYSTEM_PROMPT", "Be precise and cite sources."),
		},
		ImageGen: ImageGenConfig{
			URL:    mustEnv("IMAGEGEN_URL", ""),
			APIKey: mustEnv("IMAGEGEN_API_KEY", ""),
			Model:  mustEnv("IMAGEGEN_MODEL", "runware:100@1"),
			Width:  mustInt("IMAGEGEN_WIDTH", 512),
			Height: mustInt("IMAGEGEN_HEIGHT", 512),
		},
		Upload: UploadConfig{
			MaxBytes: mustInt64("UPLOAD_MAX_BYTES", 25<<20),
		},
		Bot: BotConfig{
			Token:         mustEnv("BOT_TOKEN", ""),
			DevPolling:    mustBool("DEV_POLLING", true),
			WebhookURL:    mustEnv("WEBHOOK_URL", ""),
			WebhookPath:   mustEnv("WEBHOOK_PATH", "telegram"),
			WebhookSecret: mustEnv("WEBHOOK_SECRET_TOKEN", ""),
		},
		Outbound: OutboundConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 90*time.Second),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
		},
		Rate: RateConfig{
			Limit:  mustInt64("RATE_LIMIT", 120),
			Window: mustDuration("RATE_LIMIT_WINDOW", time.Hour),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Generation.Provider != "gemini" && cfg.Generation.Provider != "openai" {
		return nil, ErrInvalidProvider
	}

	keys, err := loadGenerationKeys()
	if err != nil {
		return nil, err
	}
	cfg.Generation.Keys = keys

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// loadGenerationKeys returns the ordered credential pool. The file form wins
// over the inline list so secrets can be mounted without touching the env.
func loadGenerationKeys() ([]string, error) {
	if path := mustEnv("GENERATION_API_KEYS_FILE", ""); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open GENERATION_API_KEYS_FILE: %w", err)
		}
		defer f.Close()

		var keys []string
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			keys = append(keys, line)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read GENERATION_API_KEYS_FILE: %w", err)
		}
		if len(keys) == 0 {
			return nil, ErrMissingGenKeys
		}
		return keys, nil
	}

	keys := splitList(mustEnv("GENERATION_API_KEYS", ""))
	if len(keys) == 0 {
		return nil, ErrMissingGenKeys
	}
	return keys, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required with %d master keys", len(keys))
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
