// Package chat runs one exchange end to end: settings, conversation
// bookkeeping, routing to the right backend and persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"chatdesk/internal/deepsearch"
	"chatdesk/internal/generation"
	"chatdesk/internal/imagegen"
	"chatdesk/internal/parser"
	"chatdesk/internal/prompt"
	"chatdesk/internal/providers"
	"chatdesk/internal/storage"
)

var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrInvalid marks input the caller has to fix.
	ErrInvalid = errors.New("invalid input")
	// ErrUpstream wraps failures of the model, search or image services.
	ErrUpstream = errors.New("upstream service failed")
	// ErrDisabled is returned for features whose backend is not configured.
	ErrDisabled = errors.New("feature is not enabled")
)

const imageCommand = "/image"

var (
	_ Store          = (*storage.Store)(nil)
	_ Generator      = (*generation.Client)(nil)
	_ Searcher       = (*deepsearch.Client)(nil)
	_ ImageGenerator = (*imagegen.Client)(nil)
)

// Store is the persistence the service needs; *storage.Store implements it.
type Store interface {
	CreateConversation(ctx context.Context, c storage.Conversation) (storage.Conversation, error)
	GetConversation(ctx context.Context, userID, id string) (storage.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit uint64) ([]storage.Conversation, error)
	RenameConversation(ctx context.Context, userID, id, title string) error
	DeleteConversation(ctx context.Context, userID, id string) error
	AppendMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]storage.Message, error)
	GetMessage(ctx context.Context, userID string, id int64) (storage.Message, error)
	GetProfile(ctx context.Context, id string) (storage.Profile, error)
	UpsertProfile(ctx context.Context, p storage.Profile) error
	GetUserConfig(ctx context.Context, userID string) (storage.UserConfig, error)
	UpsertUserConfig(ctx context.Context, c storage.UserConfig) error
	SetUserAPIKey(ctx context.Context, userID, encAPIKey string) error
	GetUserAPIKey(ctx context.Context, userID string) (storage.UserAPIKey, error)
	DeleteUserAPIKey(ctx context.Context, userID string) error
}

type Generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Response, error)
	GenerateStream(ctx context.Context, req generation.Request, onChunk func(string)) (generation.Response, error)
}

type Searcher interface {
	Enabled() bool
	Search(ctx context.Context, query string, history []providers.Message) (string, error)
}

type ImageGenerator interface {
	Enabled() bool
	Generate(ctx context.Context, req imagegen.ImageRequest) ([]imagegen.Image, error)
}

// Vault seals personal API keys; *crypto.Manager implements it.
type Vault interface {
	Seal(value, scope string) (string, error)
	Open(raw, scope string) (string, error)
}

type Config struct {
	Store     Store
	Generator Generator
	Search    Searcher
	Images    ImageGenerator
	Vault     Vault
	Composer  *prompt.Composer
	Projects  ProjectQueue
	// RevealSpeed is the per-step jitter, in milliseconds, used when a
	// finished answer is played back over a stream.
	RevealSpeed int
	Logger      zerolog.Logger
}

type Service struct {
	store       Store
	gen         Generator
	search      Searcher
	images      ImageGenerator
	vault       Vault
	composer    *prompt.Composer
	projects    ProjectQueue
	revealSpeed int
	logger      zerolog.Logger
}

func New(cfg Config) *Service {
	composer := cfg.Composer
	if composer == nil {
		composer = prompt.NewComposer(0)
	}
	speed := cfg.RevealSpeed
	if speed <= 0 {
		speed = 12
	}
	return &Service{
		store:       cfg.Store,
		gen:         cfg.Generator,
		search:      cfg.Search,
		images:      cfg.Images,
		vault:       cfg.Vault,
		composer:    composer,
		projects:    cfg.Projects,
		revealSpeed: speed,
		logger:      cfg.Logger.With().Str("component", "chat").Logger(),
	}
}

type SendInput struct {
	UserID         string
	ConversationID string
	Prompt         string
	DeveloperMode  bool
	DeepSearch     bool
	ImageMode      bool
	Attachment     *providers.InlineData
	// Placeholder answers with the canned fallback instead of failing when
	// every credential is exhausted.
	Placeholder bool
}

type SendResult struct {
	Conversation storage.Conversation `json:"conversation"`
	UserMessage  storage.Message      `json:"user_message"`
	ModelMessage storage.Message      `json:"model_message"`
	Files        []parser.ParsedFile  `json:"files,omitempty"`
	Persisted    bool                 `json:"persisted"`
	FellBack     bool                 `json:"fell_back,omitempty"`
}

// exchange is the state shared by Send and SendStream between the
// preparation and the completion steps.
type exchange struct {
	in       SendInput
	cfg      storage.UserConfig
	conv     storage.Conversation
	persist  bool
	userMsg  storage.Message
	composed prompt.Composed
	request  generation.Request
	route    route
}

type route int

const (
	routeGenerate route = iota
	routeSearch
	routeImage
)

// Send runs one exchange and returns both messages.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	ex, err := s.prepare(ctx, in)
	if err != nil {
		return SendResult{}, err
	}

	var text, imageURL string
	var fellBack bool
	switch ex.route {
	case routeImage:
		text, imageURL, err = s.generateImage(ctx, ex)
	case routeSearch:
		text, err = s.search.Search(ctx, ex.request.Prompt, ex.composed.History)
	default:
		var resp generation.Response
		resp, err = s.gen.Generate(ctx, ex.request)
		text = resp.Text
	}
	if err != nil {
		text, fellBack, err = s.fallback(ex, err)
		if err != nil {
			return SendResult{}, err
		}
	}
	return s.complete(ctx, ex, text, imageURL, fellBack)
}

func (s *Service) prepare(ctx context.Context, in SendInput) (*exchange, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is empty", ErrInvalid)
	}
	in.Prompt = strings.TrimSpace(in.Prompt)
	r := s.pickRoute(&in)
	if in.Prompt == "" && (in.Attachment == nil || r == routeImage) {
		return nil, ErrEmptyPrompt
	}

	cfg, err := s.store.GetUserConfig(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user config: %w", err)
	}
	ex := &exchange{in: in, cfg: cfg, persist: cfg.AutoSave, route: r}

	var history []storage.Message
	if in.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, in.UserID, in.ConversationID)
		if err != nil {
			return nil, err
		}
		ex.conv = conv
		history, err = s.store.ListMessages(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	} else {
		ex.conv = storage.Conversation{UserID: in.UserID, Title: storage.TitleFromPrompt(in.Prompt)}
		if ex.persist {
			ex.conv, err = s.store.CreateConversation(ctx, ex.conv)
			if err != nil {
				return nil, fmt.Errorf("start conversation: %w", err)
			}
		}
	}

	var userName string
	if p, err := s.store.GetProfile(ctx, in.UserID); err == nil {
		userName = p.Name
	}

	ex.composed = s.composer.Compose(prompt.Input{
		Config:        cfg,
		UserName:      userName,
		DeveloperMode: in.DeveloperMode,
		DeepSearch:    in.DeepSearch,
		History:       history,
	})
	ex.request = generation.Request{
		Prompt:            in.Prompt,
		SystemInstruction: ex.composed.SystemInstruction,
		History:           ex.composed.History,
		Attachment:        in.Attachment,
		Params:            generation.ParamsFor(cfg.ResponseLength, cfg.CodeDetailLevel, cfg.AICreativity),
		PersonalKey:       s.personalKey(ctx, in.UserID),
	}
	if ex.request.Prompt == "" {
		ex.request.Prompt = "Describe the attached file."
	}

	ex.userMsg = storage.Message{
		ConversationID: ex.conv.ID,
		Role:           storage.RoleUser,
		Parts:          []storage.Part{{Text: in.Prompt}},
	}
	if ex.persist {
		ex.userMsg, err = s.store.AppendMessage(ctx, ex.userMsg)
		if err != nil {
			return nil, fmt.Errorf("save user message: %w", err)
		}
	}
	return ex, nil
}

// pickRoute strips the image command from the prompt when present.
func (s *Service) pickRoute(in *SendInput) route {
	if rest, ok := strings.CutPrefix(in.Prompt, imageCommand); ok && (rest == "" || rest[0] == ' ') {
		in.Prompt = strings.TrimSpace(rest)
		in.ImageMode = true
	}
	if in.ImageMode && s.images != nil && s.images.Enabled() {
		return routeImage
	}
	if in.DeepSearch && s.search != nil && s.search.Enabled() {
		return routeSearch
	}
	return routeGenerate
}

func (s *Service) generateImage(ctx context.Context, ex *exchange) (text, url string, err error) {
	imgs, err := s.images.Generate(ctx, imagegen.ImageRequest{Prompt: ex.in.Prompt})
	if err != nil {
		return "", "", err
	}
	if len(imgs) == 0 || imgs[0].ImageURL == "" {
		return "", "", fmt.Errorf("image service returned no image")
	}
	return "Here is the image for: " + ex.in.Prompt, imgs[0].ImageURL, nil
}

// fallback turns an upstream failure into the canned answer when the caller
// asked for one.
func (s *Service) fallback(ex *exchange, err error) (string, bool, error) {
	if errors.Is(err, context.Canceled) {
		return "", false, err
	}
	s.logger.Error().Err(err).Str("user_id", ex.in.UserID).Int("route", int(ex.route)).Msg("exchange failed")
	if ex.in.Placeholder && ex.route == routeGenerate {
		return generation.FallbackResponse, true, nil
	}
	return "", false, fmt.Errorf("%w: %w", ErrUpstream, err)
}

func (s *Service) complete(ctx context.Context, ex *exchange, text, imageURL string, fellBack bool) (SendResult, error) {
	files := parser.ParseContent(text)
	model := storage.Message{
		ConversationID: ex.conv.ID,
		Role:           storage.RoleModel,
		Parts:          []storage.Part{{Text: text}},
	}
	if imageURL != "" {
		model.ImageURL = &imageURL
	}
	if hasCode(files) {
		code := parser.Bundle(files)
		model.Code = &code
	}
	if ex.persist {
		var err error
		model, err = s.store.AppendMessage(ctx, model)
		if err != nil {
			return SendResult{}, fmt.Errorf("save model message: %w", err)
		}
	}

	return SendResult{
		Conversation: ex.conv,
		UserMessage:  ex.userMsg,
		ModelMessage: model,
		Files:        files,
		Persisted:    ex.persist,
		FellBack:     fellBack,
	}, nil
}

func hasCode(files []parser.ParsedFile) bool {
	for _, f := range files {
		if f.Path != parser.SystemMessagePath {
			return true
		}
	}
	return false
}

// personalKey returns the user's own key, or "" when none is stored or it
// cannot be opened.
func (s *Service) personalKey(ctx context.Context, userID string) string {
	if s.vault == nil {
		return ""
	}
	k, err := s.store.GetUserAPIKey(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("load personal key failed")
		}
		return ""
	}
	plain, err := s.vault.Open(k.EncAPIKey, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("open personal key failed")
		return ""
	}
	return plain
}

func (s *Service) SetAPIKey(ctx context.Context, userID, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return fmt.Errorf("%w: api key is empty", ErrInvalid)
	}
	if s.vault == nil {
		return fmt.Errorf("%w: personal keys", ErrDisabled)
	}
	sealed, err := s.vault.Seal(apiKey, userID)
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	return s.store.SetUserAPIKey(ctx, userID, sealed)
}

func (s *Service) DeleteAPIKey(ctx context.Context, userID string) error {
	return s.store.DeleteUserAPIKey(ctx, userID)
}

func (s *Service) HasAPIKey(ctx context.Context, userID string) (bool, error) {
	_, err := s.store.GetUserAPIKey(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
