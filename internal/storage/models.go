package storage

import (
	"strings"
	"time"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type Part struct {
	Text string `json:"text"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Parts          []Part    `json:"parts"`
	ImageURL       *string   `json:"image_url,omitempty"`
	Code           *string   `json:"code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Text joins all text parts of the message.
func (m Message) Text() string {
	if len(m.Parts) == 1 {
		return m.Parts[0].Text
	}
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n")
}

type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Gender    string    `json:"gender"`
	UpdatedAt time.Time `json:"updated_at"`
}

type UserConfig struct {
	UserID          string    `json:"user_id"`
	AICreativity    float64   `json:"ai_creativity"`
	AutoSave        bool      `json:"auto_save"`
	SoundEffects    bool      `json:"sound_effects"`
	Notifications   bool      `json:"notifications"`
	StreamResponse  bool      `json:"stream_response"`
	Language        string    `json:"language"`
	ResponseStyle   string    `json:"response_style"`
	PrivacyLevel    string    `json:"privacy_level"`
	CodeDetailLevel string    `json:"code_detail_level"`
	ResponseLength  string    `json:"response_length"`
	ThemePreference string    `json:"theme_preference"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefaultUserConfig is what a user without a stored row gets.
func DefaultUserConfig(userID string) UserConfig {
	return UserConfig{
		UserID:          userID,
		AICreativity:    0.7,
		AutoSave:        true,
		SoundEffects:    true,
		Notifications:   true,
		StreamResponse:  true,
		Language:        "en",
		ResponseStyle:   "balanced",
		PrivacyLevel:    "standard",
		CodeDetailLevel: "standard",
		ResponseLength:  "medium",
		ThemePreference: "dark",
	}
}

type UserAPIKey struct {
	UserID    string
	EncAPIKey string
	UpdatedAt time.Time
}
