// Package prompt turns the user's settings and mode toggles into the system
// instruction and the history sent with every generation.
package prompt

import (
	"fmt"
	"strings"

	"chatdesk/internal/providers"
	"chatdesk/internal/storage"
)

const DefaultMaxHistory = 20

const basePersona = "You are a helpful, friendly assistant. Answer clearly and accurately."

const developerOverride = `Developer mode is on. Act as a senior software engineer.
When the answer contains code, emit every file as
FILE: <relative/path.ext>
` + "```<language>\n<complete file content>\n```" + `
Do not leave placeholders; produce complete, runnable files.`

const deepSearchOverride = "Deep-search mode is on. Research the question thoroughly, compare sources and state uncertainty explicitly."

var styleHints = map[string]string{
	"concise":   "Keep answers short and to the point.",
	"balanced":  "Balance brevity with useful detail.",
	"detailed":  "Give thorough, well-structured answers.",
	"casual":    "Use a relaxed, conversational tone.",
	"formal":    "Use a formal, professional tone.",
	"technical": "Prefer precise technical language.",
}

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"ru": "Russian",
	"ja": "Japanese",
	"zh": "Chinese",
	"ar": "Arabic",
	"hi": "Hindi",
}

type Input struct {
	Config        storage.UserConfig
	UserName      string
	DeveloperMode bool
	DeepSearch    bool
	History       []storage.Message
}

type Composed struct {
	SystemInstruction string
	History           []providers.Message
}

type Composer struct {
	maxHistory int
}

func NewComposer(maxHistory int) *Composer {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Composer{maxHistory: maxHistory}
}

func (c *Composer) Compose(in Input) Composed {
	parts := []string{basePersona}
	if name := strings.TrimSpace(in.UserName); name != "" {
		parts = append(parts, fmt.Sprintf("The user's name is %s.", name))
	}
	if lang := in.Config.Language; lang != "" && lang != "en" {
		name := languageNames[lang]
		if name == "" {
			name = lang
		}
		parts = append(parts, fmt.Sprintf("Reply in %s unless asked otherwise.", name))
	}
	if hint, ok := styleHints[in.Config.ResponseStyle]; ok {
		parts = append(parts, hint)
	}
	if in.DeveloperMode {
		parts = append(parts, developerOverride)
	}
	if in.DeepSearch {
		parts = append(parts, deepSearchOverride)
	}

	return Composed{
		SystemInstruction: strings.Join(parts, "\n\n"),
		History:           c.history(in.History),
	}
}

func (c *Composer) history(msgs []storage.Message) []providers.Message {
	if len(msgs) > c.maxHistory {
		msgs = msgs[len(msgs)-c.maxHistory:]
	}
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		role := providers.RoleUser
		if m.Role == storage.RoleModel {
			role = providers.RoleModel
		}
		out = append(out, providers.Message{Role: role, Text: text})
	}
	return out
}
