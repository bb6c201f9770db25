// Package parser splits model responses into labelled code files.
//
// The format is a loose convention, not a grammar: a response may carry
// "FILE: <path>" markers each followed by a fenced block, a single bare
// fenced block, or plain prose. Malformed input never fails; it degrades to
// whatever the heuristics below recover.
package parser

import (
	"regexp"
	"strings"
)

const (
	// SystemMessagePath labels a response that carries no code at all.
	SystemMessagePath = "SYSTEM_MESSAGE"
	// CodePath labels a single unnamed fenced block.
	CodePath = "Code"

	fileMarker      = "FILE:"
	defaultLanguage = "text"
)

var fenceRe = regexp.MustCompile("(?s)```([\\w+#.\\-]*)[ \\t]*\\r?\\n?(.*?)```")

type ParsedFile struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ParseContent turns a raw response into zero or more files.
func ParseContent(raw string) []ParsedFile {
	hasMarker := strings.Contains(raw, fileMarker)
	fences := fenceRe.FindAllStringSubmatch(raw, -1)

	switch {
	case !hasMarker && len(fences) == 0:
		return []ParsedFile{{Path: SystemMessagePath, Language: defaultLanguage, Code: raw}}
	case hasMarker:
		return parseMarked(raw)
	case len(fences) == 1:
		return []ParsedFile{{
			Path:     CodePath,
			Language: languageOr(fences[0][1]),
			Code:     strings.TrimSpace(fences[0][2]),
		}}
	default:
		return []ParsedFile{}
	}
}

func parseMarked(raw string) []ParsedFile {
	segments := strings.Split(raw, fileMarker)
	out := make([]ParsedFile, 0, len(segments)-1)
	// Text before the first marker is preamble, not a file.
	for _, seg := range segments[1:] {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		path, rest, _ := strings.Cut(seg, "\n")
		f := ParsedFile{Path: strings.TrimSpace(path), Language: defaultLanguage}

		if m := fenceRe.FindStringSubmatch(rest); m != nil {
			f.Language = languageOr(m[1])
			f.Code = strings.TrimSpace(m[2])
		} else {
			f.Code = strings.TrimSpace(strings.ReplaceAll(rest, "`", ""))
		}
		out = append(out, f)
	}
	return out
}

// StripFences removes a wrapping markdown fence, returning the inner code.
// Text without a fence is returned trimmed.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[2])
	}
	// Unterminated fence: drop the opening line.
	_, rest, _ := strings.Cut(trimmed, "\n")
	return strings.TrimSpace(rest)
}

// Bundle renders files back into the FILE: convention understood by
// ParseContent.
func Bundle(files []ParsedFile) string {
	var b strings.Builder
	for i, f := range files {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(fileMarker)
		b.WriteString(" ")
		b.WriteString(f.Path)
		b.WriteString("\n```")
		b.WriteString(f.Language)
		b.WriteString("\n")
		b.WriteString(f.Code)
		b.WriteString("\n```")
	}
	return b.String()
}

func languageOr(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return defaultLanguage
	}
	return strings.ToLower(lang)
}
