// Package highlight renders parsed code files as class-annotated HTML for
// the code canvas.
package highlight

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"chatdesk/internal/parser"
)

const styleName = "github"

type HighlightedFile struct {
	parser.ParsedFile
	Lexer string `json:"lexer"`
	HTML  string `json:"html"`
}

var formatter = html.New(html.WithClasses(true), html.TabWidth(4))

// Render highlights every file. A file that fails to tokenise keeps its raw
// code, HTML-escaped, so the canvas always has something to show.
func Render(files []parser.ParsedFile) []HighlightedFile {
	out := make([]HighlightedFile, 0, len(files))
	for _, f := range files {
		lexer := lexerFor(f)
		out = append(out, HighlightedFile{
			ParsedFile: f,
			Lexer:      lexer.Config().Name,
			HTML:       renderHTML(lexer, f.Code),
		})
	}
	return out
}

// CSS returns the stylesheet matching the classes emitted by Render.
func CSS() string {
	var b strings.Builder
	if err := formatter.WriteCSS(&b, style()); err != nil {
		return ""
	}
	return b.String()
}

func lexerFor(f parser.ParsedFile) chroma.Lexer {
	var lexer chroma.Lexer
	if f.Language != "" && f.Language != "text" {
		lexer = lexers.Get(f.Language)
	}
	if lexer == nil && f.Path != parser.SystemMessagePath && f.Path != parser.CodePath {
		lexer = lexers.Match(f.Path)
	}
	if lexer == nil {
		lexer = lexers.Analyse(f.Code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	return chroma.Coalesce(lexer)
}

func renderHTML(lexer chroma.Lexer, code string) string {
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return escape(code)
	}
	var b strings.Builder
	if err := formatter.Format(&b, style(), iterator); err != nil {
		return escape(code)
	}
	return b.String()
}

func style() *chroma.Style {
	s := styles.Get(styleName)
	if s == nil {
		return styles.Fallback
	}
	return s
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;", "'", "&#39;")

func escape(s string) string {
	return "<pre>" + escaper.Replace(s) + "</pre>"
}
