// Package codegen generates multi-file projects by fanning prompts out to
// the generation client in priority tiers.
package codegen

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatdesk/internal/generation"
	"chatdesk/internal/parser"
)

// TextGenerator is the part of generation.Client the generator needs.
type TextGenerator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Response, error)
}

var taskParams = generation.Params{Temperature: 0.4, TopP: 0.95, TopK: 64, MaxOutputTokens: 8192}

var reviewParams = generation.Params{Temperature: 0.2, TopP: 0.9, TopK: 20, MaxOutputTokens: 512}

type Config struct {
	Generator TextGenerator
	Catalog   *Catalog
	// Review enables the extra "list known issues" round-trip per file.
	Review bool
	Logger zerolog.Logger
}

type File struct {
	TaskID   string   `json:"task_id"`
	Path     string   `json:"path"`
	Language string   `json:"language"`
	Content  string   `json:"content"`
	Issues   []string `json:"issues,omitempty"`
	Review   string   `json:"review,omitempty"`
}

type Result struct {
	Files    []File        `json:"files"`
	Duration time.Duration `json:"duration"`
}

// Bundle renders the result in the FILE: format the chat transcript uses.
func (r Result) Bundle() string {
	files := make([]parser.ParsedFile, 0, len(r.Files))
	for _, f := range r.Files {
		files = append(files, parser.ParsedFile{Path: f.Path, Language: f.Language, Code: f.Content})
	}
	return parser.Bundle(files)
}

type Generator struct {
	gen     TextGenerator
	catalog *Catalog
	review  bool
	logger  zerolog.Logger
}

func New(cfg Config) *Generator {
	cat := cfg.Catalog
	if cat == nil {
		cat = DefaultCatalog()
	}
	return &Generator{
		gen:     cfg.Generator,
		catalog: cat,
		review:  cfg.Review,
		logger:  cfg.Logger.With().Str("component", "codegen").Logger(),
	}
}

func (g *Generator) BuildTasks(projectType, requirements string) []Task {
	return g.catalog.BuildTasks(projectType, requirements)
}

// Run executes tasks tier by tier. Priority 1 tasks run sequentially in
// list order; every later tier runs as one parallel batch. The first
// failure cancels its batch and is returned; files keep task list order.
func (g *Generator) Run(ctx context.Context, tasks []Task) (Result, error) {
	started := time.Now()
	results := make(map[string]File, len(tasks))

	for _, tier := range tiers(tasks) {
		if tier[0].Priority == 1 {
			for _, t := range tier {
				f, err := g.runTask(ctx, t)
				if err != nil {
					return Result{}, err
				}
				results[t.ID] = f
			}
			continue
		}

		files := make([]File, len(tier))
		eg, ectx := errgroup.WithContext(ctx)
		for i, t := range tier {
			eg.Go(func() error {
				f, err := g.runTask(ectx, t)
				if err != nil {
					return err
				}
				files[i] = f
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return Result{}, err
		}
		for i, t := range tier {
			results[t.ID] = files[i]
		}
	}

	out := Result{Files: make([]File, 0, len(tasks)), Duration: time.Since(started)}
	for _, t := range tasks {
		out.Files = append(out.Files, results[t.ID])
	}
	return out, nil
}

func (g *Generator) runTask(ctx context.Context, t Task) (File, error) {
	log := g.logger.With().Str("task", t.ID).Int("priority", t.Priority).Logger()
	log.Debug().Msg("generating file")

	resp, err := g.gen.Generate(ctx, generation.Request{
		Prompt:            t.Prompt,
		SystemInstruction: g.catalog.SystemInstruction,
		Params:            taskParams,
	})
	if err != nil {
		return File{}, fmt.Errorf("generate %s: %w", t.ID, err)
	}

	name := g.catalog.FileName(t)
	f := File{
		TaskID:   t.ID,
		Path:     name,
		Language: languageForExt(path.Ext(name)),
		Content:  parser.StripFences(resp.Text),
	}
	f.Issues = Inspect(f.Path, f.Content)
	if g.review {
		f.Review = g.reviewFile(ctx, f)
	}
	log.Info().Str("path", f.Path).Int("bytes", len(f.Content)).Int("issues", len(f.Issues)).Msg("file generated")
	return f, nil
}

// reviewFile asks the model for known issues. Failures only get logged.
func (g *Generator) reviewFile(ctx context.Context, f File) string {
	prompt := "List known issues in the following file as a short bullet list, or reply \"none\".\n\n" +
		parser.Bundle([]parser.ParsedFile{{Path: f.Path, Language: f.Language, Code: f.Content}})
	resp, err := g.gen.Generate(ctx, generation.Request{Prompt: prompt, Params: reviewParams})
	if err != nil {
		g.logger.Warn().Err(err).Str("path", f.Path).Msg("file review failed")
		return ""
	}
	review := strings.TrimSpace(resp.Text)
	if strings.EqualFold(strings.Trim(review, ". "), "none") {
		return ""
	}
	return review
}

var extLanguages = map[string]string{
	".js":   "javascript",
	".jsx":  "jsx",
	".ts":   "typescript",
	".tsx":  "tsx",
	".css":  "css",
	".html": "html",
	".sql":  "sql",
	".json": "json",
	".md":   "markdown",
	".py":   "python",
	".go":   "go",
}

func languageForExt(ext string) string {
	if lang, ok := extLanguages[strings.ToLower(ext)]; ok {
		return lang
	}
	return "text"
}
