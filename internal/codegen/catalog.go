package codegen

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed tasks.yaml
var defaultCatalog []byte

// Task is one file to generate.
type Task struct {
	ID       string `yaml:"id"`
	Priority int    `yaml:"priority"`
	Prompt   string `yaml:"prompt"`
	Ext      string `yaml:"ext"`
}

type taskSet struct {
	Keywords []string `yaml:"keywords"`
	Tasks    []Task   `yaml:"tasks"`
}

// Catalog holds the hand-written task lists and the file name table.
type Catalog struct {
	SystemInstruction string            `yaml:"system_instruction"`
	Social            taskSet           `yaml:"social"`
	Generic           taskSet           `yaml:"generic"`
	Filenames         map[string]string `yaml:"filenames"`
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse task catalog: %w", err)
	}
	if len(c.Generic.Tasks) == 0 {
		return nil, fmt.Errorf("task catalog has no generic tasks")
	}
	for _, set := range []taskSet{c.Social, c.Generic} {
		for _, t := range set.Tasks {
			if t.ID == "" || t.Prompt == "" {
				return nil, fmt.Errorf("task catalog entry is missing id or prompt")
			}
			if t.Priority < 1 || t.Priority > 3 {
				return nil, fmt.Errorf("task %q has priority %d, want 1..3", t.ID, t.Priority)
			}
		}
	}
	return &c, nil
}

// DefaultCatalog is the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// BuildTasks picks the social list when projectType names a social or
// Instagram-like app and the generic list otherwise, filling in prompts.
func (c *Catalog) BuildTasks(projectType, requirements string) []Task {
	set := c.Generic
	lower := strings.ToLower(projectType)
	for _, kw := range c.Social.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			set = c.Social
			break
		}
	}

	project := strings.TrimSpace(projectType)
	if project == "" {
		project = "web application"
	}
	reqs := strings.TrimSpace(requirements)
	if reqs == "" {
		reqs = "none beyond the usual best practices"
	}
	r := strings.NewReplacer("{project}", project, "{requirements}", reqs)

	out := make([]Task, len(set.Tasks))
	for i, t := range set.Tasks {
		t.Prompt = r.Replace(t.Prompt)
		out[i] = t
	}
	return out
}

// FileName maps a task to its output path.
func (c *Catalog) FileName(t Task) string {
	if name, ok := c.Filenames[t.ID]; ok {
		return name
	}
	ext := t.Ext
	if ext == "" {
		ext = "txt"
	}
	return fmt.Sprintf("generated/%s.%s", t.ID, ext)
}

// tiers groups tasks by priority, lowest first, keeping list order inside a
// tier.
func tiers(tasks []Task) [][]Task {
	byPriority := map[int][]Task{}
	for _, t := range tasks {
		byPriority[t.Priority] = append(byPriority[t.Priority], t)
	}
	keys := make([]int, 0, len(byPriority))
	for p := range byPriority {
		keys = append(keys, p)
	}
	sort.Ints(keys)
	out := make([][]Task, 0, len(keys))
	for _, p := range keys {
		out = append(out, byPriority[p])
	}
	return out
}
