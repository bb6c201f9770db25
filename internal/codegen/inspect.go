package codegen

import (
	"path"
	"regexp"
	"strings"
)

var (
	undefinedRe = regexp.MustCompile(`\bundefined\b`)
	todoRe      = regexp.MustCompile(`\b(TODO|FIXME)\b`)
	exportRe    = regexp.MustCompile(`\bexport\b|module\.exports`)
)

var moduleExts = map[string]bool{".js": true, ".jsx": true, ".ts": true, ".tsx": true}

// Inspect runs cheap pattern checks over generated content. The findings
// are advisory.
func Inspect(name, content string) []string {
	if strings.TrimSpace(content) == "" {
		return []string{"file is empty"}
	}

	var issues []string
	if undefinedRe.MatchString(content) {
		issues = append(issues, "mentions undefined")
	}
	ext := strings.ToLower(path.Ext(name))
	if moduleExts[ext] && !exportRe.MatchString(content) && !isEntryPoint(name) {
		issues = append(issues, "no export found")
	}
	if todoRe.MatchString(content) {
		issues = append(issues, "contains TODO markers")
	}
	if ext != ".md" && strings.Count(content, "{") != strings.Count(content, "}") {
		issues = append(issues, "unbalanced braces")
	}
	return issues
}

func isEntryPoint(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(base, "index.") && strings.Contains(name, "server/")
}
