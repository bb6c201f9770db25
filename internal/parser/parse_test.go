package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentFileSegments(t *testing.T) {
	raw := "Here is the project.\n" +
		"FILE: src/App.jsx\n```jsx\nexport default function App() {}\n```\n" +
		"FILE:  styles/main.css \n```css\nbody { margin: 0; }\n```\n" +
		"FILE: README.md\n```\n# Demo\n```"

	files := ParseContent(raw)
	require.Len(t, files, 3)

	assert.Equal(t, ParsedFile{Path: "src/App.jsx", Language: "jsx", Code: "export default function App() {}"}, files[0])
	assert.Equal(t, ParsedFile{Path: "styles/main.css", Language: "css", Code: "body { margin: 0; }"}, files[1])
	assert.Equal(t, ParsedFile{Path: "README.md", Language: "text", Code: "# Demo"}, files[2])
}

func TestParseContentPlainText(t *testing.T) {
	files := ParseContent("no code here at all")
	require.Len(t, files, 1)
	assert.Equal(t, SystemMessagePath, files[0].Path)
	assert.Equal(t, "no code here at all", files[0].Code)
}

func TestParseContentSingleFence(t *testing.T) {
	files := ParseContent("Try this:\n```python\nprint('hi')\n```\nThanks")
	require.Len(t, files, 1)
	assert.Equal(t, CodePath, files[0].Path)
	assert.Equal(t, "python", files[0].Language)
	assert.Equal(t, "print('hi')", files[0].Code)
}

func TestParseContentSeveralFencesWithoutMarker(t *testing.T) {
	files := ParseContent("```go\na\n```\nand\n```go\nb\n```")
	assert.Empty(t, files)
}

func TestParseContentSegmentWithoutFence(t *testing.T) {
	files := ParseContent("FILE: notes.txt\nuse `npm start` to run")
	require.Len(t, files, 1)
	assert.Equal(t, "notes.txt", files[0].Path)
	assert.Equal(t, "text", files[0].Language)
	assert.Equal(t, "use npm start to run", files[0].Code)
}

func TestParseContentMalformedNeverPanics(t *testing.T) {
	inputs := []string{
		"",
		"FILE:",
		"FILE:\n```",
		"```unterminated\ncode",
		"FILE: a\n```js\nconst s = \"FILE: b\"\n```",
		"``````",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { ParseContent(in) }, "input %q", in)
	}
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "x := 1", StripFences("```go\nx := 1\n```"))
	assert.Equal(t, "plain", StripFences("  plain \n"))
	assert.Equal(t, "body", StripFences("```css\nbody"))
}

func TestBundleParsesBack(t *testing.T) {
	files := []ParsedFile{
		{Path: "a.go", Language: "go", Code: "package a"},
		{Path: "b.ts", Language: "ts", Code: "export const b = 1"},
	}
	assert.Equal(t, files, ParseContent(Bundle(files)))
}
