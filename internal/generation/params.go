package generation

import "strings"

type Params struct {
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
}

// DefaultParams match the "medium"/"standard" presets at 0.7 creativity.
var DefaultParams = Params{Temperature: 0.7, TopP: 0.95, TopK: 40, MaxOutputTokens: 4096}

var lengthTokens = map[string]int{
	"short":    1024,
	"medium":   4096,
	"long":     8192,
	"detailed": 8192,
}

var detailTopK = map[string]int{
	"basic":    20,
	"standard": 40,
	"detailed": 64,
	"expert":   64,
}

// ParamsFor maps the user's named presets onto generation parameters.
// creativity is 0..1; values above 1 are read as a percentage. Unknown
// preset names keep the defaults.
func ParamsFor(responseLength, codeDetail string, creativity float64) Params {
	p := DefaultParams
	if n, ok := lengthTokens[strings.ToLower(strings.TrimSpace(responseLength))]; ok {
		p.MaxOutputTokens = n
	}
	if k, ok := detailTopK[strings.ToLower(strings.TrimSpace(codeDetail))]; ok {
		p.TopK = k
	}
	if creativity > 1 {
		creativity /= 100
	}
	if creativity > 0 {
		p.Temperature = min(creativity, 1)
	}
	return p
}

// FallbackResponse is the canned answer shown when no credential works and
// the caller prefers a placeholder over an error.
const FallbackResponse = "I couldn't reach the AI service right now. Here is a starting point you can run while I retry:\n\n" +
	"```javascript\n" +
	"function greet(name) {\n" +
	"  return `Hello, ${name}!`;\n" +
	"}\n\n" +
	"console.log(greet('World'));\n" +
	"```"
