package capture

import (
	"github.com/tidwall/gjson"
)

type usagePath struct {
	in, out string
}

var (
	anthropicUsage = usagePath{"usage.input_tokens", "usage.output_tokens"}
	openaiUsage    = usagePath{"usage.prompt_tokens", "usage.completion_tokens"}
	googleUsage    = usagePath{"usageMetadata.promptTokenCount", "usageMetadata.candidatesTokenCount"}
)

var providerUsage = map[string][]usagePath{
	"anthropic":    {anthropicUsage},
	"openai":       {openaiUsage, anthropicUsage},
	"azure-openai": {openaiUsage, anthropicUsage},
	"openrouter":   {openaiUsage},
	"groq":         {openaiUsage},
	"mistral":      {openaiUsage},
	"deepseek":     {openaiUsage},
	"together":     {openaiUsage},
	"xai":          {openaiUsage},
	"google":       {googleUsage},
}

var genericUsage = []usagePath{openaiUsage, anthropicUsage, googleUsage}

// Places a usage block may sit: the document itself, a stream summary's
// last event or last usage-bearing event, and Anthropic's message envelope.
var usageRoots = []string{"", "message.", "last_event.", "last_event.message.", "last_usage.", "last_usage.message."}

// ExtractUsage reads token counts from a JSON response body or stream
// summary. Missing usage yields (0, 0).
func ExtractUsage(provider string, doc []byte) (in, out int) {
	if len(doc) == 0 || !gjson.ValidBytes(doc) {
		return 0, 0
	}
	parsed := gjson.ParseBytes(doc)
	if !parsed.IsObject() {
		return 0, 0
	}

	paths := append(append([]usagePath{}, providerUsage[provider]...), genericUsage...)
	for _, root := range usageRoots {
		for _, p := range paths {
			inRes := parsed.Get(root + p.in)
			outRes := parsed.Get(root + p.out)
			if inRes.Exists() || outRes.Exists() {
				return int(inRes.Int()), int(outRes.Int())
			}
		}
	}
	return 0, 0
}

// hasUsage reports whether a single event carries a usage block.
func hasUsage(event gjson.Result) bool {
	return event.Get("usage").Exists() ||
		event.Get("usageMetadata").Exists() ||
		event.Get("message.usage").Exists()
}
