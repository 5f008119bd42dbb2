package capture

import (
	"net"
	"strings"

	"github.com/tidwall/gjson"
)

// ProviderOther tags exchanges whose destination is not in the table.
const ProviderOther = "other"

// hostTable is matched in order; the first substring found wins.
var hostTable = []struct {
	substr   string
	provider string
}{
	{"anthropic.com", "anthropic"},
	{"openai.azure.com", "azure-openai"},
	{"openai.com", "openai"},
	{"generativelanguage.googleapis.com", "google"},
	{"aiplatform.googleapis.com", "google"},
	{"openrouter.ai", "openrouter"},
	{"groq.com", "groq"},
	{"mistral.ai", "mistral"},
	{"cohere.", "cohere"},
	{"together.xyz", "together"},
	{"deepseek.com", "deepseek"},
	{"api.x.ai", "xai"},
}

// DetectProvider maps a destination host to a provider tag.
func DetectProvider(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return ProviderOther
	}
	for _, entry := range hostTable {
		if strings.Contains(host, entry.substr) {
			return entry.provider
		}
	}
	return ProviderOther
}

var llmFields = []string{"messages", "model", "prompt", "contents", "input", "system"}

// LooksLikeLLM reports whether a request body is a JSON object carrying any
// of the fields model APIs share.
func LooksLikeLLM(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return false
	}
	for _, f := range llmFields {
		if doc.Get(f).Exists() {
			return true
		}
	}
	return false
}

// IsStreamingRequest reports whether the request body asks for a streamed
// response with an explicit "stream": true.
func IsStreamingRequest(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	doc := gjson.ParseBytes(body)
	return doc.IsObject() && doc.Get("stream").Type == gjson.True
}
