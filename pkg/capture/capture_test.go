package capture

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"api.anthropic.com", "anthropic"},
		{"API.OpenAI.com:443", "openai"},
		{"myres.openai.azure.com", "azure-openai"},
		{"generativelanguage.googleapis.com", "google"},
		{"openrouter.ai", "openrouter"},
		{"api.groq.com", "groq"},
		{"api.mistral.ai", "mistral"},
		{"example.com", ProviderOther},
		{"", ProviderOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectProvider(tt.host), tt.host)
	}
}

func TestLooksLikeLLM(t *testing.T) {
	assert.True(t, LooksLikeLLM([]byte(`{"model":"x","messages":[]}`)))
	assert.True(t, LooksLikeLLM([]byte(`{"prompt":"hi"}`)))
	assert.True(t, LooksLikeLLM([]byte(`{"contents":[{"parts":[]}]}`)))
	assert.False(t, LooksLikeLLM([]byte(`{"user":"bob"}`)))
	assert.False(t, LooksLikeLLM([]byte(`["messages"]`)))
	assert.False(t, LooksLikeLLM([]byte(`model=x`)))
	assert.False(t, LooksLikeLLM(nil))
}

func TestIsStreamingRequest(t *testing.T) {
	assert.True(t, IsStreamingRequest([]byte(`{"model":"m","stream":true}`)))
	assert.False(t, IsStreamingRequest([]byte(`{"model":"m","stream":false}`)))
	assert.False(t, IsStreamingRequest([]byte(`{"model":"m","stream":"true"}`)))
	assert.False(t, IsStreamingRequest([]byte(`{"model":"m"}`)))
	assert.False(t, IsStreamingRequest([]byte(`stream=true`)))
}

func TestExtractUsage(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		doc      string
		in, out  int
	}{
		{"openai", "openai", `{"usage":{"prompt_tokens":10,"completion_tokens":5}}`, 10, 5},
		{"openai responses api", "openai", `{"usage":{"input_tokens":4,"output_tokens":2}}`, 4, 2},
		{"anthropic", "anthropic", `{"usage":{"input_tokens":12,"output_tokens":30}}`, 12, 30},
		{"anthropic message envelope", "anthropic", `{"type":"message_start","message":{"usage":{"input_tokens":25,"output_tokens":1}}}`, 25, 1},
		{"google", "google", `{"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":3}}`, 8, 3},
		{"generic fallback", ProviderOther, `{"usage":{"prompt_tokens":2,"completion_tokens":1}}`, 2, 1},
		{"stream summary", "anthropic", `{"stream_events":3,"last_event":{"usage":{"output_tokens":7}}}`, 0, 7},
		{"last usage event", "anthropic", `{"stream_events":4,"last_event":{"type":"message_stop"},"last_usage":{"usage":{"output_tokens":9}}}`, 0, 9},
		{"no usage", "openai", `{"id":"x"}`, 0, 0},
		{"not json", "openai", `oops`, 0, 0},
		{"array", "openai", `[1,2]`, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, out := ExtractUsage(tt.provider, []byte(tt.doc))
			assert.Equal(t, tt.in, in)
			assert.Equal(t, tt.out, out)
		})
	}
}

func TestSummarizeStream(t *testing.T) {
	t.Run("server-sent events", func(t *testing.T) {
		raw := "event: message_start\ndata: {\"type\":\"a\"}\n\ndata: {\"type\":\"b\"}\n\ndata: {\"usage\":{\"output_tokens\":7}}\n\ndata: [DONE]\n\n"
		summary, ok := SummarizeStream([]byte(raw)).(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 3, summary["stream_events"])
		assert.Equal(t, map[string]any{"usage": map[string]any{"output_tokens": json.Number("7")}}, summary["last_event"])
		assert.NotContains(t, summary, "last_usage")
	})

	t.Run("keeps last usage-bearing event", func(t *testing.T) {
		raw := "data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":9}}\n\ndata: {\"type\":\"message_stop\"}\n\n"
		summary := SummarizeStream([]byte(raw)).(map[string]any)
		assert.Equal(t, 2, summary["stream_events"])
		assert.Equal(t, map[string]any{"type": "message_stop"}, summary["last_event"])
		assert.Equal(t, "message_delta", summary["last_usage"].(map[string]any)["type"])
	})

	t.Run("ndjson", func(t *testing.T) {
		raw := "{\"response\":\"he\"}\n{\"response\":\"llo\",\"done\":true}\n"
		summary := SummarizeStream([]byte(raw)).(map[string]any)
		assert.Equal(t, 2, summary["stream_events"])
	})

	t.Run("single json document", func(t *testing.T) {
		got := SummarizeStream([]byte("{\n  \"a\": 1\n}"))
		assert.Equal(t, map[string]any{"a": json.Number("1")}, got)
	})

	t.Run("single json line is a document", func(t *testing.T) {
		got := SummarizeStream([]byte(`{"error":{"type":"overloaded_error","message":"Overloaded"}}` + "\n"))
		doc, ok := got.(map[string]any)
		require.True(t, ok)
		assert.NotContains(t, doc, "stream_events")
		assert.Equal(t, "overloaded_error", doc["error"].(map[string]any)["type"])
	})

	t.Run("text excerpt", func(t *testing.T) {
		got := SummarizeStream([]byte(strings.Repeat("x", 5000)))
		assert.Len(t, got, StreamExcerptChars)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, SummarizeStream([]byte("  \n")))
	})
}

func TestBuildNonStreaming(t *testing.T) {
	rec := Build(Exchange{
		Provider: "openai",
		Method:   http.MethodPost,
		Path:     "/v1/chat/completions",
		RequestHeaders: http.Header{
			"Content-Type": {"application/json"},
			"Connection":   {"keep-alive, X-Drop"},
			"X-Drop":       {"1"},
			"Accept":       {"a", "b"},
		},
		RequestBody:  []byte(`{"model":"gpt","seed":12345678901234567890,"temperature":0.7}`),
		Status:       200,
		ResponseBody: []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`),
	}, 0)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 10, rec.TokensIn)
	assert.Equal(t, 5, rec.TokensOut)
	assert.Equal(t, 200, rec.ResponseStatus)
	assert.False(t, rec.Streaming)
	assert.Equal(t, map[string]any{
		"model":       "gpt",
		"seed":        json.Number("12345678901234567890"),
		"temperature": json.Number("0.7"),
	}, rec.RequestBody)
	stored, err := json.Marshal(rec.RequestBody)
	require.NoError(t, err)
	assert.Contains(t, string(stored), `"seed":12345678901234567890`)
	assert.Equal(t, map[string]string{"content-type": "application/json", "accept": "a, b"}, rec.RequestHeaders)
	assert.Zero(t, rec.Timestamp.Nanosecond()%1e6)
}

func TestBuildStreaming(t *testing.T) {
	body := "data: {\"type\":\"a\"}\n\ndata: {\"type\":\"b\"}\n\ndata: {\"usage\":{\"output_tokens\":7}}\n\n"
	rec := Build(Exchange{
		Provider:     "anthropic",
		RequestBody:  []byte(`{"stream":true}`),
		Status:       200,
		ResponseBody: []byte(body),
		Streaming:    true,
	}, 0)

	assert.True(t, rec.Streaming)
	assert.Equal(t, 7, rec.TokensOut)
	assert.Equal(t, 3, rec.ResponseBody.(map[string]any)["stream_events"])
}

func TestBuildTruncatesTextBodies(t *testing.T) {
	rec := Build(Exchange{RequestBody: []byte(strings.Repeat("é", 50))}, 10)
	assert.Equal(t, strings.Repeat("é", 10), rec.RequestBody)
	assert.Equal(t, ProviderOther, rec.Provider)
	assert.Nil(t, rec.ResponseBody)
}
