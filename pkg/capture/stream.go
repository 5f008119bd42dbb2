package capture

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// StreamExcerptChars bounds the text kept for a stream that is neither a
// sequence of events nor one JSON document.
const StreamExcerptChars = 2000

// SummarizeStream condenses an accumulated event stream. SSE "data:" lines
// that parse as JSON count as events, as do NDJSON lines when there are at
// least two of them; a lone JSON line is treated as a plain document. Only
// the count, the last event and the last event that carried usage are kept.
func SummarizeStream(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var (
		sse       int
		ndjson    int
		last      []byte
		lastUsage []byte
	)
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		var payload []byte
		isSSE := false
		switch {
		case bytes.HasPrefix(line, []byte("data:")):
			payload = bytes.TrimSpace(line[len("data:"):])
			isSSE = true
		case bytes.HasPrefix(line, []byte("{")):
			payload = line
		default:
			continue
		}
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) || !gjson.ValidBytes(payload) {
			continue
		}

		if isSSE {
			sse++
		} else {
			ndjson++
		}
		last = payload
		if hasUsage(gjson.ParseBytes(payload)) {
			lastUsage = payload
		}
	}

	count := sse + ndjson
	if sse == 0 && ndjson < 2 {
		count = 0
	}
	if count > 0 {
		summary := map[string]any{
			"stream_events": count,
			"last_event":    decodeJSON(last),
		}
		if lastUsage != nil && !bytes.Equal(lastUsage, last) {
			summary["last_usage"] = decodeJSON(lastUsage)
		}
		return summary
	}

	if json.Valid(raw) {
		return decodeJSON(raw)
	}
	return truncateText(string(raw), StreamExcerptChars)
}

// decodeJSON keeps numbers as json.Number so integers beyond float64
// precision are stored exactly as received.
func decodeJSON(b []byte) any {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(b)
	}
	return v
}
