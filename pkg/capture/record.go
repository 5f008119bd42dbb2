package capture

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/elimaine/clawfactory-sub000/pkg/storage"
)

const (
	DefaultMaxBodyChars = 10000

	SourceRelay = "relay"
	SourceHook  = "hook"
)

// hopHeaders are never recorded or relayed.
var hopHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopHeaders removes hop-by-hop fields, including those named in
// Connection, from h in place.
func StripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Exchange is one completed request/response pair, however it was acquired.
type Exchange struct {
	ID     string
	Start  time.Time
	Source string

	Provider string
	Method   string
	URL      string
	Path     string

	RequestHeaders http.Header
	RequestBody    []byte

	Status          int
	ResponseHeaders http.Header
	ResponseBody    []byte
	Streaming       bool

	Duration time.Duration
	Err      string
}

// Build turns an exchange into an unredacted record. Bodies are decoded
// when they are JSON and kept as bounded text otherwise; streamed bodies
// are replaced by their summary.
func Build(ex Exchange, maxBodyChars int) *storage.Record {
	if maxBodyChars <= 0 {
		maxBodyChars = DefaultMaxBodyChars
	}
	id := ex.ID
	if id == "" {
		id = uuid.NewString()
	}
	start := ex.Start
	if start.IsZero() {
		start = time.Now()
	}
	provider := ex.Provider
	if provider == "" {
		provider = ProviderOther
	}

	rec := &storage.Record{
		ID:              id,
		Timestamp:       start.UTC().Truncate(time.Millisecond),
		Provider:        provider,
		Source:          ex.Source,
		Method:          ex.Method,
		Path:            ex.Path,
		URL:             ex.URL,
		RequestHeaders:  flattenHeaders(ex.RequestHeaders),
		RequestBody:     decodeBody(ex.RequestBody, maxBodyChars),
		ResponseStatus:  ex.Status,
		ResponseHeaders: flattenHeaders(ex.ResponseHeaders),
		DurationMs:      ex.Duration.Milliseconds(),
		Streaming:       ex.Streaming,
		Error:           ex.Err,
	}

	usageDoc := ex.ResponseBody
	if ex.Streaming {
		summary := SummarizeStream(ex.ResponseBody)
		rec.ResponseBody = summary
		usageDoc, _ = json.Marshal(summary)
	} else {
		rec.ResponseBody = decodeBody(ex.ResponseBody, maxBodyChars)
	}
	rec.TokensIn, rec.TokensOut = ExtractUsage(provider, usageDoc)
	return rec
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	clean := h.Clone()
	StripHopHeaders(clean)
	out := make(map[string]string, len(clean))
	for k, v := range clean {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

func decodeBody(b []byte, maxChars int) any {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return decodeJSON(b)
	}
	return truncateText(string(b), maxChars)
}

func truncateText(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	r := []rune(s)
	return string(r[:maxChars])
}
