package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elimaine/clawfactory-sub000/pkg/storage"
)

var (
	ErrInvalidExchange = errors.New("invalid exchange")
	ErrNotModelCall    = errors.New("exchange does not look like a model API call")
)

// HookRequest and HookResponse are the halves of an exchange reported by an
// external interception layer.
type HookRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type HookResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HookExchange is a completed request/response pair fed to the hook.
type HookExchange struct {
	Request    HookRequest  `json:"request"`
	Response   HookResponse `json:"response"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMs int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
}

// Hook records exchanges it did not relay itself.
type Hook struct {
	recorder *Recorder
}

func NewHook(recorder *Recorder) *Hook {
	return &Hook{recorder: recorder}
}

// Ingest classifies and records one exchange. Exchanges to unknown hosts
// are kept only when the request body looks like a model call. A nil record
// with a nil error means capture is disabled or the write failed.
func (h *Hook) Ingest(ctx context.Context, in HookExchange) (*storage.Record, error) {
	u, err := url.Parse(in.Request.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidExchange, in.Request.URL)
	}

	body := []byte(in.Request.Body)
	provider := DetectProvider(u.Host)
	if provider == ProviderOther && !LooksLikeLLM(body) {
		hookIgnored.Inc()
		return nil, ErrNotModelCall
	}

	// A failed exchange without a status is stored as a gateway error;
	// one with neither is incomplete.
	status := in.Response.Status
	switch {
	case status == 0 && in.Error == "":
		return nil, fmt.Errorf("%w: no response status or error", ErrInvalidExchange)
	case status == 0:
		status = http.StatusBadGateway
	case status < 100 || status > 599:
		return nil, fmt.Errorf("%w: response status %d", ErrInvalidExchange, status)
	}

	method := strings.ToUpper(in.Request.Method)
	if method == "" {
		method = http.MethodPost
	}
	respHeaders := toHeader(in.Response.Headers)
	streaming := IsStreamingRequest(body) ||
		strings.Contains(respHeaders.Get("Content-Type"), "text/event-stream")

	ex := Exchange{
		Start:           in.StartedAt,
		Source:          SourceHook,
		Provider:        provider,
		Method:          method,
		URL:             in.Request.URL,
		Path:            u.Path,
		RequestHeaders:  toHeader(in.Request.Headers),
		RequestBody:     body,
		Status:          status,
		ResponseHeaders: respHeaders,
		ResponseBody:    []byte(in.Response.Body),
		Streaming:       streaming,
		Duration:        time.Duration(in.DurationMs) * time.Millisecond,
		Err:             in.Error,
	}
	return h.recorder.Record(ctx, ex), nil
}

func toHeader(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
