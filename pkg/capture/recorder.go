package capture

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/elimaine/clawfactory-sub000/pkg/logging"
	"github.com/elimaine/clawfactory-sub000/pkg/redact"
	"github.com/elimaine/clawfactory-sub000/pkg/storage"
)

// TokenCounter estimates prompt tokens when the provider reports none.
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// Recorder is the single path from a completed exchange to the log:
// gate, build, redact, append. Failures are logged, never returned to the
// relay.
type Recorder struct {
	toggle       *storage.Toggle
	engine       *redact.Engine
	store        storage.Writer
	feed         *Feed
	counter      TokenCounter
	maxBodyChars int
	writeTimeout time.Duration
}

type Option func(*Recorder)

// WithFeed publishes a summary of every stored record.
func WithFeed(f *Feed) Option {
	return func(r *Recorder) { r.feed = f }
}

// WithTokenCounter fills estimated_tokens_in for exchanges without usage.
func WithTokenCounter(c TokenCounter) Option {
	return func(r *Recorder) { r.counter = c }
}

// WithMaxBodyChars bounds non-JSON bodies.
func WithMaxBodyChars(n int) Option {
	return func(r *Recorder) { r.maxBodyChars = n }
}

func NewRecorder(toggle *storage.Toggle, engine *redact.Engine, store storage.Writer, opts ...Option) *Recorder {
	r := &Recorder{
		toggle:       toggle,
		engine:       engine,
		store:        store,
		maxBodyChars: DefaultMaxBodyChars,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports the current capture gate.
func (r *Recorder) Enabled() bool {
	return r.toggle == nil || r.toggle.Enabled()
}

// Record persists one exchange. It returns the stored record, or nil when
// capture is disabled or the write failed.
func (r *Recorder) Record(ctx context.Context, ex Exchange) *storage.Record {
	if !r.Enabled() {
		recordsSkipped.Inc()
		return nil
	}

	rec := Build(ex, r.maxBodyChars)
	if r.counter != nil && rec.TokensIn == 0 && rec.TokensOut == 0 {
		rec.EstimatedTokensIn = r.estimate(ex.RequestBody)
	}
	r.redactRecord(rec)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()
	if err := r.store.Append(ctx, rec); err != nil {
		writeFailures.Inc()
		logging.L.Error("failed to persist capture record",
			zap.String("id", rec.ID),
			zap.String("provider", rec.Provider),
			zap.Error(err))
		return nil
	}

	recordsWritten.WithLabelValues(rec.Provider, rec.Source).Inc()
	recordTokens.WithLabelValues("in").Observe(float64(rec.TokensIn))
	recordTokens.WithLabelValues("out").Observe(float64(rec.TokensOut))
	if r.feed != nil {
		r.feed.Publish(SummaryOf(rec))
	}
	return rec
}

// redactRecord rewrites every free-form field of rec in place.
func (r *Recorder) redactRecord(rec *storage.Record) {
	if r.engine == nil {
		return
	}
	rec.URL = r.engine.RedactString(rec.URL)
	rec.Path = r.engine.RedactString(rec.Path)
	rec.Error = r.engine.RedactString(rec.Error)
	if h, ok := r.engine.Redact(rec.RequestHeaders).(map[string]string); ok {
		rec.RequestHeaders = h
	}
	if h, ok := r.engine.Redact(rec.ResponseHeaders).(map[string]string); ok {
		rec.ResponseHeaders = h
	}
	rec.RequestBody = r.engine.Redact(rec.RequestBody)
	rec.ResponseBody = r.engine.Redact(rec.ResponseBody)
}

// estimate counts tokens over the prompt-bearing text of a request body.
func (r *Recorder) estimate(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	text := string(body)
	if gjson.ValidBytes(body) {
		var b []byte
		gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
			switch key.String() {
			case "messages", "prompt", "system", "contents", "input":
				b = append(b, value.Raw...)
				b = append(b, '\n')
			}
			return true
		})
		if len(b) > 0 {
			text = string(b)
		}
	}

	n, err := r.counter.CountTokens(text)
	if err != nil {
		logging.L.Debug("token estimate unavailable", zap.Error(err))
		return 0
	}
	return n
}
