package capture

import (
	"sync"
	"time"

	"github.com/elimaine/clawfactory-sub000/pkg/storage"
)

// Summary is the redacted, body-free view of a record sent to live
// subscribers.
type Summary struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Provider   string    `json:"provider"`
	Source     string    `json:"source,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"response_status"`
	DurationMs int64     `json:"duration_ms"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	Streaming  bool      `json:"streaming"`
	Error      string    `json:"error,omitempty"`
}

// SummaryOf builds the live view of a stored record.
func SummaryOf(rec *storage.Record) Summary {
	return Summary{
		ID:         rec.ID,
		Timestamp:  rec.Timestamp,
		Provider:   rec.Provider,
		Source:     rec.Source,
		Method:     rec.Method,
		Path:       rec.Path,
		Status:     rec.ResponseStatus,
		DurationMs: rec.DurationMs,
		TokensIn:   rec.TokensIn,
		TokensOut:  rec.TokensOut,
		Streaming:  rec.Streaming,
		Error:      rec.Error,
	}
}

// Feed fans stored-record summaries out to subscribers. Slow subscribers
// lose events instead of blocking the writer.
type Feed struct {
	mu   sync.Mutex
	subs map[chan Summary]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Summary]struct{})}
}

// Subscribe registers a buffered channel. The returned func unsubscribes
// and closes it.
func (f *Feed) Subscribe(buffer int) (<-chan Summary, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Summary, buffer)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *Feed) Publish(s Summary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- s:
		default:
			feedDrops.Inc()
		}
	}
}

// Subscribers returns the current subscriber count.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
