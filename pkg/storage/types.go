package storage

import "time"

// Record is one captured request/response exchange, already redacted.
type Record struct {
	ID                string            `json:"id"`
	Timestamp         time.Time         `json:"timestamp"`
	Provider          string            `json:"provider"`
	Source            string            `json:"source,omitempty"`
	Method            string            `json:"method"`
	Path              string            `json:"path"`
	URL               string            `json:"url"`
	RequestHeaders    map[string]string `json:"request_headers"`
	RequestBody       any               `json:"request_body"`
	ResponseStatus    int               `json:"response_status"`
	ResponseHeaders   map[string]string `json:"response_headers"`
	ResponseBody      any               `json:"response_body"`
	DurationMs        int64             `json:"duration_ms"`
	TokensIn          int               `json:"tokens_in"`
	TokensOut         int               `json:"tokens_out"`
	EstimatedTokensIn int               `json:"estimated_tokens_in,omitempty"`
	Streaming         bool              `json:"streaming"`
	Error             string            `json:"error,omitempty"`
}

// IsError reports whether the exchange failed: a 4xx/5xx status or an
// explicit upstream error.
func (r *Record) IsError() bool {
	return r.ResponseStatus >= 400 || r.Error != ""
}

// Query filters and paginates a List call. Zero values mean "any".
type Query struct {
	Limit    int
	Offset   int
	Provider string
	Status   int
	Search   string
}

// Stats is the aggregate view over the whole log.
type Stats struct {
	TotalCount       int            `json:"total_count"`
	CountsByProvider map[string]int `json:"counts_by_provider"`
	MeanDurationMs   float64        `json:"mean_duration_ms"`
	TotalTokensIn    int64          `json:"total_tokens_in"`
	TotalTokensOut   int64          `json:"total_tokens_out"`
	ErrorCount       int            `json:"error_count"`
	ErrorRatePercent float64        `json:"error_rate_percent"`
}
