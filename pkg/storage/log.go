package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/elimaine/clawfactory-sub000/pkg/keymanager"
)

// Log is an append-only file of capture records, one unit per line.
// With a Sealer each unit is encrypted independently; without one the
// unit is the record's JSON.
type Log struct {
	path   string
	toggle *Toggle
	sealer Sealer

	mu sync.Mutex
}

// NewLog opens (lazily) the log at path. toggle may be nil, meaning always
// enabled; sealer may be nil for a plaintext log.
func NewLog(path string, toggle *Toggle, sealer Sealer) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Log{path: path, toggle: toggle, sealer: sealer}, nil
}

func (l *Log) Path() string    { return l.path }
func (l *Log) Encrypted() bool { return l.sealer != nil }

// Append writes rec as one unit. It is a no-op while capture is disabled.
func (l *Log) Append(ctx context.Context, rec *Record) error {
	if l.toggle != nil && !l.toggle.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if l.sealer != nil {
		if data, err = l.sealer.Seal(data); err != nil {
			return err
		}
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// scan calls fn for every readable record in append order with the
// record's plaintext JSON. Units that fail to decrypt or decode are
// skipped, as is a trailing line still being written. fn returns false to
// stop the scan.
func (l *Log) scan(ctx context.Context, fn func(plain []byte, rec *Record) bool) error {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for n := 0; ; n++ {
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		partial := errors.Is(readErr, io.EOF)

		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			plain := line
			if l.sealer != nil {
				plain, err = l.sealer.Open(line)
				if err != nil {
					if errors.Is(err, keymanager.ErrNoKey) {
						return err
					}
					if !partial {
						decryptSkips.Inc()
					}
					plain = nil
				}
			}

			if plain != nil {
				var rec Record
				dec := json.NewDecoder(bytes.NewReader(plain))
				dec.UseNumber()
				if err := dec.Decode(&rec); err == nil {
					if !fn(plain, &rec) {
						return nil
					}
				} else if !partial {
					malformedSkips.Inc()
				}
			}
		}

		if partial {
			return nil
		}
	}
}

// List returns records newest-first. Filters are conjunctive; pagination
// applies after filtering.
func (l *Log) List(ctx context.Context, q Query) ([]*Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	search := []byte(strings.ToLower(q.Search))

	var matched []*Record
	err := l.scan(ctx, func(plain []byte, rec *Record) bool {
		if q.Provider != "" && rec.Provider != q.Provider {
			return true
		}
		if q.Status != 0 && rec.ResponseStatus != q.Status {
			return true
		}
		if len(search) > 0 && !bytes.Contains(bytes.ToLower(plain), search) {
			return true
		}
		matched = append(matched, rec)
		return true
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	if offset >= len(matched) {
		return []*Record{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// Get returns the first record with the given id.
func (l *Log) Get(ctx context.Context, id string) (*Record, bool, error) {
	var found *Record
	err := l.scan(ctx, func(_ []byte, rec *Record) bool {
		if rec.ID == id {
			found = rec
			return false
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	return found, found != nil, nil
}

// Stats aggregates the whole log in a single scan.
func (l *Log) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{CountsByProvider: make(map[string]int)}

	var totalDuration int64
	err := l.scan(ctx, func(_ []byte, rec *Record) bool {
		stats.TotalCount++
		stats.CountsByProvider[rec.Provider]++
		totalDuration += rec.DurationMs
		stats.TotalTokensIn += int64(rec.TokensIn)
		stats.TotalTokensOut += int64(rec.TokensOut)
		if rec.IsError() {
			stats.ErrorCount++
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	if stats.TotalCount > 0 {
		stats.MeanDurationMs = round1(float64(totalDuration) / float64(stats.TotalCount))
		stats.ErrorRatePercent = round1(float64(stats.ErrorCount) * 100 / float64(stats.TotalCount))
	}
	return stats, nil
}

// Count returns the number of complete units without decrypting them.
func (l *Log) Count(ctx context.Context) (int, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	count := 0
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, ctx.Err()
			}
			return 0, err
		}
		if len(bytes.TrimSpace(line)) > 0 {
			count++
		}
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
