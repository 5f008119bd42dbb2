package capture

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elimaine/clawfactory-sub000/pkg/redact"
	"github.com/elimaine/clawfactory-sub000/pkg/storage"
)

const secret = "sk-ant-REDACTED"

type fixture struct {
	toggle   *storage.Toggle
	log      *storage.Log
	recorder *Recorder
	feed     *Feed
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	toggle := storage.NewToggle(filepath.Join(dir, "capture_enabled"), true)
	log, err := storage.NewLog(filepath.Join(dir, "captures.jsonl"), toggle, nil)
	require.NoError(t, err)
	engine, err := redact.NewEngine("", 0)
	require.NoError(t, err)
	feed := NewFeed()
	opts = append([]Option{WithFeed(feed)}, opts...)
	return &fixture{
		toggle:   toggle,
		log:      log,
		recorder: NewRecorder(toggle, engine, log, opts...),
		feed:     feed,
	}
}

func secretExchange() Exchange {
	return Exchange{
		Source:         SourceRelay,
		Provider:       "anthropic",
		Method:         http.MethodPost,
		URL:            "https://api.anthropic.com/v1/messages",
		Path:           "/v1/messages",
		RequestHeaders: http.Header{"X-Api-Key": {secret}},
		RequestBody:    []byte(`{"model":"claude","messages":[{"role":"user","content":"mail ops@corp.io with ` + secret + `"}]}`),
		Status:         200,
		ResponseBody:   []byte(`{"content":[{"text":"ok"}],"usage":{"input_tokens":3,"output_tokens":1}}`),
		Duration:       40 * time.Millisecond,
	}
}

func TestRecorderPersistsRedactedRecord(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.feed.Subscribe(1)
	defer cancel()

	rec := f.recorder.Record(context.Background(), secretExchange())
	require.NotNil(t, rec)

	raw, err := os.ReadFile(f.log.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret)
	assert.NotContains(t, string(raw), "ops@corp.io")
	assert.Contains(t, string(raw), "[REDACTED:anthropic-key]")

	stored, ok, err := f.log.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED:anthropic-key]", stored.RequestHeaders["x-api-key"])
	assert.Equal(t, 3, stored.TokensIn)
	assert.Equal(t, int64(40), stored.DurationMs)

	select {
	case s := <-events:
		assert.Equal(t, rec.ID, s.ID)
		assert.Equal(t, 200, s.Status)
	case <-time.After(time.Second):
		t.Fatal("no live event published")
	}
}

func TestRecorderHonoursToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.toggle.Set(false))
	for i := 0; i < 10; i++ {
		assert.Nil(t, f.recorder.Record(ctx, secretExchange()))
	}
	count, err := f.log.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, f.toggle.Set(true))
	assert.NotNil(t, f.recorder.Record(ctx, secretExchange()))
	count, err = f.log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

type failingWriter struct{}

func (failingWriter) Append(context.Context, *storage.Record) error {
	return errors.New("disk full")
}

func TestRecorderSwallowsWriteFailures(t *testing.T) {
	engine, err := redact.NewEngine("", 0)
	require.NoError(t, err)
	r := NewRecorder(nil, engine, failingWriter{})

	assert.NotPanics(t, func() {
		assert.Nil(t, r.Record(context.Background(), secretExchange()))
	})
}

type fakeCounter struct{ seen string }

func (c *fakeCounter) CountTokens(text string) (int, error) {
	c.seen = text
	return 42, nil
}

func TestRecorderEstimatesMissingUsage(t *testing.T) {
	counter := &fakeCounter{}
	f := newFixture(t, WithTokenCounter(counter))

	ex := secretExchange()
	ex.ResponseBody = []byte(`{"content":[]}`)
	rec := f.recorder.Record(context.Background(), ex)
	require.NotNil(t, rec)
	assert.Equal(t, 42, rec.EstimatedTokensIn)
	assert.Zero(t, rec.TokensIn)
	assert.Contains(t, counter.seen, `"role":"user"`)
	assert.NotContains(t, counter.seen, `"model"`)

	counter.seen = ""
	rec = f.recorder.Record(context.Background(), secretExchange())
	require.NotNil(t, rec)
	assert.Zero(t, rec.EstimatedTokensIn)
	assert.Empty(t, counter.seen)
}

func TestFeedUnsubscribe(t *testing.T) {
	feed := NewFeed()
	ch, cancel := feed.Subscribe(1)
	assert.Equal(t, 1, feed.Subscribers())

	feed.Publish(Summary{ID: "a"})
	feed.Publish(Summary{ID: "b"})
	assert.Equal(t, "a", (<-ch).ID)

	cancel()
	cancel()
	assert.Zero(t, feed.Subscribers())
	_, open := <-ch
	assert.False(t, open)
}
