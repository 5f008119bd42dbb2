package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elimaine/clawfactory-sub000/pkg/keymanager"
)

func writeKey(t *testing.T, path string, mtime time.Time) []byte {
	t.Helper()
	key, err := keymanager.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(keymanager.EncodeKey(key)+"\n"), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return key
}

func newEncryptedLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "capture.key")
	l, err := NewLog(filepath.Join(dir, "captures.enc"), nil, NewAEADSealer(keymanager.NewKeyFile(keyPath)))
	require.NoError(t, err)
	return l, keyPath
}

func TestSealOpenRoundTrip(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "k")
	writeKey(t, keyPath, time.Now())
	s := NewAEADSealer(keymanager.NewKeyFile(keyPath))

	plain := []byte(`{"id":"abc","note":"héllo"}`)
	unit, err := s.Seal(plain)
	require.NoError(t, err)
	assert.NotContains(t, string(unit), "abc")

	got, err := s.Open(unit)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	tampered := append([]byte{}, unit...)
	tampered[len(tampered)/2] ^= 'A' ^ 'B'
	_, err = s.Open(tampered)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptedLogRoundTrip(t *testing.T) {
	l, keyPath := newEncryptedLog(t)
	writeKey(t, keyPath, time.Now())
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, testRecord(1, "anthropic", 200)))
	require.NoError(t, l.Append(ctx, testRecord(2, "openai", 200)))

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "anthropic")

	recs, err := l.List(ctx, Query{Search: "openai"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-002"}, ids(recs))
}

func TestEncryptedLogSkipsUnitsFromRotatedKey(t *testing.T) {
	l, keyPath := newEncryptedLog(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	writeKey(t, keyPath, base)
	require.NoError(t, l.Append(ctx, testRecord(1, "anthropic", 200)))

	writeKey(t, keyPath, base.Add(time.Minute))
	require.NoError(t, l.Append(ctx, testRecord(2, "anthropic", 200)))
	require.NoError(t, l.Append(ctx, testRecord(3, "anthropic", 200)))

	recs, err := l.List(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-003", "rec-002"}, ids(recs))

	count, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalCount)
}

func TestEncryptedLogStopsWritingWhenKeyRemoved(t *testing.T) {
	l, keyPath := newEncryptedLog(t)
	ctx := context.Background()

	writeKey(t, keyPath, time.Now())
	require.NoError(t, l.Append(ctx, testRecord(1, "anthropic", 200)))

	require.NoError(t, os.Remove(keyPath))
	err := l.Append(ctx, testRecord(2, "anthropic", 200))
	assert.ErrorIs(t, err, keymanager.ErrNoKey)

	count, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = l.List(ctx, Query{})
	assert.ErrorIs(t, err, keymanager.ErrNoKey)
}
