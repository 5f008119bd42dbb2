package keymanager

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

// KeySize is the length of a capture encryption key in bytes.
const KeySize = 32

var (
	ErrNoKey      = errors.New("encryption key not available")
	ErrInvalidKey = errors.New("invalid encryption key")
	ErrKeyExists  = errors.New("encryption key already exists")
)

// KeyFile serves the key stored at a path. The key is loaded lazily and
// cached together with the file's identity, size and modification time.
// Every call stats the file, so a replaced key is used on the next call and
// a removed key stops being served at once.
type KeyFile struct {
	path string

	mu     sync.Mutex
	cached *loadedKey
}

type loadedKey struct {
	key  []byte
	info os.FileInfo
}

func NewKeyFile(path string) *KeyFile {
	return &KeyFile{path: path}
}

func (k *KeyFile) Path() string { return k.path }

// Key returns the current key or ErrNoKey when the file is absent.
func (k *KeyFile) Key() ([]byte, error) {
	info, err := os.Stat(k.path)
	if err != nil {
		k.mu.Lock()
		k.cached = nil
		k.mu.Unlock()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoKey
		}
		return nil, fmt.Errorf("%w: %v", ErrNoKey, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if c := k.cached; c != nil && os.SameFile(c.info, info) &&
		c.info.ModTime().Equal(info.ModTime()) && c.info.Size() == info.Size() {
		return c.key, nil
	}

	data, err := os.ReadFile(k.path)
	if err != nil {
		k.cached = nil
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoKey
		}
		return nil, fmt.Errorf("%w: %v", ErrNoKey, err)
	}

	key, err := ParseKey(data)
	if err != nil {
		k.cached = nil
		return nil, err
	}

	k.cached = &loadedKey{key: key, info: info}
	return key, nil
}

// ParseKey decodes a base64 key in either the standard or URL alphabet,
// padded or not.
func ParseKey(data []byte) ([]byte, error) {
	s := strings.TrimSpace(string(data))
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding, base64.StdEncoding,
		base64.RawURLEncoding, base64.RawStdEncoding,
	} {
		key, err := enc.DecodeString(s)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, ErrInvalidKey
}

// EncodeKey renders a key the way key files store it.
func EncodeKey(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}

// GenerateKey creates a cryptographically secure random key.
func GenerateKey() ([]byte, error) {
	b := make([]byte, KeySize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Manager writes key material for operators. The capture pipeline itself
// only ever reads keys through a KeyFile.
type Manager struct {
	path string
}

func New(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) KeyFile() *KeyFile {
	return NewKeyFile(m.path)
}

// CreateKey writes a new key, refusing to overwrite an existing one.
func (m *Manager) CreateKey() (string, error) {
	if _, err := os.Stat(m.path); err == nil {
		return "", ErrKeyExists
	}
	return m.RotateKey()
}

// RotateKey replaces the key file atomically with a fresh key. Records
// sealed with the previous key are no longer readable with the new one.
func (m *Manager) RotateKey() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return "", err
	}

	encoded := EncodeKey(key)
	if err := renameio.WriteFile(m.path, []byte(encoded+"\n"), 0o600); err != nil {
		return "", err
	}
	return encoded, nil
}
