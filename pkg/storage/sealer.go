package storage

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt marks a unit that failed decoding or authentication.
var ErrDecrypt = errors.New("capture unit failed to decrypt")

// Sealer encrypts and decrypts single log units. Units are independent:
// each carries its own nonce.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(unit []byte) ([]byte, error)
}

// KeySource yields the currently active key.
type KeySource interface {
	Key() ([]byte, error)
}

// AEADSealer seals with XChaCha20-Poly1305. A unit is the URL-safe base64
// encoding of nonce||ciphertext.
type AEADSealer struct {
	keys KeySource
}

func NewAEADSealer(keys KeySource) *AEADSealer {
	return &AEADSealer{keys: keys}
}

func (s *AEADSealer) Seal(plain []byte) ([]byte, error) {
	key, err := s.keys.Key()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)

	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(sealed)))
	base64.RawURLEncoding.Encode(out, sealed)
	return out, nil
}

func (s *AEADSealer) Open(unit []byte) ([]byte, error) {
	key, err := s.keys.Key()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, base64.RawURLEncoding.DecodedLen(len(unit)))
	n, err := base64.RawURLEncoding.Decode(raw, unit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	raw = raw[:n]
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: unit too short", ErrDecrypt)
	}

	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}
