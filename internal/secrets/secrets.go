// Package secrets seals credentials stored at rest with NaCl secretbox.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sb1:"

// ErrOpen is returned when a sealed value cannot be decrypted with the key.
var ErrOpen = errors.New("secrets: cannot open sealed value")

// Box seals and opens short strings. A Box built from an empty key passes
// values through unchanged.
type Box struct {
	key *[32]byte
}

// NewBox decodes a base64 32-byte key (standard or URL alphabet).
func NewBox(encodedKey string) (*Box, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return &Box{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(encodedKey)
	}
	if err != nil {
		return nil, errors.Wrap(err, "decode encryption key")
	}
	if len(raw) != 32 {
		return nil, errors.Newf("encryption key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &Box{key: &key}, nil
}

// GenerateKey returns a fresh base64 key suitable for ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", errors.Wrap(err, "read random key")
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

func (b *Box) Enabled() bool { return b != nil && b.key != nil }

func (b *Box) Seal(plain string) (string, error) {
	if !b.Enabled() || plain == "" || strings.HasPrefix(plain, sealedPrefix) {
		return plain, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", errors.Wrap(err, "read nonce")
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, b.key)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix were stored before a
// key was configured and are returned as they are.
func (b *Box) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if !b.Enabled() {
		return "", ErrOpen
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", ErrOpen
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, b.key)
	if !ok {
		return "", ErrOpen
	}
	return string(plain), nil
}
