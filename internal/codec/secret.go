package codec

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the length of a file key.
	KeySize = chacha20poly1305.KeySize

	// SeedSize is the length of a file's nonce seed.
	SeedSize = chacha20poly1305.NonceSizeX

	// SecretSize is the length of a marshaled Secret.
	SecretSize = KeySize + SeedSize
)

// ErrInvalidSecret is returned when a stored secret has the wrong shape.
var ErrInvalidSecret = errors.New("codec: invalid file secret")

// Secret is the per-file key and nonce seed. A fresh Secret is generated for
// every file, so nonces never repeat across files.
type Secret struct {
	Key  [KeySize]byte
	Seed [SeedSize]byte
}

// NewSecret generates a Secret from the system's secure random source.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s.Key[:]); err != nil {
		return Secret{}, fmt.Errorf("codec: generate key: %w", err)
	}
	if _, err := rand.Read(s.Seed[:]); err != nil {
		return Secret{}, fmt.Errorf("codec: generate nonce seed: %w", err)
	}
	return s, nil
}

// MarshalBinary returns key || seed.
func (s Secret) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, SecretSize)
	out = append(out, s.Key[:]...)
	out = append(out, s.Seed[:]...)
	return out, nil
}

// ParseSecret decodes the output of MarshalBinary.
func ParseSecret(b []byte) (Secret, error) {
	var s Secret
	if len(b) != SecretSize {
		return s, ErrInvalidSecret
	}
	copy(s.Key[:], b[:KeySize])
	copy(s.Seed[:], b[KeySize:])
	return s, nil
}

// Wipe zeroes the secret in place.
func (s *Secret) Wipe() {
	for i := range s.Key {
		s.Key[i] = 0
	}
	for i := range s.Seed {
		s.Seed[i] = 0
	}
}
