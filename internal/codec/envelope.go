package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the length of the process-held key that wraps file secrets.
const MasterKeySize = 32

const (
	envelopeVersion = 1
	envelopeInfo    = "castella-file-secret-v1"
	sealedSize      = 1 + chacha20poly1305.NonceSizeX + SecretSize + TagSize
)

// ErrEnvelope is returned when a sealed secret cannot be opened.
var ErrEnvelope = errors.New("codec: cannot open sealed secret")

// Sealer wraps file secrets for storage in the catalog.
//
// The key-encryption key is derived from the master key with HKDF-SHA256.
// Each secret is sealed with XChaCha20-Poly1305 under a random nonce and
// bound to the backend object id, so a sealed secret copied to another row
// does not open.
//
// Layout: version(1) || nonce(24) || sealed secret(56) || tag(16).
type Sealer struct {
	kek [chacha20poly1305.KeySize]byte
}

// NewSealer derives a Sealer from a 32-byte master key.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("codec: master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	s := &Sealer{}
	r := hkdf.New(sha256.New, masterKey, nil, []byte(envelopeInfo))
	if _, err := io.ReadFull(r, s.kek[:]); err != nil {
		return nil, fmt.Errorf("codec: derive key-encryption key: %w", err)
	}
	return s, nil
}

// Seal encrypts secret for the object identified by objectID.
func (s *Sealer) Seal(secret Secret, objectID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.kek[:])
	if err != nil {
		return nil, fmt.Errorf("codec: create cipher: %w", err)
	}

	out := make([]byte, 1+aead.NonceSize(), sealedSize)
	out[0] = envelopeVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("codec: generate nonce: %w", err)
	}

	plain, _ := secret.MarshalBinary()
	defer wipe(plain)
	return aead.Seal(out, out[1:1+aead.NonceSize()], plain, []byte(objectID)), nil
}

// Open decrypts a blob produced by Seal for the same objectID.
func (s *Sealer) Open(blob []byte, objectID string) (Secret, error) {
	if len(blob) != sealedSize || blob[0] != envelopeVersion {
		return Secret{}, ErrEnvelope
	}
	aead, err := chacha20poly1305.NewX(s.kek[:])
	if err != nil {
		return Secret{}, fmt.Errorf("codec: create cipher: %w", err)
	}

	nonce := blob[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, blob[1+aead.NonceSize():], []byte(objectID))
	if err != nil {
		return Secret{}, ErrEnvelope
	}
	defer wipe(plain)
	return ParseSecret(plain)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
