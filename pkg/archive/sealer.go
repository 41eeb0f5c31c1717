package archive

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// kdfSalt separates archive subkeys from any other use of the master
// key.
var kdfSalt = []byte("sentria-archive-kdf")

// Sealer encrypts blobs at rest. Each blob gets its own subkey derived
// from the master key and the blob's content hash, so the deterministic
// nonce is never reused across contents and re-sealing the same bytes
// yields the same ciphertext, keeping Put idempotent.
type Sealer struct {
	master []byte
}

// NewSealer takes a 32-byte master key.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("archive: seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(master))
	}
	s := &Sealer{master: make([]byte, len(master))}
	copy(s.master, master)
	return s, nil
}

// ParseSealKey decodes a hex-encoded 32-byte master key.
func ParseSealKey(hexKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("archive: seal key is not hex: %w", err)
	}
	return NewSealer(raw)
}

// Seal encrypts plaintext for the blob identified by contentHash (the
// bare hex digest, no prefix).
func (s *Sealer) Seal(contentHash string, plaintext []byte) ([]byte, error) {
	aead, nonce, err := s.cipherFor(contentHash)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, []byte(contentHash)), nil
}

// Open decrypts a sealed blob.
func (s *Sealer) Open(contentHash string, sealed []byte) ([]byte, error) {
	aead, nonce, err := s.cipherFor(contentHash)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(contentHash))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) cipherFor(contentHash string) (cipher.AEAD, []byte, error) {
	subkey := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, s.master, kdfSalt, []byte(contentHash))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, nil, fmt.Errorf("derive subkey: %w", err)
	}
	aead, err := chacha20poly1305.New(subkey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	nonceSum := sha256.Sum256([]byte("nonce:" + contentHash))
	return aead, nonceSum[:chacha20poly1305.NonceSize], nil
}
