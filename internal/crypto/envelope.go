// Package crypto implements the envelope cipher protecting harvested session
// cookies at rest. Blobs are base64(nonce(12) || tag(16) || ciphertext), which
// matches the layout the cookie extension and earlier tooling already produce.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrNoKey indicates the cipher was constructed without a usable secret.
	ErrNoKey = errors.New("crypto: encryption key is not configured")
	// ErrInvalidBlob indicates ciphertext too short to contain nonce and tag.
	ErrInvalidBlob = errors.New("crypto: blob is truncated or malformed")
	// ErrDecrypt indicates authentication failure; the blob was tampered with
	// or encrypted under a different key.
	ErrDecrypt = errors.New("crypto: decryption failed")
)

// Envelope performs AES-256-GCM authenticated encryption of opaque blobs.
type Envelope struct {
	key []byte
}

// New derives a 256-bit key from the configured secret. Accepted forms, in
// order: 64 hex characters, base64 of 32 raw bytes, or any other string padded
// or truncated to 32 bytes. The padding path is a compatibility shim, not a
// KDF; operators should supply a full-entropy key.
func New(secret string) (*Envelope, error) {
	if secret == "" {
		return nil, ErrNoKey
	}
	return &Envelope{key: deriveKey(secret)}, nil
}

func deriveKey(secret string) []byte {
	if len(secret) == keySize*2 {
		if raw, err := hex.DecodeString(secret); err == nil {
			return raw
		}
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == keySize {
		return raw
	}
	key := make([]byte, keySize)
	copy(key, secret)
	return key
}

// Encrypt seals plaintext under a fresh random 96-bit nonce. Two encryptions
// of the same plaintext never produce the same blob.
func (e *Envelope) Encrypt(plaintext []byte) (string, error) {
	aead, err := e.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce generation: %w", err)
	}

	// Seal appends the tag after the ciphertext; the blob layout wants it in
	// front, between nonce and ciphertext.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. It fails closed: any truncation,
// tag mismatch, or key problem returns an error, never corrupted plaintext.
func (e *Envelope) Decrypt(blob string) ([]byte, error) {
	aead, err := e.aead()
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	if len(raw) < nonceSize+tagSize {
		return nil, ErrInvalidBlob
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func (e *Envelope) aead() (cipher.AEAD, error) {
	if e == nil || len(e.key) != keySize {
		return nil, ErrNoKey
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKey, err)
	}
	return cipher.NewGCM(block)
}
