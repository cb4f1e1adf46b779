// Package crypto seals exchange credentials at rest with versioned AES-256-GCM keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12

	envelopeOpen = "ENC[v"
	envelopeSep  = "]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens ENC[vN]:base64(nonce|ciphertext) envelopes with one key version.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor creates a new Encryptor with the given 32-byte key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Seal encrypts plaintext into a versioned envelope.
func (e *Encryptor) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return envelopeOpen + strconv.Itoa(e.version) + envelopeSep + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope produced by Seal with the same key version.
// The returned slice should be zeroed by the caller once consumed.
func (e *Encryptor) Open(envelope string) ([]byte, error) {
	version, payload, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	if version != e.version {
		return nil, fmt.Errorf("envelope v%d opened with key v%d: %w", version, e.version, ErrInvalidCiphertext)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(data) < NonceSize+e.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Encrypt is Seal for strings.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	return e.Seal([]byte(plaintext))
}

// Decrypt is Open for strings.
func (e *Encryptor) Decrypt(envelope string) (string, error) {
	b, err := e.Open(envelope)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Version returns the key version used by this encryptor.
func (e *Encryptor) Version() int {
	return e.version
}

// ParseVersion extracts the key version from an envelope, or 0 if it is malformed.
func ParseVersion(envelope string) int {
	v, _, err := parseEnvelope(envelope)
	if err != nil {
		return 0
	}
	return v
}

func parseEnvelope(envelope string) (int, string, error) {
	if !strings.HasPrefix(envelope, envelopeOpen) {
		return 0, "", ErrInvalidCiphertext
	}
	rest := envelope[len(envelopeOpen):]
	idx := strings.Index(rest, envelopeSep)
	if idx <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	v, err := strconv.Atoi(rest[:idx])
	if err != nil || v <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	return v, rest[idx+len(envelopeSep):], nil
}
