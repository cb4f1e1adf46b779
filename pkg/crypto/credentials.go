package crypto

import (
	"encoding/json"
	"errors"
	"fmt"

	"execution-core/pkg/exchanges/common"
)

// ErrIncompleteCredentials is returned when a blob opens but lacks a key or secret.
var ErrIncompleteCredentials = errors.New("credentials blob missing api_key or api_secret")

// SealCredentials encrypts {api_key, api_secret} into an opaque blob.
func (km *KeyManager) SealCredentials(creds common.Credentials) (string, error) {
	if !creds.Valid() {
		return "", ErrIncompleteCredentials
	}
	enc, err := km.current()
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	defer wipe(raw)
	return enc.Seal(raw)
}

// OpenCredentials decrypts a blob sealed by SealCredentials.
// Errors never carry any part of the plaintext.
func (km *KeyManager) OpenCredentials(blob string) (common.Credentials, error) {
	enc, err := km.forEnvelope(blob)
	if err != nil {
		return common.Credentials{}, err
	}
	raw, err := enc.Open(blob)
	if err != nil {
		return common.Credentials{}, err
	}
	defer wipe(raw)

	var creds common.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return common.Credentials{}, fmt.Errorf("decode credentials: %w", ErrInvalidCiphertext)
	}
	if !creds.Valid() {
		return common.Credentials{}, ErrIncompleteCredentials
	}
	return creds, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
