package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("key manager not initialized")
)

const (
	envKeyPrefix = "MASTER_ENCRYPTION_KEY"
	maxVersions  = 10
)

// KeyManager holds every configured key version. New envelopes use the newest
// version; older ones stay readable until re-encrypted.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager loads keys from the environment:
//   - MASTER_ENCRYPTION_KEY (version 1, required)
//   - MASTER_ENCRYPTION_KEY_V2 .. _V10 (optional)
func NewKeyManager() (*KeyManager, error) {
	return LoadKeyManager(os.Getenv)
}

// LoadKeyManager is NewKeyManager with an explicit lookup (tests, alternative sources).
func LoadKeyManager(lookup func(string) string) (*KeyManager, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= maxVersions; v++ {
		name := envKeyPrefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", envKeyPrefix, v)
		}
		raw := lookup(name)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("load primary key %s: %w", name, ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewKeyManagerWithKeys(keys)
}

// NewKeyManagerWithKeys builds a manager from raw 32-byte keys by version.
func NewKeyManagerWithKeys(keys map[int][]byte) (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor, len(keys))}
	for v, key := range keys {
		enc, err := NewEncryptor(key, v)
		if err != nil {
			return nil, fmt.Errorf("create encryptor v%d: %w", v, err)
		}
		km.encryptors[v] = enc
		if v > km.currentVer {
			km.currentVer = v
		}
	}
	if km.currentVer == 0 {
		return nil, ErrKeyNotLoaded
	}
	return km, nil
}

func (km *KeyManager) current() (*Encryptor, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return nil, ErrKeyNotLoaded
	}
	return enc, nil
}

func (km *KeyManager) forEnvelope(envelope string) (*Encryptor, error) {
	version := ParseVersion(envelope)
	if version == 0 {
		return nil, ErrInvalidCiphertext
	}
	km.mu.RLock()
	defer km.mu.RUnlock()
	enc, ok := km.encryptors[version]
	if !ok {
		return nil, fmt.Errorf("key version %d not available: %w", version, ErrKeyNotFound)
	}
	return enc, nil
}

// Encrypt seals plaintext with the current key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	enc, err := km.current()
	if err != nil {
		return "", err
	}
	return enc.Encrypt(plaintext)
}

// Decrypt opens an envelope with whichever version sealed it.
func (km *KeyManager) Decrypt(envelope string) (string, error) {
	enc, err := km.forEnvelope(envelope)
	if err != nil {
		return "", err
	}
	return enc.Decrypt(envelope)
}

// ReEncrypt moves an envelope onto the current key version.
func (km *KeyManager) ReEncrypt(envelope string) (string, error) {
	plaintext, err := km.Decrypt(envelope)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plaintext)
}

// CurrentVersion returns the version new envelopes are sealed with.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// HasVersion checks if a specific key version is loaded.
func (km *KeyManager) HasVersion(version int) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	_, ok := km.encryptors[version]
	return ok
}

// GenerateKey returns a random base64 AES-256 key for MASTER_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
