package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"execution-core/pkg/exchanges/common"
)

func testKey(fill byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = fill + byte(i)
	}
	return key
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor(testKey(0), 1)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_key", "abc123XYZ789"},
		{"long", "this is a very long string that represents an API secret key from an exchange"},
		{"unicode", "中文測試 🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if !strings.HasPrefix(ciphertext, "ENC[v1]:") {
				t.Errorf("ciphertext missing version prefix: %s", ciphertext)
			}
			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("decrypted = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptDifferentCiphertexts(t *testing.T) {
	enc, _ := NewEncryptor(testKey(0), 1)
	c1, _ := enc.Encrypt("same-api-key")
	c2, _ := enc.Encrypt("same-api-key")
	if c1 == c2 {
		t.Error("expected different ciphertexts for same plaintext")
	}
}

func TestInvalidKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("short"), 1); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	enc, _ := NewEncryptor(testKey(0), 1)
	invalids := []string{
		"",
		"not-encrypted",
		"ENC[v1]:",           // empty data
		"ENC[v1]:!!!invalid", // invalid base64
		"ENC[v2]:AAAA",       // wrong version
	}
	for _, invalid := range invalids {
		if _, err := enc.Decrypt(invalid); err == nil {
			t.Errorf("expected error for invalid ciphertext: %s", invalid)
		}
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		ciphertext string
		expected   int
	}{
		{"ENC[v1]:data", 1},
		{"ENC[v2]:data", 2},
		{"ENC[v10]:data", 10},
		{"invalid", 0},
		{"ENC[vX]:data", 0},
		{"ENC[v0]:data", 0},
	}
	for _, tt := range tests {
		if got := ParseVersion(tt.ciphertext); got != tt.expected {
			t.Errorf("ParseVersion(%q) = %d, want %d", tt.ciphertext, got, tt.expected)
		}
	}
}

func TestKeyManagerRotation(t *testing.T) {
	env := map[string]string{
		"MASTER_ENCRYPTION_KEY": base64.StdEncoding.EncodeToString(testKey(1)),
	}
	oldKM, err := LoadKeyManager(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("LoadKeyManager: %v", err)
	}
	blob, _ := oldKM.Encrypt("secret-v1")

	env["MASTER_ENCRYPTION_KEY_V2"] = base64.StdEncoding.EncodeToString(testKey(2))
	km, err := LoadKeyManager(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("LoadKeyManager v2: %v", err)
	}
	if km.CurrentVersion() != 2 || !km.HasVersion(1) {
		t.Fatalf("unexpected versions: current=%d", km.CurrentVersion())
	}
	rotated, err := km.ReEncrypt(blob)
	if err != nil {
		t.Fatalf("ReEncrypt: %v", err)
	}
	if ParseVersion(rotated) != 2 {
		t.Fatalf("rotated blob version = %d", ParseVersion(rotated))
	}
	if got, _ := km.Decrypt(rotated); got != "secret-v1" {
		t.Fatalf("Decrypt rotated = %q", got)
	}
}

func TestLoadKeyManagerRequiresPrimary(t *testing.T) {
	_, err := LoadKeyManager(func(string) string { return "" })
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	km, err := NewKeyManagerWithKeys(map[int][]byte{1: testKey(3)})
	if err != nil {
		t.Fatalf("NewKeyManagerWithKeys: %v", err)
	}
	creds := common.Credentials{APIKey: "k-123456", APISecret: "s-abcdef"}
	blob, err := km.SealCredentials(creds)
	if err != nil {
		t.Fatalf("SealCredentials: %v", err)
	}
	if strings.Contains(blob, "k-123456") || strings.Contains(blob, "s-abcdef") {
		t.Fatal("blob contains plaintext")
	}
	got, err := km.OpenCredentials(blob)
	if err != nil {
		t.Fatalf("OpenCredentials: %v", err)
	}
	if got != creds {
		t.Fatal("credentials mismatch")
	}

	if _, err := km.SealCredentials(common.Credentials{APIKey: "only-key"}); !errors.Is(err, ErrIncompleteCredentials) {
		t.Fatalf("expected ErrIncompleteCredentials, got %v", err)
	}
	tampered := blob[:len(blob)-4] + "AAAA"
	if _, err := km.OpenCredentials(tampered); err == nil {
		t.Fatal("tampered blob must not open")
	}
}
