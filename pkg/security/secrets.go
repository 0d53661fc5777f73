package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// encryptionKeyLen is the decoded key size for AES-256-GCM.
const encryptionKeyLen = 32

// encodedKeyLen is the length of the URL-safe base64 form carried in
// SECRETS_ENCRYPTION_KEY (32 bytes padded).
const encodedKeyLen = 44

// Encrypter handles encryption and decryption of graph template secrets.
// It is created once at startup and read-only afterwards.
type Encrypter struct {
	key []byte // 32 bytes for AES-256
}

// NewEncrypter creates a new encrypter with the given key.
// The key must be 32 bytes for AES-256-GCM.
func NewEncrypter(key []byte) (*Encrypter, error) {
	if len(key) != encryptionKeyLen {
		return nil, fmt.Errorf("encryption key must be %d bytes for AES-256, got %d", encryptionKeyLen, len(key))
	}

	return &Encrypter{key: key}, nil
}

// ParseEncryptionKey decodes the SECRETS_ENCRYPTION_KEY environment value:
// a 44-character URL-safe base64 encoding of 32 bytes. A missing or
// malformed value fails startup.
func ParseEncryptionKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("encryption key is not set")
	}
	if len(encoded) != encodedKeyLen {
		return nil, fmt.Errorf("encryption key must be %d characters of URL-safe base64, got %d", encodedKeyLen, len(encoded))
	}

	key, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid URL-safe base64: %w", err)
	}
	if len(key) != encryptionKeyLen {
		return nil, fmt.Errorf("encryption key must decode to %d bytes, got %d", encryptionKeyLen, len(key))
	}
	return key, nil
}

// NewEncrypterFromEnv builds an encrypter from the encoded environment value.
func NewEncrypterFromEnv(encoded string) (*Encrypter, error) {
	key, err := ParseEncryptionKey(encoded)
	if err != nil {
		return nil, err
	}
	return NewEncrypter(key)
}

// Encrypt encrypts plaintext data using AES-256-GCM.
// Returns encrypted data with nonce prepended.
func (e *Encrypter) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt and prepend nonce
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts data encrypted with Encrypt.
// Expects nonce to be prepended to ciphertext.
func (e *Encrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	// Extract nonce and ciphertext
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptSecrets encrypts every value of a plaintext secret map, as received
// on a graph template PUT.
func (e *Encrypter) EncryptSecrets(plain map[string]string) (map[string][]byte, error) {
	if len(plain) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(plain))
	for name, value := range plain {
		ct, err := e.Encrypt([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt secret %q: %w", name, err)
		}
		out[name] = ct
	}
	return out, nil
}

// DecryptSecrets decrypts the named secrets from an encrypted secret map.
// Names absent from the map are skipped; decryption failures abort.
func (e *Encrypter) DecryptSecrets(encrypted map[string][]byte, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		ct, ok := encrypted[name]
		if !ok {
			continue
		}
		pt, err := e.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt secret %q: %w", name, err)
		}
		out[name] = string(pt)
	}
	return out, nil
}
