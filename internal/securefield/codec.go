// Package securefield encrypts sensitive extracted text before it is
// persisted. Plaintext OCR payloads never touch the database.
package securefield

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/comptapilot/comptapilot/internal/common"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12
	tagSize   = 16
)

// Codec performs authenticated symmetric encryption with a process-wide
// key. The encoded form is hex(nonce):hex(tag):hex(ciphertext), so a
// stored value is self-describing for decryption.
type Codec struct {
	aead cipher.AEAD
}

// New builds a codec from a hex-encoded 256-bit key. A missing or
// wrong-length key is a configuration error the process must not start
// with.
func New(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce. Empty input encodes
// to the empty string.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens an encoded value. It fails closed: tag mismatch or a
// malformed encoding yields a DecryptionError and no partial plaintext.
func (c *Codec) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", &common.DecryptionError{Reason: "malformed encoding"}
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", &common.DecryptionError{Reason: "invalid nonce"}
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", &common.DecryptionError{Reason: "invalid tag"}
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", &common.DecryptionError{Reason: "invalid ciphertext"}
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", &common.DecryptionError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}
