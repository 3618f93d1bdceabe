package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// errMalformed means the input cannot be output of encrypt at all.
var errMalformed = errors.New("malformed ciphertext")

// aesGCM seals with AES-256-GCM, nonce prepended, base64 encoded.
type aesGCM struct {
	aead cipher.AEAD
}

func newAESGCM(key []byte) (*aesGCM, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("record sealer: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("record sealer: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("record sealer: create GCM: %w", err)
	}
	return &aesGCM{aead: aead}, nil
}

func (e *aesGCM) encrypt(plaintext string, aad []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("seal: generate nonce: %w", err)
	}
	// Seal appends to nonce, so the result is nonce + ciphertext.
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), aad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *aesGCM) decrypt(ciphertext string, aad []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("open: base64 decode: %w", errMalformed)
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize+e.aead.Overhead() {
		return "", fmt.Errorf("open: ciphertext too short: %w", errMalformed)
	}
	nonce, body := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, body, aad)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plaintext), nil
}
