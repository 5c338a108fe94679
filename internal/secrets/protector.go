// Package secrets provides the reversible, application-scoped protector used
// for mailbox credentials at rest. Values are sealed with XChaCha20-Poly1305
// under a key derived from the process secret, and stored base64-encoded.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// protectorScope binds derived keys to this purpose; rotating the scope
// string invalidates every stored credential.
const protectorScope = "ticketdesk.email-ingest-settings.v1"

// ErrDecrypt reports a value that cannot be opened with the current secret.
// Callers treat it the same as absent credentials, never as fatal.
var ErrDecrypt = errors.New("secrets: cannot decrypt value")

// Protector seals and opens short secrets such as mailbox passwords.
type Protector struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewProtector derives the sealing key from the process-level secret.
func NewProtector(secret string) (*Protector, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("secrets: secret key is required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(protectorScope))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	return &Protector{aead: aead}, nil
}

// Encrypt seals plaintext and returns the base64 form stored in the database.
func (p *Protector) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := p.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value. Any malformed or foreign input yields
// ErrDecrypt.
func (p *Protector) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < p.aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, sealed := raw[:p.aead.NonceSize()], raw[p.aead.NonceSize():]
	plaintext, err := p.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
