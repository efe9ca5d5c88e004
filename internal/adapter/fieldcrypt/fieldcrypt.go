// Package fieldcrypt provides authenticated field-level encryption for
// credentials at rest. Ciphertext is self-describing (scheme prefix + nonce)
// so the key or algorithm can rotate without a schema change.
package fieldcrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// scheme tags the ciphertext format: XChaCha20-Poly1305, version 1.
const scheme = "xc20p1"

// Encryptor seals and opens credential strings with a single process-wide
// master key.
type Encryptor struct {
	aead cipher.AEAD
}

// New builds an Encryptor from the master key. The key must decode (hex or
// base64) to exactly 32 bytes.
func New(masterKey string) (*Encryptor, error) {
	key, err := decodeKey(masterKey)
	if err != nil {
		return nil, fmt.Errorf("op=fieldcrypt.New: %w: %w", domain.ErrConfig, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("op=fieldcrypt.New: %w: %w", domain.ErrConfig, err)
	}
	return &Encryptor{aead: aead}, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("master key must decode to %d bytes", chacha20poly1305.KeySize)
}

// Encrypt seals plaintext into an opaque self-describing string.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("op=fieldcrypt.Encrypt: %w: %w", domain.ErrCrypto, err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), []byte(scheme))
	return scheme + ":" + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an opaque string produced by Encrypt. Tampered ciphertext or
// ciphertext sealed under a different key fails with domain.ErrCrypto; it
// never silently returns garbage.
func (e *Encryptor) Decrypt(opaque string) (string, error) {
	tag, rest, ok := strings.Cut(opaque, ":")
	if !ok || tag != scheme {
		return "", fmt.Errorf("op=fieldcrypt.Decrypt: %w: unknown ciphertext scheme", domain.ErrCrypto)
	}
	raw, err := base64.RawStdEncoding.DecodeString(rest)
	if err != nil {
		return "", fmt.Errorf("op=fieldcrypt.Decrypt: %w: %w", domain.ErrCrypto, err)
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("op=fieldcrypt.Decrypt: %w: ciphertext too short", domain.ErrCrypto)
	}
	plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], []byte(scheme))
	if err != nil {
		return "", fmt.Errorf("op=fieldcrypt.Decrypt: %w: %w", domain.ErrCrypto, err)
	}
	return string(plain), nil
}
