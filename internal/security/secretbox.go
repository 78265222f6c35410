package security

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when a sealed value cannot be opened (wrong key or tampered data).
var ErrDecrypt = errors.New("secretbox: decrypt failed")

// SecretBox seals small secrets (TOTP seeds) at rest with XChaCha20-Poly1305. The key comes from
// configuration and never from the database.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox returns a SecretBox over a 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// Seal encrypts plaintext; additional binds the ciphertext to a context such as the user id.
// Output is nonce || ciphertext.
func (b *SecretBox) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open decrypts a value produced by Seal with the same additional data.
func (b *SecretBox) Open(sealed, additional []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(sealed) < ns+b.aead.Overhead() {
		return nil, ErrDecrypt
	}
	out, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], additional)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}
