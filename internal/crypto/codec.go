// Package crypto implements the credential codec: authenticated symmetric
// encryption of provider API keys at rest.
//
// Ciphertext layout: 1 version byte || 12-byte random nonce || AES-256-GCM
// sealed payload. The GCM tag gives integrity; any bit flip fails decryption
// with apierr.ErrBadCredential. The key is derived once per process from
// ENCRYPTION_SECRET; rotating the secret requires re-encrypting stored rows.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/applyforge/ai-orchestrator/pkg/apierr"
)

const version byte = 0x01

// Codec seals and opens credential blobs. Safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives an AES-256 key from secret (SHA-256) and returns a ready
// codec. The secret must be non-empty.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("crypto: encryption secret must not be empty")
	}

	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, version)
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, []byte{version}), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Truncated, corrupted, or
// foreign ciphertexts fail with apierr.ErrBadCredential.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < 1+ns+c.aead.Overhead() {
		return nil, apierr.Wrap(apierr.KindBadCredential, "ciphertext too short", nil)
	}
	if ciphertext[0] != version {
		return nil, apierr.Wrap(apierr.KindBadCredential,
			fmt.Sprintf("unknown ciphertext version %d", ciphertext[0]), nil)
	}

	nonce := ciphertext[1 : 1+ns]
	sealed := ciphertext[1+ns:]

	plain, err := c.aead.Open(nil, nonce, sealed, []byte{version})
	if err != nil {
		return nil, apierr.ErrBadCredential
	}
	return plain, nil
}

// EncryptString is Encrypt for string credentials.
func (c *Codec) EncryptString(s string) ([]byte, error) {
	return c.Encrypt([]byte(s))
}

// DecryptString is Decrypt for string credentials.
func (c *Codec) DecryptString(ciphertext []byte) (string, error) {
	b, err := c.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
