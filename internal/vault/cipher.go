package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinMasterKeyLen is the shortest accepted master secret.
const MinMasterKeyLen = 32

var (
	ErrShortMasterKey = errors.New("vault: master key too short")
	ErrDecrypt        = errors.New("vault: ciphertext cannot be opened")
)

const keyInfo = "gatekeeper credential vault v1"

// Cipher seals secrets with XChaCha20-Poly1305 under a key derived from the
// master secret. Associated data binds each blob to its owner.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the data key from masterKey with HKDF-SHA256.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, ErrShortMasterKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving vault key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating vault cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext. The output is nonce || ciphertext.
func (c *Cipher) Seal(plaintext []byte, aad string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, []byte(aad)), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (c *Cipher) Open(blob []byte, aad string) ([]byte, error) {
	if len(blob) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// AAD builds associated data from the record owner and purpose.
func AAD(tenant, providerName, purpose string) string {
	return tenant + "|" + providerName + "|" + purpose
}
