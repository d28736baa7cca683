package objectstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cipher seals and opens a single zone's object bodies as whole byte slices.
// It is the minimal surface the local/s3/gcs drivers need; they never see
// the zone master key directly.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// aeadCipher implements Cipher with AES-256-GCM, nonce prepended to the
// ciphertext.
type aeadCipher struct {
	gcm cipher.AEAD
}

// NewAEADCipher derives a per-zone key from masterKey via HKDF-SHA256
// (RFC 5869) using zoneID as the HKDF info parameter, so every zone gets an
// independent key without needing separate key storage.
func NewAEADCipher(masterKey []byte, zoneID string) (Cipher, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("objectstore: master key must be 32 bytes, got %d", len(masterKey))
	}

	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("nexus-objectstore:"+zoneID))
	zoneKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, zoneKey); err != nil {
		return nil, fmt.Errorf("derive zone key: %w", err)
	}

	block, err := aes.NewCipher(zoneKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &aeadCipher{gcm: gcm}, nil
}

func (c *aeadCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aeadCipher) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return c.gcm.Open(nil, nonce, body, nil)
}

// staticKeyProvider resolves every zone to a cipher derived from one
// master key, the common case for a single-operator deployment.
type staticKeyProvider struct {
	masterKey []byte
}

// NewStaticKeyProvider returns an EncryptionKeyProvider that derives all
// zone keys from a single master key via HKDF.
func NewStaticKeyProvider(masterKey []byte) EncryptionKeyProvider {
	return &staticKeyProvider{masterKey: masterKey}
}

func (p *staticKeyProvider) CipherFor(zoneID string) (Cipher, error) {
	return NewAEADCipher(p.masterKey, zoneID)
}
