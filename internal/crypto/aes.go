// Package crypto holds the device-side key material and the primitives shared
// by devices and the authority: Ed25519 device signatures over payload
// hashes, the HMAC authority seal, AES-256-GCM storage of the device seed and
// of local drafts, and key backup export (PEM and PKCS#12).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	wrappingKeySize = 32
	saltSize        = 16
	wrappingInfo    = "human-origin/device-key/v1"
	draftInfo       = "human-origin/drafts/v1"
	draftVersion    = 1
)

var ErrDraftFormat = errors.New("crypto: unsupported or truncated draft")

// EncryptKey encrypts key material with AES-256-GCM. The nonce is prepended
// to the ciphertext and associatedData is authenticated but not stored.
func EncryptKey(plaintext []byte, wrappingKey []byte, associatedData string) ([]byte, error) {
	gcm, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, []byte(associatedData)), nil
}

// DecryptKey reverses EncryptKey.
func DecryptKey(encrypted []byte, wrappingKey []byte, associatedData string) ([]byte, error) {
	gcm, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(encrypted) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := encrypted[:nonceSize], encrypted[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// DeriveWrappingKey stretches a local passphrase into the AES key that
// protects the device seed. The salt is stored next to the sealed seed.
func DeriveWrappingKey(passphrase []byte, salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, passphrase, salt, []byte(wrappingInfo))
	key := make([]byte, wrappingKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// NewSalt returns a random salt for DeriveWrappingKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DraftKey derives the key that seals local drafts from the device key, so
// drafts open only where the device key does.
func DraftKey(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrUnsupportedKey
	}
	reader := hkdf.New(sha256.New, priv.Seed(), nil, []byte(draftInfo))
	key := make([]byte, wrappingKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// SealDraft encrypts a draft of sessionID. The output is a version byte
// followed by the nonce and the ciphertext; the session id is authenticated
// so a sealed draft cannot be moved to another session.
func SealDraft(key []byte, sessionID string, plaintext []byte) ([]byte, error) {
	sealed, err := EncryptKey(plaintext, key, sessionID)
	if err != nil {
		return nil, err
	}
	return append([]byte{draftVersion}, sealed...), nil
}

// OpenDraft reverses SealDraft.
func OpenDraft(key []byte, sessionID string, sealed []byte) ([]byte, error) {
	if len(sealed) < 1 || sealed[0] != draftVersion {
		return nil, ErrDraftFormat
	}
	return DecryptKey(sealed[1:], key, sessionID)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
