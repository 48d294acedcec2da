package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

var (
	ErrInvalidKeyFormat = errors.New("crypto: invalid key format")
	ErrUnsupportedKey   = errors.New("crypto: unsupported key type (expected Ed25519)")
	ErrPassphrase       = errors.New("crypto: key is encrypted (passphrase required)")
	ErrWrongPassphrase  = errors.New("crypto: wrong passphrase or corrupted key file")
)

const keyFileVersion = 1

// keyFile is the on-disk form of the device key. The seed is sealed with a
// wrapping key derived from the local passphrase.
type keyFile struct {
	Version    int    `json:"version"`
	KeyID      string `json:"key_id"`
	PublicKey  []byte `json:"public_key"`
	Salt       []byte `json:"salt"`
	SealedSeed []byte `json:"sealed_seed"`
}

// GenerateDeviceKey creates a fresh Ed25519 keypair.
func GenerateDeviceKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}
	return priv, nil
}

// SaveDeviceKey writes priv to path with its seed encrypted under passphrase.
func SaveDeviceKey(path string, priv ed25519.PrivateKey, passphrase []byte) error {
	pub := priv.Public().(ed25519.PublicKey)
	keyID := KeyID(pub)

	salt, err := NewSalt()
	if err != nil {
		return err
	}
	wrappingKey, err := DeriveWrappingKey(passphrase, salt)
	if err != nil {
		return err
	}
	sealed, err := EncryptKey(priv.Seed(), wrappingKey, keyID)
	if err != nil {
		return fmt.Errorf("failed to seal device key: %w", err)
	}

	data, err := json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		KeyID:      keyID,
		PublicKey:  pub,
		Salt:       salt,
		SealedSeed: sealed,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadDeviceKey reads a key written by SaveDeviceKey.
func LoadDeviceKey(path string, passphrase []byte) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("%w: unknown key file version %d", ErrInvalidKeyFormat, kf.Version)
	}

	wrappingKey, err := DeriveWrappingKey(passphrase, kf.Salt)
	if err != nil {
		return nil, err
	}
	seed, err := DecryptKey(kf.SealedSeed, wrappingKey, kf.KeyID)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKeyFormat
	}

	priv := ed25519.NewKeyFromSeed(seed)
	if !priv.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(kf.PublicKey)) {
		return nil, ErrWrongPassphrase
	}
	return priv, nil
}

// ImportOpenSSHKey parses an OpenSSH Ed25519 private key. passphrase may be
// empty for unencrypted keys.
func ImportOpenSSHKey(data []byte, passphrase []byte) (ed25519.PrivateKey, error) {
	if block, _ := pem.Decode(data); block == nil {
		return nil, ErrInvalidKeyFormat
	}

	var (
		parsed any
		err    error
	)
	if len(passphrase) > 0 {
		parsed, err = ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	} else {
		parsed, err = ssh.ParseRawPrivateKey(data)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphrase
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}

	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}

// OpenSSHPublicKey renders pub as an authorized_keys line.
func OpenSSHPublicKey(pub ed25519.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	return string(ssh.MarshalAuthorizedKey(sshPub)), nil
}
