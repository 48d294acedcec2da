package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

var (
	ErrMalformedHash    = errors.New("crypto: malformed hash")
	ErrUnsupportedAlg   = errors.New("crypto: unsupported signature algorithm")
	ErrMalformedKey     = errors.New("crypto: malformed public key")
	ErrInvalidSignature = errors.New("crypto: signature invalid")
)

// Signer produces detached Ed25519 signatures over payload hashes with a key
// that never leaves the device.
type Signer struct {
	priv  ed25519.PrivateKey
	keyID string
}

// NewSigner wraps priv. An empty keyID defaults to KeyID(public key).
func NewSigner(priv ed25519.PrivateKey, keyID string) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	if keyID == "" {
		keyID = KeyID(pub)
	}
	return &Signer{priv: priv, keyID: keyID}, nil
}

// KeyID is the stable local identifier of a device key: the first 16 hex
// characters of sha256(public key).
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

func (s *Signer) KeyID() string { return s.keyID }

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign signs the 32 bytes encoded by payloadHash.
func (s *Signer) Sign(payloadHash string) (protocol.DeviceSignature, error) {
	msg, err := DecodeHash(payloadHash)
	if err != nil {
		return protocol.DeviceSignature{}, err
	}
	sig := ed25519.Sign(s.priv, msg)
	return protocol.DeviceSignature{
		Alg:       protocol.AlgEd25519,
		PublicKey: base64.StdEncoding.EncodeToString(s.PublicKey()),
		Signature: base64.StdEncoding.EncodeToString(sig),
		KeyID:     s.keyID,
	}, nil
}

// DecodeHash decodes a 64 character hex digest into its 32 bytes. Either
// letter case is accepted.
func DecodeHash(h string) ([]byte, error) {
	if len(h) != 2*sha256.Size {
		return nil, ErrMalformedHash
	}
	b, err := hex.DecodeString(h)
	if err != nil || len(b) != sha256.Size {
		return nil, ErrMalformedHash
	}
	return b, nil
}
