package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

// VerifyEnvelope checks that env is a valid Ed25519 signature over the 32
// bytes of payloadHash.
func VerifyEnvelope(payloadHash string, env protocol.DeviceSignature) error {
	msg, err := DecodeHash(payloadHash)
	if err != nil {
		return err
	}
	if !strings.EqualFold(env.Alg, protocol.AlgEd25519) {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlg, env.Alg)
	}

	pub, err := decodeBase64(env.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrMalformedKey
	}
	sig, err := decodeBase64(env.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	if !Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Verify reports whether sig is a valid signature of msg by pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}
