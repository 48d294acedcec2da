package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	priv, err := GenerateDeviceKey()
	require.NoError(t, err)
	s, err := NewSigner(priv, "")
	require.NoError(t, err)
	return s
}

func TestSigner(t *testing.T) {
	s := newTestSigner(t)
	hash := strings.Repeat("aa", 32)

	t.Run("Sign produces a verifiable envelope", func(t *testing.T) {
		env, err := s.Sign(hash)
		require.NoError(t, err)

		assert.Equal(t, protocol.AlgEd25519, env.Alg)
		assert.Equal(t, s.KeyID(), env.KeyID)
		assert.Len(t, env.KeyID, 16)
		assert.Equal(t, base64.StdEncoding.EncodeToString(s.PublicKey()), env.PublicKey)
		assert.NoError(t, VerifyEnvelope(hash, env))
	})

	t.Run("Configured key id is kept", func(t *testing.T) {
		priv, err := GenerateDeviceKey()
		require.NoError(t, err)
		named, err := NewSigner(priv, "laptop-2026")
		require.NoError(t, err)
		env, err := named.Sign(hash)
		require.NoError(t, err)
		assert.Equal(t, "laptop-2026", env.KeyID)
	})

	t.Run("Malformed hashes are rejected", func(t *testing.T) {
		for _, h := range []string{"", "aa", strings.Repeat("aa", 31), strings.Repeat("aa", 33), strings.Repeat("zz", 32)} {
			_, err := s.Sign(h)
			assert.ErrorIs(t, err, ErrMalformedHash, h)
		}
	})

	t.Run("Uppercase hex signs the same digest", func(t *testing.T) {
		upper, err := s.Sign(strings.ToUpper(hash))
		require.NoError(t, err)
		lower, err := s.Sign(hash)
		require.NoError(t, err)
		assert.Equal(t, lower.Signature, upper.Signature)
		assert.NoError(t, VerifyEnvelope(strings.ToUpper(hash), lower))
	})

	t.Run("Invalid private key size", func(t *testing.T) {
		_, err := NewSigner(ed25519.PrivateKey([]byte("short")), "")
		assert.Error(t, err)
	})
}

func TestSignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msg := make([]byte, 32)
	_, err = rand.Read(msg)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, msg)

	require.True(t, Verify(pub, msg, sig))

	flip := func(b []byte, i int) []byte {
		c := append([]byte(nil), b...)
		c[i] ^= 0x01
		return c
	}

	t.Run("Any flipped message byte fails", func(t *testing.T) {
		for i := range msg {
			assert.False(t, Verify(pub, flip(msg, i), sig), "byte %d", i)
		}
	})

	t.Run("Any flipped signature byte fails", func(t *testing.T) {
		for i := range sig {
			assert.False(t, Verify(pub, msg, flip(sig, i)), "byte %d", i)
		}
	})

	t.Run("Any flipped public key byte fails", func(t *testing.T) {
		for i := range pub {
			assert.False(t, Verify(ed25519.PublicKey(flip(pub, i)), msg, sig), "byte %d", i)
		}
	})
}

func TestVerifyEnvelope(t *testing.T) {
	s := newTestSigner(t)
	hash := canon.HashString("payload")
	env, err := s.Sign(hash)
	require.NoError(t, err)

	t.Run("Other hash fails", func(t *testing.T) {
		err := VerifyEnvelope(canon.HashString("other"), env)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("Unsupported algorithm", func(t *testing.T) {
		bad := env
		bad.Alg = "rsa"
		assert.ErrorIs(t, VerifyEnvelope(hash, bad), ErrUnsupportedAlg)
	})

	t.Run("Algorithm is case insensitive", func(t *testing.T) {
		upper := env
		upper.Alg = "Ed25519"
		assert.NoError(t, VerifyEnvelope(hash, upper))
	})

	t.Run("Malformed public key", func(t *testing.T) {
		bad := env
		bad.PublicKey = base64.StdEncoding.EncodeToString([]byte("short"))
		assert.ErrorIs(t, VerifyEnvelope(hash, bad), ErrMalformedKey)

		bad.PublicKey = "%%%"
		assert.ErrorIs(t, VerifyEnvelope(hash, bad), ErrMalformedKey)
	})

	t.Run("Key from another device fails", func(t *testing.T) {
		other := newTestSigner(t)
		bad := env
		bad.PublicKey = base64.StdEncoding.EncodeToString(other.PublicKey())
		assert.ErrorIs(t, VerifyEnvelope(hash, bad), ErrInvalidSignature)
	})

	t.Run("URL-safe unpadded encoding is accepted", func(t *testing.T) {
		raw, err := base64.StdEncoding.DecodeString(env.Signature)
		require.NoError(t, err)
		alt := env
		alt.Signature = base64.RawURLEncoding.EncodeToString(raw)
		assert.NoError(t, VerifyEnvelope(hash, alt))
	})

	t.Run("Malformed hash", func(t *testing.T) {
		assert.ErrorIs(t, VerifyEnvelope("abc", env), ErrMalformedHash)
	})
}
