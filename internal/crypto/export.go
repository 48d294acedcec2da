package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// backupValidity is how long the self-signed backup certificate is valid.
// Only the key inside matters; the certificate makes the bundle importable.
const backupValidity = 10 * 365 * 24 * time.Hour

// ExportPEM exports the device key as a PKCS#8 private key followed by its
// public key.
func ExportPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	out := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})...)
	return string(out), nil
}

// ParsePEMKey reads a key exported by ExportPEM.
func ParsePEMKey(data []byte) (ed25519.PrivateKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrInvalidKeyFormat
		}
		if block.Type != "PRIVATE KEY" {
			continue
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, key)
		}
		return priv, nil
	}
}

// ExportPKCS12 wraps the device key in a password protected PKCS#12 bundle
// with a self-signed certificate naming the key id.
func ExportPKCS12(priv ed25519.PrivateKey, password string) ([]byte, error) {
	cert, err := selfSignedDeviceCert(priv)
	if err != nil {
		return nil, err
	}

	pfxData, err := pkcs12.Modern2023.Encode(priv, cert, nil, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12: %w", err)
	}
	return pfxData, nil
}

// ParsePKCS12 reads a bundle written by ExportPKCS12.
func ParsePKCS12(pfxData []byte, password string) (ed25519.PrivateKey, *x509.Certificate, error) {
	key, cert, err := pkcs12.Decode(pfxData, password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, key)
	}
	return priv, cert, nil
}

func selfSignedDeviceCert(priv ed25519.PrivateKey) (*x509.Certificate, error) {
	pub := priv.Public().(ed25519.PublicKey)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "device " + KeyID(pub),
			Organization: []string{"Human Origin"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(backupValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
