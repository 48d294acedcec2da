package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SealFields are the values bound by the authority seal, in message order.
type SealFields struct {
	Protocol    string
	UserID      string
	ProjectID   string
	SessionID   string
	PayloadHash string
	CertHash    string
	ReceivedAt  string
}

// Message joins the sealed fields with "|".
func (f SealFields) Message() string {
	return strings.Join([]string{
		f.Protocol,
		f.UserID,
		f.ProjectID,
		f.SessionID,
		f.PayloadHash,
		f.CertHash,
		f.ReceivedAt,
	}, "|")
}

// Seal returns hex(HMAC-SHA256(secret, message)).
func Seal(secret []byte, message string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySeal compares seal against a fresh HMAC in constant time.
func VerifySeal(secret []byte, message, seal string) bool {
	got, err := hex.DecodeString(seal)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Seal(secret, message))
	return hmac.Equal(got, want)
}
