// Package protocol defines the certificate wire format shared by issuing
// devices and the authority: the unsigned certificate, the device signature
// envelope, the integrity/authority blocks stored in cert_json and the JSON
// bodies of the notary and ledger endpoints.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
)

// Protocol tags. v1 treats payload_hash as an opaque client hash; v2 binds it
// to the canonical hash of the unsigned certificate.
const (
	ProtocolV1 = "ho3.cert.v1"
	ProtocolV2 = "ho3.cert.v2"
)

const (
	// Genesis is the prev_session_hash of the first certified session.
	Genesis = canon.GenesisHash
	// LocalBypass is the authority_signature of certificates issued without
	// the authority.
	LocalBypass = "local-bypass-mode"
	// AlgEd25519 is the only accepted device signature algorithm.
	AlgEd25519 = "ed25519"
)

// TimeLayout is the ISO 8601 form used for every timestamp on the wire.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	ErrUnknownProtocol   = errors.New("protocol: unknown protocol tag")
	ErrMalformedEnvelope = errors.New("protocol: malformed device signature")
)

// FormatTime renders t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Supported reports whether tag is a protocol this build understands.
func Supported(tag string) bool {
	return tag == ProtocolV1 || tag == ProtocolV2
}

// BindsPayloadHash reports whether the protocol requires payload_hash to equal
// the canonical hash of the unsigned certificate.
func BindsPayloadHash(tag string) bool {
	return tag == ProtocolV2
}

// Meta identifies the session a certificate covers and links it to the
// previous certificate of the project.
type Meta struct {
	UserID          string `json:"user_id"`
	ProjectID       string `json:"project_id"`
	SessionID       string `json:"session_id"`
	CreatedAt       string `json:"created_at"`
	PrevSessionHash string `json:"prev_session_hash"`
}

// Scores carries the opaque humanness scores as exact integers.
type Scores struct {
	SCP      int64 `json:"scp"`
	Evidence int64 `json:"evidence"`
}

// UnsignedCertificate is the payload hashed and signed by the device.
type UnsignedCertificate struct {
	Protocol string       `json:"protocol"`
	Meta     Meta         `json:"meta"`
	Scores   Scores       `json:"scores"`
	Diag     *canon.Value `json:"diag,omitempty"`
}

// Value converts the certificate into its canonicalizable form.
func (u UnsignedCertificate) Value() canon.Value {
	v := canon.Object(
		canon.Member{Key: "protocol", Value: canon.String(u.Protocol)},
		canon.Member{Key: "meta", Value: canon.Object(
			canon.Member{Key: "user_id", Value: canon.String(u.Meta.UserID)},
			canon.Member{Key: "project_id", Value: canon.String(u.Meta.ProjectID)},
			canon.Member{Key: "session_id", Value: canon.String(u.Meta.SessionID)},
			canon.Member{Key: "created_at", Value: canon.String(u.Meta.CreatedAt)},
			canon.Member{Key: "prev_session_hash", Value: canon.String(u.Meta.PrevSessionHash)},
		)},
		canon.Member{Key: "scores", Value: canon.Object(
			canon.Member{Key: "scp", Value: canon.Int(u.Scores.SCP)},
			canon.Member{Key: "evidence", Value: canon.Int(u.Scores.Evidence)},
		)},
	)
	if u.Diag != nil {
		v = v.Set("diag", *u.Diag)
	}
	return v
}

// Hash is the payload hash of the certificate.
func (u UnsignedCertificate) Hash() string {
	return canon.Hash(u.Value())
}

// MetaOf extracts the meta block from a generic unsigned certificate value.
func MetaOf(v canon.Value) Meta {
	return Meta{
		UserID:          v.StringAt("meta", "user_id"),
		ProjectID:       v.StringAt("meta", "project_id"),
		SessionID:       v.StringAt("meta", "session_id"),
		CreatedAt:       v.StringAt("meta", "created_at"),
		PrevSessionHash: v.StringAt("meta", "prev_session_hash"),
	}
}

// DeviceSignature is the detached signature envelope produced on the device.
type DeviceSignature struct {
	Alg       string `json:"alg"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	KeyID     string `json:"key_id"`
}

// Encode returns the JSON string form sent in the notary request.
func (d DeviceSignature) Encode() string {
	b, _ := json.Marshal(d)
	return string(b)
}

// ParseDeviceSignature accepts the envelope either as a JSON-encoded string
// or as a JSON object.
func ParseDeviceSignature(raw json.RawMessage) (DeviceSignature, error) {
	var sig DeviceSignature
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return sig, ErrMalformedEnvelope
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return sig, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		trimmed = inner
	}
	if err := json.Unmarshal([]byte(trimmed), &sig); err != nil {
		return sig, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if sig.PublicKey == "" || sig.Signature == "" {
		return sig, ErrMalformedEnvelope
	}
	return sig, nil
}

// Integrity is the block binding the stored certificate to its hashes and
// device signature.
type Integrity struct {
	PayloadHash     string `json:"payload_hash"`
	CertHash        string `json:"cert_hash,omitempty"`
	DeviceKeyID     string `json:"device_key_id"`
	DevicePublicKey string `json:"device_public_key"`
	DeviceSignature string `json:"device_signature"`
}

// Authority is the notarization block added by the authority.
type Authority struct {
	ServerReceivedAt   string `json:"server_received_at"`
	AuthorityKeyID     string `json:"authority_key_id"`
	AuthoritySignature string `json:"authority_signature"`
	AuthorityMessage   string `json:"authority_message"`
}

// Blocks that are not part of the hashed certificate content.
const (
	IntegrityKey = "integrity"
	AuthorityKey = "authority"
)

// BuildCertJSON assembles the stored cert_json document.
func BuildCertJSON(unsigned canon.Value, integrity Integrity, authority *Authority) canon.Value {
	v := unsigned.Set(IntegrityKey, canon.MustFromAny(integrity))
	if authority != nil {
		v = v.Set(AuthorityKey, canon.MustFromAny(*authority))
	}
	return v
}

// ContentOf strips the integrity and authority blocks, leaving the unsigned
// certificate that was hashed at issuance.
func ContentOf(certJSON canon.Value) canon.Value {
	return certJSON.Without(IntegrityKey, AuthorityKey)
}
