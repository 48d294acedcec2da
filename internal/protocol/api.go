package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
)

// Session statuses.
const (
	StatusRunning   = "RUNNING"
	StatusStopped   = "STOPPED"
	StatusCertified = "CERTIFIED"
)

// projectNamespace scopes the name-based project ids.
var projectNamespace = uuid.MustParse("6f1c2c1e-3a57-4d0e-9a1b-5b8f3f0e7c21")

// ProjectID derives the project id from its (owner, name) key so every device
// computes the same id without a round trip.
func ProjectID(ownerID, name string) string {
	return uuid.NewSHA1(projectNamespace, []byte(ownerID+"/"+name)).String()
}

// NotaryRequest is the body of POST /api/v1/sign-cert.
type NotaryRequest struct {
	CertUnsigned    json.RawMessage `json:"cert_unsigned"`
	PayloadHash     string          `json:"payload_hash"`
	DeviceSignature json.RawMessage `json:"device_signature"`
}

// NotaryStatusSigned is the status reported for authority-issued certificates.
const NotaryStatusSigned = "signed_by_authority"

// NotaryResponse is returned when the authority issues a certificate.
type NotaryResponse struct {
	CertID         string `json:"cert_id"`
	IssuedAt       string `json:"issued_at"`
	AuthorityKeyID string `json:"authority_key_id"`
	Status         string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// ProjectRecord is the project-upsert payload.
type ProjectRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRecord is the session-insert payload; inserts are later-wins
// upserts keyed on ID.
type SessionRecord struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	ProjectID     string     `json:"project_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ActiveMS      int64      `json:"active_ms"`
	IdleMS        int64      `json:"idle_ms"`
	EventsCount   int64      `json:"events_count"`
	SCPScore      int64      `json:"scp_score"`
	EvidenceScore int64      `json:"evidence_score"`
	Status        string     `json:"status"`
	CertID        string     `json:"cert_id,omitempty"`
	CertifiedAt   *time.Time `json:"certified_at,omitempty"`
}

// SessionPatch is the session-update payload. Nil fields are left unchanged.
type SessionPatch struct {
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ActiveMS      *int64     `json:"active_ms,omitempty"`
	IdleMS        *int64     `json:"idle_ms,omitempty"`
	EventsCount   *int64     `json:"events_count,omitempty"`
	SCPScore      *int64     `json:"scp_score,omitempty"`
	EvidenceScore *int64     `json:"evidence_score,omitempty"`
	Status        *string    `json:"status,omitempty"`
	CertID        *string    `json:"cert_id,omitempty"`
	CertifiedAt   *time.Time `json:"certified_at,omitempty"`
}

// SessionUpdate addresses a patch to one session; it is the queued form of
// the session-update operation.
type SessionUpdate struct {
	SessionID string       `json:"session_id"`
	Patch     SessionPatch `json:"patch"`
}

// CertificateRecord is the certificate-insert payload used by the degraded
// path.
type CertificateRecord struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	ProjectID          string          `json:"project_id"`
	SessionID          string          `json:"session_id"`
	IssuedAt           time.Time       `json:"issued_at"`
	PayloadHash        string          `json:"payload_hash"`
	DeviceSignature    DeviceSignature `json:"device_signature"`
	AuthoritySignature string          `json:"authority_signature"`
	CertJSON           canon.Value     `json:"cert_json"`
}

// ChainHead is the latest certified link of a project.
type ChainHead struct {
	ProjectID   string `json:"project_id"`
	SessionID   string `json:"session_id,omitempty"`
	CertID      string `json:"cert_id,omitempty"`
	PayloadHash string `json:"payload_hash"`
}
