// Package models defines the rows stored by the authority: users, projects,
// capture sessions, certificates and system configuration.
package models

import (
	"database/sql"
	"time"
)

// User represents a system user
type User struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	CreatedAt    time.Time `db:"created_at"`
}

// Project groups the sessions of one work; unique per owner and name.
type Project struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Session is one capture session. Once CERTIFIED its status and cert_id
// never change.
type Session struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	ProjectID     string         `db:"project_id"`
	StartedAt     time.Time      `db:"started_at"`
	EndedAt       sql.NullTime   `db:"ended_at"`
	ActiveMS      int64          `db:"active_ms"`
	IdleMS        int64          `db:"idle_ms"`
	EventsCount   int64          `db:"events_count"`
	SCPScore      int64          `db:"scp_score"`
	EvidenceScore int64          `db:"evidence_score"`
	Status        string         `db:"status"`
	CertID        sql.NullString `db:"cert_id"`
	CertifiedAt   sql.NullTime   `db:"certified_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// Certificate is an issued session certificate. CertJSON holds the unsigned
// certificate plus its integrity block and, when notarized, its authority
// block.
type Certificate struct {
	ID                 string    `db:"id"`
	UserID             string    `db:"user_id"`
	ProjectID          string    `db:"project_id"`
	SessionID          string    `db:"session_id"`
	IssuedAt           time.Time `db:"issued_at"`
	PayloadHash        string    `db:"payload_hash"`
	CertHash           string    `db:"cert_hash"`
	DeviceKeyID        string    `db:"device_key_id"`
	DevicePublicKey    string    `db:"device_public_key"`
	DeviceSignature    string    `db:"device_signature"`
	AuthoritySignature string    `db:"authority_signature"`
	AuthorityKeyID     string    `db:"authority_key_id"`
	CertJSON           string    `db:"cert_json"`
}
