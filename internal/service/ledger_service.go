package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
	"github.com/427h5dvrch-lang/human-origin/internal/crypto"
	"github.com/427h5dvrch-lang/human-origin/internal/database"
	"github.com/427h5dvrch-lang/human-origin/internal/database/models"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

var (
	ErrForbidden = errors.New("resource belongs to another user")
	ErrNotFound  = errors.New("not found")
	ErrInvalid   = errors.New("invalid record")
)

// LedgerService stores the records delivered by devices. Every write is
// idempotent so the device queue can redeliver freely.
type LedgerService struct {
	db *database.Database
}

// NewLedgerService creates a new ledger service
func NewLedgerService(db *database.Database) *LedgerService {
	return &LedgerService{db: db}
}

// UpsertProject stores a project keyed on (owner, name). The stored row is
// returned, so a second device learns the id of the first insert.
func (s *LedgerService) UpsertProject(ctx context.Context, callerID string, rec *protocol.ProjectRecord) (*models.Project, error) {
	if rec.Name == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrInvalid)
	}
	if rec.UserID != "" && rec.UserID != callerID {
		return nil, ErrForbidden
	}

	id := rec.ID
	if id == "" {
		id = protocol.ProjectID(callerID, rec.Name)
	}
	existing, err := s.db.GetProject(ctx, id)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to get project: %w", err)
	case existing.UserID != callerID:
		return nil, ErrForbidden
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	project, err := s.db.UpsertProject(ctx, &models.Project{
		ID:        id,
		UserID:    callerID,
		Name:      rec.Name,
		CreatedAt: created,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store project: %w", err)
	}
	return project, nil
}

// ListProjects returns the caller's projects.
func (s *LedgerService) ListProjects(ctx context.Context, callerID string) ([]*models.Project, error) {
	projects, err := s.db.ListProjects(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// UpsertSession merges a session row, later values winning. Delivering the
// same record twice leaves one row.
func (s *LedgerService) UpsertSession(ctx context.Context, callerID, id string, rec *protocol.SessionRecord) error {
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ID != id {
		return fmt.Errorf("%w: session id does not match path", ErrInvalid)
	}
	if rec.ProjectID == "" || rec.StartedAt.IsZero() {
		return fmt.Errorf("%w: project_id and started_at are required", ErrInvalid)
	}
	if rec.UserID != "" && rec.UserID != callerID {
		return ErrForbidden
	}
	if !validStatus(rec.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, rec.Status)
	}
	if err := s.authorizeProject(ctx, callerID, rec.ProjectID); err != nil {
		return err
	}

	existing, err := s.db.GetSession(ctx, id)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to get session: %w", err)
	case existing.UserID != callerID:
		return ErrForbidden
	}

	session := &models.Session{
		ID:            id,
		UserID:        callerID,
		ProjectID:     rec.ProjectID,
		StartedAt:     rec.StartedAt,
		EndedAt:       optionalTime(rec.EndedAt),
		ActiveMS:      rec.ActiveMS,
		IdleMS:        rec.IdleMS,
		EventsCount:   rec.EventsCount,
		SCPScore:      rec.SCPScore,
		EvidenceScore: rec.EvidenceScore,
		Status:        rec.Status,
		CertifiedAt:   optionalTime(rec.CertifiedAt),
	}
	if rec.CertID != "" {
		session.CertID = sql.NullString{String: rec.CertID, Valid: true}
	}
	if err := s.db.UpsertSession(ctx, session); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// PatchSession applies a partial update to one of the caller's sessions.
func (s *LedgerService) PatchSession(ctx context.Context, callerID, id string, patch *protocol.SessionPatch) error {
	if patch.Status != nil && !validStatus(*patch.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, *patch.Status)
	}
	if _, err := s.GetSession(ctx, callerID, id); err != nil {
		return err
	}

	err := s.db.PatchSession(ctx, id, database.SessionPatch{
		EndedAt:       patch.EndedAt,
		ActiveMS:      patch.ActiveMS,
		IdleMS:        patch.IdleMS,
		EventsCount:   patch.EventsCount,
		SCPScore:      patch.SCPScore,
		EvidenceScore: patch.EvidenceScore,
		Status:        patch.Status,
		CertID:        patch.CertID,
		CertifiedAt:   patch.CertifiedAt,
	})
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// GetSession returns one of the caller's sessions.
func (s *LedgerService) GetSession(ctx context.Context, callerID, id string) (*models.Session, error) {
	session, err := s.db.GetSession(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.UserID != callerID {
		return nil, ErrForbidden
	}
	return session, nil
}

// InsertLocalCertificate stores a certificate issued by a device without the
// authority. Only local-bypass rows are accepted; their device signature and
// content hash must check out. Redelivery of the same id is a no-op.
func (s *LedgerService) InsertLocalCertificate(ctx context.Context, callerID, id string, rec *protocol.CertificateRecord) error {
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ID != id {
		return fmt.Errorf("%w: certificate id does not match path", ErrInvalid)
	}
	if rec.UserID != callerID {
		return ErrForbidden
	}
	if rec.AuthoritySignature != protocol.LocalBypass {
		return fmt.Errorf("%w: only %s certificates may be inserted", ErrInvalid, protocol.LocalBypass)
	}

	meta := protocol.MetaOf(rec.CertJSON)
	if meta.UserID != callerID || meta.ProjectID != rec.ProjectID || meta.SessionID != rec.SessionID {
		return fmt.Errorf("%w: cert_json meta does not match record", ErrInvalid)
	}
	if got := rec.CertJSON.StringAt(protocol.IntegrityKey, "payload_hash"); got != rec.PayloadHash {
		return fmt.Errorf("%w: integrity payload_hash does not match record", ErrInvalid)
	}
	if got := canon.Hash(protocol.ContentOf(rec.CertJSON)); got != rec.PayloadHash {
		return fmt.Errorf("%w: content hash does not match payload_hash", ErrInvalid)
	}
	if err := crypto.VerifyEnvelope(rec.PayloadHash, rec.DeviceSignature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.authorizeProject(ctx, callerID, rec.ProjectID); err != nil {
		return err
	}

	existing, err := s.db.GetCertificate(ctx, id)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to get certificate: %w", err)
	case existing.UserID != callerID:
		return ErrForbidden
	default:
		return nil
	}

	certJSON, err := json.Marshal(rec.CertJSON)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	_, err = s.db.InsertCertificate(ctx, &models.Certificate{
		ID:                 id,
		UserID:             callerID,
		ProjectID:          rec.ProjectID,
		SessionID:          rec.SessionID,
		IssuedAt:           rec.IssuedAt,
		PayloadHash:        rec.PayloadHash,
		DeviceKeyID:        rec.DeviceSignature.KeyID,
		DevicePublicKey:    rec.DeviceSignature.PublicKey,
		DeviceSignature:    rec.DeviceSignature.Encode(),
		AuthoritySignature: protocol.LocalBypass,
		CertJSON:           string(certJSON),
	})
	if err != nil {
		return fmt.Errorf("failed to store certificate: %w", err)
	}
	return nil
}

// GetCertificate returns one of the caller's certificates.
func (s *LedgerService) GetCertificate(ctx context.Context, callerID, id string) (*models.Certificate, error) {
	cert, err := s.db.GetCertificate(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	if cert.UserID != callerID {
		return nil, ErrForbidden
	}
	return cert, nil
}

// authorizeProject allows projects that are unknown (not delivered yet) or
// owned by the caller.
func (s *LedgerService) authorizeProject(ctx context.Context, callerID, projectID string) error {
	return authorizeProject(ctx, s.db, callerID, projectID)
}

func authorizeProject(ctx context.Context, db *database.Database, callerID, projectID string) error {
	project, err := db.GetProject(ctx, projectID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}
	if project.UserID != callerID {
		return ErrForbidden
	}
	return nil
}

func validStatus(status string) bool {
	switch status {
	case protocol.StatusRunning, protocol.StatusStopped, protocol.StatusCertified:
		return true
	}
	return false
}

func optionalTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
