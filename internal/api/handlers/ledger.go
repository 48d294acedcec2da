package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/database/models"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

// Ledger stores the records devices deliver from their queue.
type Ledger interface {
	UpsertProject(ctx context.Context, callerID string, rec *protocol.ProjectRecord) (*models.Project, error)
	ListProjects(ctx context.Context, callerID string) ([]*models.Project, error)
	UpsertSession(ctx context.Context, callerID, id string, rec *protocol.SessionRecord) error
	PatchSession(ctx context.Context, callerID, id string, patch *protocol.SessionPatch) error
	GetSession(ctx context.Context, callerID, id string) (*models.Session, error)
	InsertLocalCertificate(ctx context.Context, callerID, id string, rec *protocol.CertificateRecord) error
	GetCertificate(ctx context.Context, callerID, id string) (*models.Certificate, error)
}

// LedgerHandler serves the project, session and certificate endpoints.
type LedgerHandler struct {
	ledger Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(ledger Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledger,
		logger: logger,
	}
}

// UpsertProject stores a project keyed on (owner, name).
// @Router /api/v1/projects [put]
func (h *LedgerHandler) UpsertProject(c *gin.Context) {
	var rec protocol.ProjectRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := h.ledger.UpsertProject(c.Request.Context(), callerID(c), &rec)
	if err != nil {
		writeError(c, h.logger, err, "store project")
		return
	}
	c.JSON(http.StatusOK, project)
}

// ListProjects returns the caller's projects.
// @Router /api/v1/projects [get]
func (h *LedgerHandler) ListProjects(c *gin.Context) {
	projects, err := h.ledger.ListProjects(c.Request.Context(), callerID(c))
	if err != nil {
		writeError(c, h.logger, err, "list projects")
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// UpsertSession inserts or merges a session.
// @Router /api/v1/sessions/{id} [put]
func (h *LedgerHandler) UpsertSession(c *gin.Context) {
	var rec protocol.SessionRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ledger.UpsertSession(c.Request.Context(), callerID(c), c.Param("id"), &rec); err != nil {
		writeError(c, h.logger, err, "store session")
		return
	}
	c.Status(http.StatusNoContent)
}

// PatchSession applies a partial session update.
// @Router /api/v1/sessions/{id} [patch]
func (h *LedgerHandler) PatchSession(c *gin.Context) {
	var patch protocol.SessionPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ledger.PatchSession(c.Request.Context(), callerID(c), c.Param("id"), &patch); err != nil {
		writeError(c, h.logger, err, "update session")
		return
	}
	c.Status(http.StatusNoContent)
}

// GetSession returns one session.
// @Router /api/v1/sessions/{id} [get]
func (h *LedgerHandler) GetSession(c *gin.Context) {
	s, err := h.ledger.GetSession(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err, "get session")
		return
	}
	c.JSON(http.StatusOK, sessionRecord(s))
}

// InsertCertificate stores a certificate issued in local-bypass mode.
// @Router /api/v1/certificates/{id} [put]
func (h *LedgerHandler) InsertCertificate(c *gin.Context) {
	var rec protocol.CertificateRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.ledger.InsertLocalCertificate(c.Request.Context(), callerID(c), c.Param("id"), &rec); err != nil {
		writeError(c, h.logger, err, "store certificate")
		return
	}
	c.Status(http.StatusNoContent)
}

// CertificateView is the stored form of a certificate.
type CertificateView struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	ProjectID          string          `json:"project_id"`
	SessionID          string          `json:"session_id"`
	IssuedAt           time.Time       `json:"issued_at"`
	PayloadHash        string          `json:"payload_hash"`
	CertHash           string          `json:"cert_hash,omitempty"`
	DeviceKeyID        string          `json:"device_key_id"`
	AuthoritySignature string          `json:"authority_signature"`
	AuthorityKeyID     string          `json:"authority_key_id,omitempty"`
	CertJSON           json.RawMessage `json:"cert_json"`
}

// GetCertificate returns one certificate with its cert_json.
// @Router /api/v1/certificates/{id} [get]
func (h *LedgerHandler) GetCertificate(c *gin.Context) {
	cert, err := h.ledger.GetCertificate(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err, "get certificate")
		return
	}
	c.JSON(http.StatusOK, CertificateView{
		ID:                 cert.ID,
		UserID:             cert.UserID,
		ProjectID:          cert.ProjectID,
		SessionID:          cert.SessionID,
		IssuedAt:           cert.IssuedAt,
		PayloadHash:        cert.PayloadHash,
		CertHash:           cert.CertHash,
		DeviceKeyID:        cert.DeviceKeyID,
		AuthoritySignature: cert.AuthoritySignature,
		AuthorityKeyID:     cert.AuthorityKeyID,
		CertJSON:           json.RawMessage(cert.CertJSON),
	})
}

func sessionRecord(s *models.Session) protocol.SessionRecord {
	rec := protocol.SessionRecord{
		ID:            s.ID,
		UserID:        s.UserID,
		ProjectID:     s.ProjectID,
		StartedAt:     s.StartedAt,
		ActiveMS:      s.ActiveMS,
		IdleMS:        s.IdleMS,
		EventsCount:   s.EventsCount,
		SCPScore:      s.SCPScore,
		EvidenceScore: s.EvidenceScore,
		Status:        s.Status,
		CertID:        s.CertID.String,
	}
	if s.EndedAt.Valid {
		rec.EndedAt = &s.EndedAt.Time
	}
	if s.CertifiedAt.Valid {
		rec.CertifiedAt = &s.CertifiedAt.Time
	}
	return rec
}
