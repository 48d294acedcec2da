package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/database/models"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
	"github.com/427h5dvrch-lang/human-origin/internal/service"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) UpsertProject(ctx context.Context, callerID string, rec *protocol.ProjectRecord) (*models.Project, error) {
	args := m.Called(ctx, callerID, rec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Project), args.Error(1)
}

func (m *MockLedger) ListProjects(ctx context.Context, callerID string) ([]*models.Project, error) {
	args := m.Called(ctx, callerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Project), args.Error(1)
}

func (m *MockLedger) UpsertSession(ctx context.Context, callerID, id string, rec *protocol.SessionRecord) error {
	return m.Called(ctx, callerID, id, rec).Error(0)
}

func (m *MockLedger) PatchSession(ctx context.Context, callerID, id string, patch *protocol.SessionPatch) error {
	return m.Called(ctx, callerID, id, patch).Error(0)
}

func (m *MockLedger) GetSession(ctx context.Context, callerID, id string) (*models.Session, error) {
	args := m.Called(ctx, callerID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Session), args.Error(1)
}

func (m *MockLedger) InsertLocalCertificate(ctx context.Context, callerID, id string, rec *protocol.CertificateRecord) error {
	return m.Called(ctx, callerID, id, rec).Error(0)
}

func (m *MockLedger) GetCertificate(ctx context.Context, callerID, id string) (*models.Certificate, error) {
	args := m.Called(ctx, callerID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Certificate), args.Error(1)
}

func ledgerRouter(ledger Ledger) *gin.Engine {
	h := NewLedgerHandler(ledger, zap.NewNop())
	router := setupTestRouter()
	router.Use(asUser("user-1"))
	router.PUT("/projects", h.UpsertProject)
	router.GET("/projects", h.ListProjects)
	router.PUT("/sessions/:id", h.UpsertSession)
	router.PATCH("/sessions/:id", h.PatchSession)
	router.GET("/sessions/:id", h.GetSession)
	router.PUT("/certificates/:id", h.InsertCertificate)
	router.GET("/certificates/:id", h.GetCertificate)
	return router
}

func TestLedgerHandler_Projects(t *testing.T) {
	t.Run("Upsert", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("UpsertProject", anyCtx, "user-1", &protocol.ProjectRecord{Name: "novel"}).
			Return(&models.Project{ID: "p-1", UserID: "user-1", Name: "novel"}, nil)

		w := do(ledgerRouter(ledger), http.MethodPut, "/projects", map[string]string{"name": "novel"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "p-1", decode(t, w)["id"])
		ledger.AssertExpectations(t)
	})

	t.Run("List is never null", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("ListProjects", anyCtx, "user-1").Return([]*models.Project(nil), nil)

		w := do(ledgerRouter(ledger), http.MethodGet, "/projects", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []any{}, decode(t, w)["projects"])
	})
}

func TestLedgerHandler_Sessions(t *testing.T) {
	started := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	t.Run("Upsert answers 204", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("UpsertSession", anyCtx, "user-1", "s-1", mock.MatchedBy(func(rec *protocol.SessionRecord) bool {
			return rec.ProjectID == "p-1" && rec.StartedAt.Equal(started)
		})).Return(nil)

		w := do(ledgerRouter(ledger), http.MethodPut, "/sessions/s-1", protocol.SessionRecord{
			ID: "s-1", ProjectID: "p-1", StartedAt: started, Status: protocol.StatusRunning,
		})
		assert.Equal(t, http.StatusNoContent, w.Code)
		ledger.AssertExpectations(t)
	})

	t.Run("Patch answers 204", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("PatchSession", anyCtx, "user-1", "s-1", mock.MatchedBy(func(p *protocol.SessionPatch) bool {
			return p.Status != nil && *p.Status == protocol.StatusStopped && p.ActiveMS == nil
		})).Return(nil)

		w := do(ledgerRouter(ledger), http.MethodPatch, "/sessions/s-1", map[string]string{"status": protocol.StatusStopped})
		assert.Equal(t, http.StatusNoContent, w.Code)
		ledger.AssertExpectations(t)
	})

	t.Run("Get", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("GetSession", anyCtx, "user-1", "s-1").Return(&models.Session{
			ID: "s-1", UserID: "user-1", ProjectID: "p-1", StartedAt: started,
			Status: protocol.StatusCertified,
			CertID: sql.NullString{String: "cert-1", Valid: true},
		}, nil)

		w := do(ledgerRouter(ledger), http.MethodGet, "/sessions/s-1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "cert-1", body["cert_id"])
		assert.Equal(t, protocol.StatusCertified, body["status"])
		assert.NotContains(t, body, "ended_at")
	})

	errs := []struct {
		err        error
		wantStatus int
	}{
		{err: service.ErrForbidden, wantStatus: http.StatusForbidden},
		{err: service.ErrNotFound, wantStatus: http.StatusNotFound},
		{err: fmt.Errorf("%w: status PAUSED", service.ErrInvalid), wantStatus: http.StatusBadRequest},
		{err: errors.New("database is locked"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range errs {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ledger := new(MockLedger)
			ledger.On("GetSession", anyCtx, "user-1", "s-1").Return(nil, tt.err)

			w := do(ledgerRouter(ledger), http.MethodGet, "/sessions/s-1", nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", decode(t, w)["error"])
			}
		})
	}
}

func TestLedgerHandler_Certificates(t *testing.T) {
	t.Run("Insert answers 204", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("InsertLocalCertificate", anyCtx, "user-1", "cert-1", mock.MatchedBy(func(rec *protocol.CertificateRecord) bool {
			return rec.AuthoritySignature == protocol.LocalBypass
		})).Return(nil)

		w := do(ledgerRouter(ledger), http.MethodPut, "/certificates/cert-1", map[string]any{
			"id":                  "cert-1",
			"authority_signature": protocol.LocalBypass,
		})
		assert.Equal(t, http.StatusNoContent, w.Code)
		ledger.AssertExpectations(t)
	})

	t.Run("Get returns cert_json as an object", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("GetCertificate", anyCtx, "user-1", "cert-1").Return(&models.Certificate{
			ID:                 "cert-1",
			UserID:             "user-1",
			AuthoritySignature: protocol.LocalBypass,
			CertJSON:           `{"protocol":"ho3.cert.v2","scores":{"evidence":64,"scp":82}}`,
		}, nil)

		w := do(ledgerRouter(ledger), http.MethodGet, "/certificates/cert-1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		certJSON, ok := body["cert_json"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, protocol.ProtocolV2, certJSON["protocol"])
	})
}
