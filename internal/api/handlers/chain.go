package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/chain"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

// Chains serves the derived chain views.
type Chains interface {
	Head(ctx context.Context, callerID, projectID string) (protocol.ChainHead, error)
	Master(ctx context.Context, callerID, projectID string) (chain.Master, error)
	Verify(ctx context.Context, callerID, projectID, expectedMaster string) (chain.Report, error)
	Rows(ctx context.Context, callerID, projectID string) ([]chain.Row, error)
}

// ChainHandler serves /api/v1/projects/:id/{head,chain,master,verify}.
type ChainHandler struct {
	chains Chains
	logger *zap.Logger
}

// NewChainHandler creates a new chain handler
func NewChainHandler(chains Chains, logger *zap.Logger) *ChainHandler {
	return &ChainHandler{
		chains: chains,
		logger: logger,
	}
}

// Head returns the latest certified link of a project.
// @Router /api/v1/projects/{id}/head [get]
func (h *ChainHandler) Head(c *gin.Context) {
	head, err := h.chains.Head(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err, "get chain head")
		return
	}
	c.JSON(http.StatusOK, head)
}

// ChainView is the certified chain of a project.
type ChainView struct {
	ProjectID string      `json:"project_id"`
	Rows      []chain.Row `json:"rows"`
}

// Chain returns the certified rows of a project in chain order.
// @Router /api/v1/projects/{id}/chain [get]
func (h *ChainHandler) Chain(c *gin.Context) {
	rows, err := h.chains.Rows(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err, "load chain")
		return
	}
	if rows == nil {
		rows = []chain.Row{}
	}
	c.JSON(http.StatusOK, ChainView{ProjectID: c.Param("id"), Rows: rows})
}

// Master returns the master certificate of a project.
// @Router /api/v1/projects/{id}/master [get]
func (h *ChainHandler) Master(c *gin.Context) {
	master, err := h.chains.Master(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err, "build master certificate")
		return
	}
	c.JSON(http.StatusOK, master)
}

// Verify checks a project chain. A failed check is still a 200; the report
// says what failed.
// @Router /api/v1/projects/{id}/verify [get]
func (h *ChainHandler) Verify(c *gin.Context) {
	report, err := h.chains.Verify(c.Request.Context(), callerID(c), c.Param("id"), c.Query("master_hash"))
	if err != nil {
		writeError(c, h.logger, err, "verify chain")
		return
	}
	if !report.OK {
		h.logger.Warn("Chain verification failed",
			zap.String("project_id", report.ProjectID),
			zap.Int("failures", len(report.Failures)),
		)
	}
	c.JSON(http.StatusOK, report)
}
