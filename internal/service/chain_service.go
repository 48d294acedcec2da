package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/427h5dvrch-lang/human-origin/internal/chain"
	"github.com/427h5dvrch-lang/human-origin/internal/config"
	"github.com/427h5dvrch-lang/human-origin/internal/database"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

// ChainService serves the derived views of a project's certificate chain.
type ChainService struct {
	db  *database.Database
	cfg *config.Config
}

// NewChainService creates a new chain service
func NewChainService(db *database.Database, cfg *config.Config) *ChainService {
	return &ChainService{db: db, cfg: cfg}
}

// Head returns the latest certified link of a project, or a GENESIS head
// when nothing is certified yet.
func (s *ChainService) Head(ctx context.Context, callerID, projectID string) (protocol.ChainHead, error) {
	if _, err := s.rows(ctx, callerID, projectID); err != nil {
		return protocol.ChainHead{}, err
	}
	head, ok, err := s.db.Head(ctx, projectID)
	if err != nil {
		return protocol.ChainHead{}, fmt.Errorf("failed to get chain head: %w", err)
	}
	if !ok {
		head.PayloadHash = protocol.Genesis
	}
	return head, nil
}

// Master aggregates the project chain into its master certificate.
func (s *ChainService) Master(ctx context.Context, callerID, projectID string) (chain.Master, error) {
	rows, err := s.rows(ctx, callerID, projectID)
	if err != nil {
		return chain.Master{}, err
	}
	master, err := chain.BuildMaster(projectID, rows)
	if errors.Is(err, chain.ErrEmptyChain) {
		return chain.Master{}, ErrNotFound
	}
	return master, err
}

// Rows returns the certified chain of a project in chain order, so a device
// can verify it without the authority.
func (s *ChainService) Rows(ctx context.Context, callerID, projectID string) ([]chain.Row, error) {
	return s.rows(ctx, callerID, projectID)
}

// Verify checks the whole project chain, including the authority seals.
func (s *ChainService) Verify(ctx context.Context, callerID, projectID, expectedMaster string) (chain.Report, error) {
	rows, err := s.rows(ctx, callerID, projectID)
	if err != nil {
		return chain.Report{}, err
	}
	opts := chain.VerifyOptions{ExpectedMasterHash: expectedMaster}
	if s.cfg.Authority.Secret != "" {
		opts.Secret = []byte(s.cfg.Authority.Secret)
	}
	return chain.Verify(projectID, rows, opts), nil
}

// rows loads the chain after checking that the caller owns the project and
// every certified session in it.
func (s *ChainService) rows(ctx context.Context, callerID, projectID string) ([]chain.Row, error) {
	if err := authorizeProject(ctx, s.db, callerID, projectID); err != nil {
		return nil, err
	}
	rows, err := s.db.ChainRows(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}
	for _, r := range rows {
		if !r.Corrupt() && r.CertJSON.StringAt("meta", "user_id") != callerID {
			return nil, ErrForbidden
		}
	}
	return rows, nil
}
