package client

import (
	"context"

	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/chain"
	"github.com/427h5dvrch-lang/human-origin/internal/localdb"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

// PendingCounter reports undelivered queue entries.
type PendingCounter interface {
	Pending(ctx context.Context, owner string) (int, error)
}

// Heads resolves chain heads for one user. While the device holds
// undelivered mutations, or when the authority is unreachable, the locally
// cached head is used.
type Heads struct {
	remote  chain.HeadSource
	local   *localdb.Store
	pending PendingCounter
	userID  string
	logger  *zap.Logger
}

func NewHeads(remote chain.HeadSource, local *localdb.Store, pending PendingCounter, userID string, logger *zap.Logger) *Heads {
	return &Heads{remote: remote, local: local, pending: pending, userID: userID, logger: logger}
}

func (h *Heads) Head(ctx context.Context, projectID string) (protocol.ChainHead, bool, error) {
	local, haveLocal, err := h.local.Head(ctx, h.userID, projectID)
	if err != nil {
		return protocol.ChainHead{}, false, err
	}

	n, err := h.pending.Pending(ctx, h.userID)
	if err != nil {
		return protocol.ChainHead{}, false, err
	}
	if n > 0 && haveLocal {
		return local, true, nil
	}

	remote, ok, err := h.remote.Head(ctx, projectID)
	if err != nil {
		if Unavailable(err) {
			h.logger.Warn("Authority unreachable, using cached chain head",
				zap.String("project_id", projectID),
				zap.Bool("cached", haveLocal),
				zap.Error(err),
			)
			return local, haveLocal, nil
		}
		return protocol.ChainHead{}, false, err
	}
	return remote, ok, nil
}
