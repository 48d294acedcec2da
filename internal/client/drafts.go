package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/crypto"
	"github.com/427h5dvrch-lang/human-origin/internal/localdb"
)

var ErrNoDraft = errors.New("client: no draft for session")

// Drafts keeps the work in progress of local sessions, sealed with a key
// derived from the device key.
type Drafts struct {
	store  *localdb.Store
	key    []byte
	logger *zap.Logger
	now    func() time.Time
}

func NewDrafts(store *localdb.Store, priv ed25519.PrivateKey, logger *zap.Logger) (*Drafts, error) {
	key, err := crypto.DraftKey(priv)
	if err != nil {
		return nil, err
	}
	return &Drafts{store: store, key: key, logger: logger, now: time.Now}, nil
}

// session returns a session of id after checking its owner.
func (d *Drafts) session(ctx context.Context, id Identity, sessionID string) (*localdb.Session, error) {
	s, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != id.UserID {
		return nil, ErrForeignSession
	}
	return s, nil
}

// Save seals content as the draft of a session, replacing any earlier one.
func (d *Drafts) Save(ctx context.Context, id Identity, sessionID string, content []byte) error {
	s, err := d.session(ctx, id, sessionID)
	if err != nil {
		return err
	}
	projectName := ""
	if p, err := d.store.GetProject(ctx, s.ProjectID); err == nil {
		projectName = p.Name
	}

	sealed, err := crypto.SealDraft(d.key, sessionID, content)
	if err != nil {
		return fmt.Errorf("client: seal draft: %w", err)
	}
	now := d.now().UTC()
	if err := d.store.SaveDraft(ctx, &localdb.Draft{
		SessionID:   sessionID,
		UserID:      id.UserID,
		ProjectName: projectName,
		CreatedAt:   now,
		UpdatedAt:   now,
		Sealed:      sealed,
	}); err != nil {
		return err
	}
	d.logger.Debug("Draft saved", zap.String("session_id", sessionID), zap.Int("bytes", len(content)))
	return nil
}

// Load opens the draft of a session.
func (d *Drafts) Load(ctx context.Context, id Identity, sessionID string) ([]byte, error) {
	draft, err := d.store.GetDraft(ctx, sessionID)
	if errors.Is(err, localdb.ErrNotFound) {
		return nil, fmt.Errorf("%w %s", ErrNoDraft, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if draft.UserID != id.UserID {
		return nil, ErrForeignSession
	}
	content, err := crypto.OpenDraft(d.key, sessionID, draft.Sealed)
	if err != nil {
		return nil, fmt.Errorf("client: open draft of %s: %w", sessionID, err)
	}
	return content, nil
}

// Delete removes the draft of a session.
func (d *Drafts) Delete(ctx context.Context, id Identity, sessionID string) error {
	draft, err := d.store.GetDraft(ctx, sessionID)
	if errors.Is(err, localdb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if draft.UserID != id.UserID {
		return ErrForeignSession
	}
	return d.store.DeleteDraft(ctx, sessionID)
}

// List returns the drafts of the signed in user.
func (d *Drafts) List(ctx context.Context, id Identity) ([]localdb.DraftInfo, error) {
	return d.store.ListDrafts(ctx, id.UserID)
}
