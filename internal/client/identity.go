// Package client is the issuing-device side of the protocol: the signed in
// identity and its epoch, the HTTP client of the authority, local session
// recording and the certification flow with its local-bypass fallback.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/427h5dvrch-lang/human-origin/internal/localdb"
)

var (
	ErrNotLoggedIn = errors.New("client: not logged in")
	// ErrStale is returned when the identity changed while an operation was
	// waiting on the network. Nothing is written after it is detected.
	ErrStale = errors.New("client: identity changed, operation abandoned")
)

// Identity is the signed in user of the device.
type Identity struct {
	UserID    string
	Username  string
	Token     string
	ExpiresAt time.Time
}

const (
	keyUserID    = "identity.user_id"
	keyUsername  = "identity.username"
	keyToken     = "identity.token"
	keyExpiresAt = "identity.expires_at"
)

// LoadIdentity returns the identity stored on the device.
func LoadIdentity(ctx context.Context, store *localdb.Store) (Identity, error) {
	var id Identity
	var err error
	if id.UserID, err = store.Get(ctx, keyUserID); errors.Is(err, localdb.ErrNotFound) {
		return Identity{}, ErrNotLoggedIn
	} else if err != nil {
		return Identity{}, err
	}
	if id.Token, err = store.Get(ctx, keyToken); err != nil {
		return Identity{}, fmt.Errorf("client: load token: %w", err)
	}
	id.Username, _ = store.Get(ctx, keyUsername)
	if exp, err := store.Get(ctx, keyExpiresAt); err == nil {
		id.ExpiresAt, _ = time.Parse(time.RFC3339, exp)
	}
	return id, nil
}

// SaveIdentity signs id in and advances the epoch.
func SaveIdentity(ctx context.Context, store *localdb.Store, id Identity) (uint64, error) {
	for key, value := range map[string]string{
		keyUserID:    id.UserID,
		keyUsername:  id.Username,
		keyToken:     id.Token,
		keyExpiresAt: id.ExpiresAt.UTC().Format(time.RFC3339),
	} {
		if err := store.Set(ctx, key, value); err != nil {
			return 0, err
		}
	}
	return store.BumpEpoch(ctx)
}

// ClearIdentity signs the device out and advances the epoch.
func ClearIdentity(ctx context.Context, store *localdb.Store) (uint64, error) {
	if err := store.Delete(ctx, keyUserID, keyUsername, keyToken, keyExpiresAt); err != nil {
		return 0, err
	}
	return store.BumpEpoch(ctx)
}

// EpochSource reports the current identity epoch. *localdb.Store is the
// durable source shared by every process on the device.
type EpochSource interface {
	Epoch(ctx context.Context) (uint64, error)
}

// MemoryEpoch is an in-process epoch counter.
type MemoryEpoch struct {
	n atomic.Uint64
}

// Bump advances the epoch and returns the new value.
func (e *MemoryEpoch) Bump() uint64 {
	return e.n.Add(1)
}

func (e *MemoryEpoch) Epoch(context.Context) (uint64, error) {
	return e.n.Load(), nil
}

// SessionContext is captured when a certification or flush starts and is
// passed explicitly through every step.
type SessionContext struct {
	Identity    Identity
	ProjectID   string
	ProjectName string
	SessionID   string
	Epoch       uint64
}

// Capture snapshots the identity and the current epoch.
func Capture(ctx context.Context, epochs EpochSource, id Identity) (SessionContext, error) {
	n, err := epochs.Epoch(ctx)
	if err != nil {
		return SessionContext{}, fmt.Errorf("client: read epoch: %w", err)
	}
	return SessionContext{Identity: id, Epoch: n}, nil
}

// Check returns ErrStale when the epoch moved since the context was
// captured.
func (sc SessionContext) Check(ctx context.Context, epochs EpochSource) error {
	n, err := epochs.Epoch(ctx)
	if err != nil {
		return fmt.Errorf("client: read epoch: %w", err)
	}
	if n != sc.Epoch {
		return ErrStale
	}
	return nil
}

// Checker adapts Check to the queue's flush callback.
func (sc SessionContext) Checker(epochs EpochSource) func(context.Context) error {
	return func(ctx context.Context) error {
		return sc.Check(ctx, epochs)
	}
}
