package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/localdb"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
	"github.com/427h5dvrch-lang/human-origin/internal/queue"
)

var (
	ErrSessionRunning    = errors.New("client: a session is already running")
	ErrSessionNotRunning = errors.New("client: session is not running")
	ErrForeignSession    = errors.New("client: session belongs to another user")
)

// Summary is the capture summary filled in when a session stops. The scores
// are computed elsewhere and carried as opaque integers.
type Summary struct {
	ActiveMS      int64
	IdleMS        int64
	EventsCount   int64
	SCPScore      int64
	EvidenceScore int64
}

// Recorder keeps local projects and sessions and queues their delivery.
type Recorder struct {
	store  *localdb.Store
	queue  *queue.Queue
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(store *localdb.Store, q *queue.Queue, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, queue: q, logger: logger, now: time.Now}
}

// InitProject records a project of id. The project id is derived from
// (user, name), so repeating the call is harmless.
func (r *Recorder) InitProject(ctx context.Context, id Identity, name string) (*localdb.Project, error) {
	if name == "" {
		return nil, errors.New("client: project name is required")
	}
	if p, err := r.store.ProjectByName(ctx, id.UserID, name); err == nil {
		return p, nil
	} else if !errors.Is(err, localdb.ErrNotFound) {
		return nil, err
	}

	p := &localdb.Project{
		ID:        protocol.ProjectID(id.UserID, name),
		UserID:    id.UserID,
		Name:      name,
		CreatedAt: r.now().UTC().Truncate(time.Millisecond),
	}
	if err := r.store.SaveProject(ctx, p); err != nil {
		return nil, err
	}
	if _, err := r.queue.Enqueue(ctx, id.UserID, queue.OpProjectUpsert, protocol.ProjectRecord{
		ID: p.ID, UserID: p.UserID, Name: p.Name, CreatedAt: p.CreatedAt,
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// Start opens a RUNNING session in projectID.
func (r *Recorder) Start(ctx context.Context, id Identity, projectID string) (*localdb.Session, error) {
	if running, err := r.store.RunningSession(ctx, id.UserID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionRunning, running.ID)
	} else if !errors.Is(err, localdb.ErrNotFound) {
		return nil, err
	}

	s := &localdb.Session{
		ID:        uuid.NewString(),
		UserID:    id.UserID,
		ProjectID: projectID,
		StartedAt: r.now().UTC().Truncate(time.Millisecond),
		Status:    protocol.StatusRunning,
	}
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	r.logger.Info("Session started", zap.String("session_id", s.ID), zap.String("project_id", projectID))
	return s, nil
}

// Stop closes a RUNNING session with its capture summary.
func (r *Recorder) Stop(ctx context.Context, id Identity, sessionID string, sum Summary) (*localdb.Session, error) {
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != id.UserID {
		return nil, ErrForeignSession
	}
	if s.Status != protocol.StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotRunning, s.ID, s.Status)
	}

	s.EndedAt = sql.NullTime{Time: r.now().UTC().Truncate(time.Millisecond), Valid: true}
	s.ActiveMS, s.IdleMS, s.EventsCount = sum.ActiveMS, sum.IdleMS, sum.EventsCount
	s.SCPScore, s.EvidenceScore = sum.SCPScore, sum.EvidenceScore
	s.Status = protocol.StatusStopped
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	r.logger.Info("Session stopped", zap.String("session_id", s.ID), zap.Int64("events", s.EventsCount))
	return s, nil
}

// save stores s and queues the full record. Session inserts are later-wins
// upserts on the server, so the same record may be delivered again.
func (r *Recorder) save(ctx context.Context, s *localdb.Session) error {
	if err := r.store.SaveSession(ctx, s); err != nil {
		return err
	}
	_, err := r.queue.Enqueue(ctx, s.UserID, queue.OpSessionInsert, s.Record())
	return err
}
