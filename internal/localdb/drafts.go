package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Draft is a sealed draft of a session. Sealed is opaque to the store.
type Draft struct {
	SessionID   string
	UserID      string
	ProjectName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Sealed      []byte
}

// DraftInfo describes a draft without its content.
type DraftInfo struct {
	SessionID   string    `json:"session_id"`
	ProjectName string    `json:"project_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Size        int       `json:"size"`
}

// SaveDraft stores or replaces the draft of a session. The creation time of
// an existing draft is kept.
func (s *Store) SaveDraft(ctx context.Context, d *Draft) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (session_id, user_id, project_name, created_at, updated_at, sealed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			project_name = excluded.project_name,
			updated_at = excluded.updated_at,
			sealed = excluded.sealed`,
		d.SessionID, d.UserID, d.ProjectName, d.CreatedAt.UTC(), d.UpdatedAt.UTC(), d.Sealed)
	if err != nil {
		return fmt.Errorf("localdb: save draft: %w", err)
	}
	return nil
}

// GetDraft returns the draft of a session.
func (s *Store) GetDraft(ctx context.Context, sessionID string) (*Draft, error) {
	d := &Draft{}
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, project_name, created_at, updated_at, sealed
		FROM drafts WHERE session_id = ?`, sessionID).
		Scan(&d.SessionID, &d.UserID, &d.ProjectName, &d.CreatedAt, &d.UpdatedAt, &d.Sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localdb: get draft: %w", err)
	}
	return d, nil
}

// DeleteDraft removes the draft of a session; a missing draft is ignored.
func (s *Store) DeleteDraft(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("localdb: delete draft: %w", err)
	}
	return nil
}

// ListDrafts returns the drafts of userID, most recently updated first.
func (s *Store) ListDrafts(ctx context.Context, userID string) ([]DraftInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, project_name, created_at, updated_at, LENGTH(sealed)
		FROM drafts WHERE user_id = ? ORDER BY updated_at DESC, session_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("localdb: list drafts: %w", err)
	}
	defer rows.Close()

	var drafts []DraftInfo
	for rows.Next() {
		var d DraftInfo
		if err := rows.Scan(&d.SessionID, &d.ProjectName, &d.CreatedAt, &d.UpdatedAt, &d.Size); err != nil {
			return nil, fmt.Errorf("localdb: scan draft: %w", err)
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}
