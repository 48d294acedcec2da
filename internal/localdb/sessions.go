package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

// Project is a project known to this device.
type Project struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// SaveProject records a project; an existing (user, name) pair is kept.
func (s *Store) SaveProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, p.ID, p.UserID, p.Name, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("localdb: save project: %w", err)
	}
	return nil
}

// ProjectByName returns a project of userID.
func (s *Store) ProjectByName(ctx context.Context, userID, name string) (*Project, error) {
	p := &Project{}
	err := s.db.QueryRowContext(ctx, `SELECT id, user_id, name, created_at FROM projects WHERE user_id = ? AND name = ?`, userID, name).
		Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localdb: get project: %w", err)
	}
	return p, nil
}

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	err := s.db.QueryRowContext(ctx, `SELECT id, user_id, name, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localdb: get project: %w", err)
	}
	return p, nil
}

// ListProjects returns the projects of userID by name.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, name, created_at FROM projects WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("localdb: list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p := &Project{}
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("localdb: scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Session is the device copy of a capture session.
type Session struct {
	ID            string
	UserID        string
	ProjectID     string
	StartedAt     time.Time
	EndedAt       sql.NullTime
	ActiveMS      int64
	IdleMS        int64
	EventsCount   int64
	SCPScore      int64
	EvidenceScore int64
	Status        string
	CertID        string
	CertifiedAt   sql.NullTime
}

// Record is the session-insert payload for s.
func (s *Session) Record() protocol.SessionRecord {
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
		CertID:        s.CertID,
	}
	if s.EndedAt.Valid {
		rec.EndedAt = &s.EndedAt.Time
	}
	if s.CertifiedAt.Valid {
		rec.CertifiedAt = &s.CertifiedAt.Time
	}
	return rec
}

const sessionColumns = `id, user_id, project_id, started_at, ended_at, active_ms, idle_ms, events_count,
	scp_score, evidence_score, status, cert_id, certified_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	s := &Session{}
	err := row.Scan(&s.ID, &s.UserID, &s.ProjectID, &s.StartedAt, &s.EndedAt, &s.ActiveMS, &s.IdleMS,
		&s.EventsCount, &s.SCPScore, &s.EvidenceScore, &s.Status, &s.CertID, &s.CertifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localdb: scan session: %w", err)
	}
	return s, nil
}

// SaveSession inserts or overwrites a session. A CERTIFIED session keeps its
// status and certificate.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			active_ms = excluded.active_ms,
			idle_ms = excluded.idle_ms,
			events_count = excluded.events_count,
			scp_score = excluded.scp_score,
			evidence_score = excluded.evidence_score,
			status = CASE WHEN sessions.status = 'CERTIFIED' THEN sessions.status ELSE excluded.status END,
			cert_id = CASE WHEN sessions.cert_id <> '' THEN sessions.cert_id ELSE excluded.cert_id END,
			certified_at = COALESCE(sessions.certified_at, excluded.certified_at)`,
		sess.ID, sess.UserID, sess.ProjectID, sess.StartedAt.UTC(), sess.EndedAt, sess.ActiveMS, sess.IdleMS,
		sess.EventsCount, sess.SCPScore, sess.EvidenceScore, sess.Status, sess.CertID, sess.CertifiedAt)
	if err != nil {
		return fmt.Errorf("localdb: save session: %w", err)
	}
	return nil
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// RunningSession returns the RUNNING session of userID, if any.
func (s *Store) RunningSession(ctx context.Context, userID string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND status = 'RUNNING'
		ORDER BY started_at DESC LIMIT 1`, userID))
}

// ListSessions returns the sessions of a project, oldest first.
func (s *Store) ListSessions(ctx context.Context, userID, projectID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND project_id = ?
		ORDER BY started_at, id`, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("localdb: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Head returns the cached chain head of a project for userID.
func (s *Store) Head(ctx context.Context, userID, projectID string) (protocol.ChainHead, bool, error) {
	head := protocol.ChainHead{ProjectID: projectID}
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, cert_id, payload_hash FROM chain_heads
		WHERE user_id = ? AND project_id = ?`, userID, projectID).
		Scan(&head.SessionID, &head.CertID, &head.PayloadHash)
	if errors.Is(err, sql.ErrNoRows) {
		return head, false, nil
	}
	if err != nil {
		return head, false, fmt.Errorf("localdb: get chain head: %w", err)
	}
	return head, true, nil
}

// SetHead records the latest certificate of a project.
func (s *Store) SetHead(ctx context.Context, userID string, head protocol.ChainHead) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_heads (user_id, project_id, session_id, cert_id, payload_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, project_id) DO UPDATE SET
			session_id = excluded.session_id,
			cert_id = excluded.cert_id,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at`,
		userID, head.ProjectID, head.SessionID, head.CertID, head.PayloadHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("localdb: set chain head: %w", err)
	}
	return nil
}

func masterKey(userID, projectID string) string {
	return "master_hash:" + userID + ":" + projectID
}

// RecordedMaster is the last master hash computed for a project and the
// number of sessions it covered.
type RecordedMaster struct {
	Hash     string
	Sessions int
}

// MasterHash returns the last master hash recorded for a project.
func (s *Store) MasterHash(ctx context.Context, userID, projectID string) (RecordedMaster, bool, error) {
	v, err := s.Get(ctx, masterKey(userID, projectID))
	if errors.Is(err, ErrNotFound) {
		return RecordedMaster{}, false, nil
	}
	if err != nil {
		return RecordedMaster{}, false, err
	}
	n, hash, found := strings.Cut(v, ":")
	sessions, err := strconv.Atoi(n)
	if !found || err != nil {
		return RecordedMaster{}, false, fmt.Errorf("localdb: corrupt master hash %q", v)
	}
	return RecordedMaster{Hash: hash, Sessions: sessions}, true, nil
}

// SetMasterHash records the master hash computed for a project.
func (s *Store) SetMasterHash(ctx context.Context, userID, projectID string, m RecordedMaster) error {
	return s.Set(ctx, masterKey(userID, projectID), strconv.Itoa(m.Sessions)+":"+m.Hash)
}
