package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
	"github.com/427h5dvrch-lang/human-origin/internal/chain"
	"github.com/427h5dvrch-lang/human-origin/internal/database/models"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

// ops runs the shared operations outside of a transaction.
func (d *Database) ops() *Tx { return &Tx{d: d, q: d.db} }

// Project operations

// UpsertProject stores a project keyed on (owner, name) and returns the
// stored row, which keeps the id of the first insert.
func (d *Database) UpsertProject(ctx context.Context, p *models.Project) (*models.Project, error) {
	query := d.rebind(`INSERT INTO projects (id, user_id, name, created_at) VALUES (?, ?, ?, ?)
	          ON CONFLICT (user_id, name) DO NOTHING`)
	if _, err := d.db.ExecContext(ctx, query, p.ID, p.UserID, p.Name, utc(p.CreatedAt)); err != nil {
		return nil, err
	}

	query = d.rebind(`SELECT id, user_id, name, created_at FROM projects WHERE user_id = ? AND name = ?`)
	var stored models.Project
	err := d.db.QueryRowContext(ctx, query, p.UserID, p.Name).Scan(&stored.ID, &stored.UserID, &stored.Name, &stored.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetProject retrieves a project by id
func (d *Database) GetProject(ctx context.Context, id string) (*models.Project, error) {
	query := d.rebind(`SELECT id, user_id, name, created_at FROM projects WHERE id = ?`)
	var p models.Project
	err := d.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns the projects of a user ordered by name
func (d *Database) ListProjects(ctx context.Context, userID string) ([]*models.Project, error) {
	query := d.rebind(`SELECT id, user_id, name, created_at FROM projects WHERE user_id = ? ORDER BY name`)
	rows, err := d.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// Session operations

const sessionColumns = `id, user_id, project_id, started_at, ended_at, active_ms, idle_ms,
	events_count, scp_score, evidence_score, status, cert_id, certified_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.UserID, &s.ProjectID, &s.StartedAt, &s.EndedAt, &s.ActiveMS, &s.IdleMS,
		&s.EventsCount, &s.SCPScore, &s.EvidenceScore, &s.Status, &s.CertID, &s.CertifiedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSession inserts a session or merges it into the stored row, later
// values winning. A CERTIFIED row keeps its status and cert_id. Rows owned
// by another user are left untouched.
func (d *Database) UpsertSession(ctx context.Context, s *models.Session) error {
	return d.ops().UpsertSession(ctx, s)
}

func (tx *Tx) UpsertSession(ctx context.Context, s *models.Session) error {
	query := tx.d.rebind(`INSERT INTO sessions (` + sessionColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (id) DO UPDATE SET
	            started_at = excluded.started_at,
	            ended_at = COALESCE(excluded.ended_at, sessions.ended_at),
	            active_ms = excluded.active_ms,
	            idle_ms = excluded.idle_ms,
	            events_count = excluded.events_count,
	            scp_score = excluded.scp_score,
	            evidence_score = excluded.evidence_score,
	            status = CASE WHEN sessions.status = 'CERTIFIED' THEN sessions.status ELSE excluded.status END,
	            cert_id = COALESCE(sessions.cert_id, excluded.cert_id),
	            certified_at = COALESCE(sessions.certified_at, excluded.certified_at),
	            updated_at = excluded.updated_at
	          WHERE sessions.user_id = excluded.user_id`)

	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := tx.q.ExecContext(ctx, query,
		s.ID, s.UserID, s.ProjectID, utc(s.StartedAt), nullTime(s.EndedAt), s.ActiveMS, s.IdleMS,
		s.EventsCount, s.SCPScore, s.EvidenceScore, s.Status, s.CertID, nullTime(s.CertifiedAt), utc(updated),
	)
	return err
}

// GetSession retrieves a session by id
func (d *Database) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return d.ops().GetSession(ctx, id)
}

func (tx *Tx) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := tx.d.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	s, err := scanSession(tx.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// SessionPatch lists the columns to change; nil fields are left alone.
type SessionPatch struct {
	EndedAt       *time.Time
	ActiveMS      *int64
	IdleMS        *int64
	EventsCount   *int64
	SCPScore      *int64
	EvidenceScore *int64
	Status        *string
	CertID        *string
	CertifiedAt   *time.Time
}

// PatchSession applies a partial update with the same CERTIFIED rules as
// UpsertSession. It returns ErrNotFound when no row matched.
func (d *Database) PatchSession(ctx context.Context, id string, p SessionPatch) error {
	return d.ops().PatchSession(ctx, id, p)
}

func (tx *Tx) PatchSession(ctx context.Context, id string, p SessionPatch) error {
	var sets []string
	var args []any
	set := func(clause string, v any) {
		sets = append(sets, clause)
		args = append(args, v)
	}

	if p.EndedAt != nil {
		set("ended_at = ?", p.EndedAt.UTC())
	}
	if p.ActiveMS != nil {
		set("active_ms = ?", *p.ActiveMS)
	}
	if p.IdleMS != nil {
		set("idle_ms = ?", *p.IdleMS)
	}
	if p.EventsCount != nil {
		set("events_count = ?", *p.EventsCount)
	}
	if p.SCPScore != nil {
		set("scp_score = ?", *p.SCPScore)
	}
	if p.EvidenceScore != nil {
		set("evidence_score = ?", *p.EvidenceScore)
	}
	if p.Status != nil {
		set("status = CASE WHEN status = 'CERTIFIED' THEN status ELSE ? END", *p.Status)
	}
	if p.CertID != nil && *p.CertID != "" {
		set("cert_id = COALESCE(cert_id, ?)", *p.CertID)
	}
	if p.CertifiedAt != nil {
		set("certified_at = COALESCE(certified_at, ?)", p.CertifiedAt.UTC())
	}
	set("updated_at = ?", time.Now().UTC())
	args = append(args, id)

	query := tx.d.rebind(`UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := tx.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCertified links a session to its certificate, inserting a CERTIFIED
// stub when the session has not been delivered yet.
func (tx *Tx) MarkCertified(ctx context.Context, stub *models.Session, certID string, at time.Time) error {
	err := tx.PatchSession(ctx, stub.ID, SessionPatch{
		Status:      strPtr(protocol.StatusCertified),
		CertID:      &certID,
		CertifiedAt: &at,
	})
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	s := *stub
	s.Status = protocol.StatusCertified
	s.CertID = sql.NullString{String: certID, Valid: true}
	s.CertifiedAt = sql.NullTime{Time: at, Valid: true}
	s.UpdatedAt = at
	return tx.UpsertSession(ctx, &s)
}

func strPtr(s string) *string { return &s }

// Certificate operations

const certificateColumns = `id, user_id, project_id, session_id, issued_at, payload_hash, cert_hash,
	device_key_id, device_public_key, device_signature, authority_signature, authority_key_id, cert_json`

// InsertCertificate stores a certificate. A row with the same id is left
// as is; inserted reports whether this call created it.
func (d *Database) InsertCertificate(ctx context.Context, c *models.Certificate) (inserted bool, err error) {
	return d.ops().InsertCertificate(ctx, c)
}

func (tx *Tx) InsertCertificate(ctx context.Context, c *models.Certificate) (bool, error) {
	query := tx.d.rebind(`INSERT INTO certificates (` + certificateColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (id) DO NOTHING`)
	res, err := tx.q.ExecContext(ctx, query,
		c.ID, c.UserID, c.ProjectID, c.SessionID, utc(c.IssuedAt), c.PayloadHash, c.CertHash,
		c.DeviceKeyID, c.DevicePublicKey, c.DeviceSignature, c.AuthoritySignature, c.AuthorityKeyID, c.CertJSON,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanCertificate(row interface{ Scan(...any) error }) (*models.Certificate, error) {
	var c models.Certificate
	err := row.Scan(&c.ID, &c.UserID, &c.ProjectID, &c.SessionID, &c.IssuedAt, &c.PayloadHash, &c.CertHash,
		&c.DeviceKeyID, &c.DevicePublicKey, &c.DeviceSignature, &c.AuthoritySignature, &c.AuthorityKeyID, &c.CertJSON)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCertificate retrieves a certificate by id
func (d *Database) GetCertificate(ctx context.Context, id string) (*models.Certificate, error) {
	query := d.rebind(`SELECT ` + certificateColumns + ` FROM certificates WHERE id = ?`)
	c, err := scanCertificate(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// Chain queries

const chainQuery = `SELECT s.id, s.started_at, c.id, c.payload_hash, c.cert_hash, c.authority_signature, c.cert_json
	FROM sessions s JOIN certificates c ON c.id = s.cert_id
	WHERE s.project_id = ? AND s.status = 'CERTIFIED'`

// ChainRows returns the certified sessions of a project with their
// certificates in chronological order.
func (d *Database) ChainRows(ctx context.Context, projectID string) ([]chain.Row, error) {
	query := d.rebind(chainQuery + ` ORDER BY s.started_at ASC, s.id ASC`)
	rows, err := d.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chain.Row
	for rows.Next() {
		r, err := scanChainRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Head returns the most recent certified link of a project.
func (d *Database) Head(ctx context.Context, projectID string) (protocol.ChainHead, bool, error) {
	query := d.rebind(chainQuery + ` ORDER BY s.started_at DESC, s.id DESC LIMIT 1`)
	r, err := scanChainRow(d.db.QueryRowContext(ctx, query, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.ChainHead{ProjectID: projectID}, false, nil
	}
	if err != nil {
		return protocol.ChainHead{}, false, err
	}
	return protocol.ChainHead{
		ProjectID:   projectID,
		SessionID:   r.SessionID,
		CertID:      r.CertID,
		PayloadHash: r.PayloadHash,
	}, true, nil
}

func scanChainRow(row interface{ Scan(...any) error }) (chain.Row, error) {
	var r chain.Row
	var certJSON string
	if err := row.Scan(&r.SessionID, &r.StartedAt, &r.CertID, &r.PayloadHash, &r.CertHash, &r.AuthoritySignature, &certJSON); err != nil {
		return chain.Row{}, err
	}
	v, err := canon.Parse([]byte(certJSON))
	if err != nil {
		r.CertError, r.RawCert = err.Error(), certJSON
		return r, nil
	}
	r.CertJSON = v
	return r, nil
}
