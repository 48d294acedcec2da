package chain

import (
	"errors"
	"strings"
	"time"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
)

// Master certificate sources.
const (
	SourceAuth  = "AUTH"
	SourceLocal = "LOCAL"
)

var ErrEmptyChain = errors.New("chain: project has no certified session")

// Link is the per-session view of a master certificate.
type Link struct {
	SessionID   string `json:"session_id"`
	CertID      string `json:"cert_id"`
	PayloadHash string `json:"payload_hash"`
	PrevHash    string `json:"prev_session_hash"`
	Local       bool   `json:"local,omitempty"`
}

// Master is the project-level proof derived from the certified chain.
type Master struct {
	ProjectID  string    `json:"project_id"`
	MasterHash string    `json:"master_hash"`
	Source     string    `json:"source"`
	Sessions   int       `json:"sessions"`
	FirstAt    time.Time `json:"first_session_at"`
	LastAt     time.Time `json:"last_session_at"`
	Links      []Link    `json:"links"`
}

// Material renders the hashed chain material of sorted rows: one
// "payload_hash|prev_session_hash" line per session.
func Material(rows []Row) string {
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = r.PayloadHash + "|" + r.PrevHash()
	}
	return strings.Join(lines, "\n")
}

// BuildMaster aggregates the certified rows of a project. rows are sorted
// in place.
func BuildMaster(projectID string, rows []Row) (Master, error) {
	if len(rows) == 0 {
		return Master{}, ErrEmptyChain
	}
	SortRows(rows)

	m := Master{
		ProjectID:  projectID,
		MasterHash: canon.HashString(Material(rows)),
		Source:     SourceAuth,
		Sessions:   len(rows),
		FirstAt:    rows[0].StartedAt,
		LastAt:     rows[len(rows)-1].StartedAt,
		Links:      make([]Link, len(rows)),
	}
	for i, r := range rows {
		if r.Local() {
			m.Source = SourceLocal
		}
		m.Links[i] = Link{
			SessionID:   r.SessionID,
			CertID:      r.CertID,
			PayloadHash: r.PayloadHash,
			PrevHash:    r.PrevHash(),
			Local:       r.Local(),
		}
	}
	return m, nil
}
