// Package chain links certified sessions of a project into a hash chain,
// aggregates the chain into a master certificate and verifies it.
package chain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

// Row is one certified session of a project together with its certificate.
type Row struct {
	SessionID          string      `json:"session_id"`
	CertID             string      `json:"cert_id"`
	StartedAt          time.Time   `json:"started_at"`
	PayloadHash        string      `json:"payload_hash"`
	CertHash           string      `json:"cert_hash,omitempty"`
	AuthoritySignature string      `json:"authority_signature"`
	CertJSON           canon.Value `json:"cert_json"`
	// CertError is set when the stored certificate body does not parse.
	// CertJSON is then null and RawCert holds the stored text.
	CertError string `json:"cert_error,omitempty"`
	RawCert   string `json:"raw_cert_json,omitempty"`
}

// Corrupt reports whether the stored certificate body could not be parsed.
func (r Row) Corrupt() bool {
	return r.CertError != ""
}

// PrevHash is the prev_session_hash stamped into the certificate, or GENESIS
// when absent.
func (r Row) PrevHash() string {
	if prev := r.CertJSON.StringAt("meta", "prev_session_hash"); prev != "" {
		return prev
	}
	return protocol.Genesis
}

// Local reports whether the certificate was issued without the authority.
func (r Row) Local() bool {
	return r.AuthoritySignature == protocol.LocalBypass
}

// SortRows orders rows chronologically by session start, ties broken by
// session id.
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].StartedAt.Equal(rows[j].StartedAt) {
			return rows[i].StartedAt.Before(rows[j].StartedAt)
		}
		return rows[i].SessionID < rows[j].SessionID
	})
}

// HeadSource returns the most recent certified link of a project. ok is false
// when the project has no certified session yet.
type HeadSource interface {
	Head(ctx context.Context, projectID string) (head protocol.ChainHead, ok bool, err error)
}

// Linker resolves the prev_session_hash of the next certificate.
type Linker struct {
	source HeadSource
}

func NewLinker(source HeadSource) *Linker {
	return &Linker{source: source}
}

// PrevHash returns the payload hash of the latest certified session of the
// project, or GENESIS for an empty chain.
func (l *Linker) PrevHash(ctx context.Context, projectID string) (string, error) {
	head, ok, err := l.source.Head(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("chain: resolve head of %s: %w", projectID, err)
	}
	if !ok || head.PayloadHash == "" {
		return protocol.Genesis, nil
	}
	return head.PayloadHash, nil
}

// HeadOf returns the head of already sorted rows.
func HeadOf(projectID string, rows []Row) (protocol.ChainHead, bool) {
	if len(rows) == 0 {
		return protocol.ChainHead{ProjectID: projectID}, false
	}
	last := rows[len(rows)-1]
	return protocol.ChainHead{
		ProjectID:   projectID,
		SessionID:   last.SessionID,
		CertID:      last.CertID,
		PayloadHash: last.PayloadHash,
	}, true
}
