package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
	"github.com/427h5dvrch-lang/human-origin/internal/chain"
	"github.com/427h5dvrch-lang/human-origin/internal/crypto"
	"github.com/427h5dvrch-lang/human-origin/internal/localdb"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
	"github.com/427h5dvrch-lang/human-origin/internal/queue"
)

var (
	ErrAlreadyCertified = errors.New("client: session already certified")
	ErrNotStopped       = errors.New("client: session must be stopped before certification")
)

// Notary issues authority certificates.
type Notary interface {
	SignCert(ctx context.Context, req *protocol.NotaryRequest) (*protocol.NotaryResponse, error)
}

// Result describes an issued certificate.
type Result struct {
	CertID         string
	SessionID      string
	PayloadHash    string
	IssuedAt       time.Time
	Source         string
	AuthorityKeyID string
}

// Certifier turns a stopped session into a certificate: authority-signed
// when the authority answers, local-bypass when it cannot be reached.
type Certifier struct {
	notary Notary
	linker *chain.Linker
	signer *crypto.Signer
	store  *localdb.Store
	queue  *queue.Queue
	epochs EpochSource
	logger *zap.Logger

	now func() time.Time
}

func NewCertifier(notary Notary, heads chain.HeadSource, signer *crypto.Signer, store *localdb.Store, q *queue.Queue, epochs EpochSource, logger *zap.Logger) *Certifier {
	return &Certifier{
		notary: notary,
		linker: chain.NewLinker(heads),
		signer: signer,
		store:  store,
		queue:  q,
		epochs: epochs,
		logger: logger,
		now:    time.Now,
	}
}

// Certify issues the certificate of sc.SessionID. diag may be nil. The epoch
// of sc is checked after every network await; on ErrStale nothing has been
// written.
func (c *Certifier) Certify(ctx context.Context, sc SessionContext, diag *canon.Value) (*Result, error) {
	s, err := c.store.GetSession(ctx, sc.SessionID)
	if err != nil {
		return nil, fmt.Errorf("certify: load session %s: %w", sc.SessionID, err)
	}
	switch {
	case s.UserID != sc.Identity.UserID:
		return nil, ErrForeignSession
	case s.Status == protocol.StatusCertified:
		return nil, ErrAlreadyCertified
	case s.Status != protocol.StatusStopped:
		return nil, ErrNotStopped
	}

	prev, err := c.linker.PrevHash(ctx, s.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("certify: %w", err)
	}
	if err := sc.Check(ctx, c.epochs); err != nil {
		return nil, err
	}

	u := protocol.UnsignedCertificate{
		Protocol: protocol.ProtocolV2,
		Meta: protocol.Meta{
			UserID:          s.UserID,
			ProjectID:       s.ProjectID,
			SessionID:       s.ID,
			CreatedAt:       protocol.FormatTime(s.StartedAt),
			PrevSessionHash: prev,
		},
		Scores: protocol.Scores{SCP: s.SCPScore, Evidence: s.EvidenceScore},
		Diag:   diag,
	}
	payload := u.Hash()
	env, err := c.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("certify: sign: %w", err)
	}

	req, err := notaryRequest(u, payload, env)
	if err != nil {
		return nil, err
	}

	log := c.logger.With(zap.String("session_id", s.ID), zap.String("project_id", s.ProjectID))
	resp, err := c.notary.SignCert(ctx, req)
	if cerr := sc.Check(ctx, c.epochs); cerr != nil {
		return nil, cerr
	}

	switch {
	case err == nil:
		issued, perr := time.Parse(protocol.TimeLayout, resp.IssuedAt)
		if perr != nil {
			issued = c.now().UTC()
		}
		res := &Result{
			CertID:         resp.CertID,
			SessionID:      s.ID,
			PayloadHash:    payload,
			IssuedAt:       issued,
			Source:         chain.SourceAuth,
			AuthorityKeyID: resp.AuthorityKeyID,
		}
		if err := c.record(ctx, s, res); err != nil {
			return nil, err
		}
		log.Info("Certificate issued by the authority", zap.String("cert_id", res.CertID))
		return res, nil

	case Unavailable(err):
		log.Warn("Authority unavailable, issuing a local certificate", zap.Error(err))
		return c.issueLocal(ctx, s, u, payload, env)

	default:
		return nil, fmt.Errorf("certify: %w", err)
	}
}

func notaryRequest(u protocol.UnsignedCertificate, payload string, env protocol.DeviceSignature) (*protocol.NotaryRequest, error) {
	raw, err := json.Marshal(u.Value())
	if err != nil {
		return nil, fmt.Errorf("certify: encode certificate: %w", err)
	}
	sig, err := json.Marshal(env.Encode())
	if err != nil {
		return nil, fmt.Errorf("certify: encode signature: %w", err)
	}
	return &protocol.NotaryRequest{CertUnsigned: raw, PayloadHash: payload, DeviceSignature: sig}, nil
}

// issueLocal stores a local-bypass certificate and queues it together with
// the CERTIFIED session update.
func (c *Certifier) issueLocal(ctx context.Context, s *localdb.Session, u protocol.UnsignedCertificate, payload string, env protocol.DeviceSignature) (*Result, error) {
	issued := c.now().UTC().Truncate(time.Millisecond)
	rec := protocol.CertificateRecord{
		ID:              uuid.NewString(),
		UserID:          s.UserID,
		ProjectID:       s.ProjectID,
		SessionID:       s.ID,
		IssuedAt:        issued,
		PayloadHash:     payload,
		DeviceSignature: env,
		CertJSON: protocol.BuildCertJSON(u.Value(), protocol.Integrity{
			PayloadHash:     payload,
			DeviceKeyID:     env.KeyID,
			DevicePublicKey: env.PublicKey,
			DeviceSignature: env.Signature,
		}, nil),
		AuthoritySignature: protocol.LocalBypass,
	}
	if _, err := c.queue.Enqueue(ctx, s.UserID, queue.OpCertificateInsert, rec); err != nil {
		return nil, err
	}

	status := protocol.StatusCertified
	if _, err := c.queue.Enqueue(ctx, s.UserID, queue.OpSessionUpdate, protocol.SessionUpdate{
		SessionID: s.ID,
		Patch:     protocol.SessionPatch{Status: &status, CertID: &rec.ID, CertifiedAt: &issued},
	}); err != nil {
		return nil, err
	}

	res := &Result{
		CertID:      rec.ID,
		SessionID:   s.ID,
		PayloadHash: payload,
		IssuedAt:    issued,
		Source:      chain.SourceLocal,
	}
	if err := c.record(ctx, s, res); err != nil {
		return nil, err
	}
	return res, nil
}

// record marks the local session CERTIFIED and advances the cached head.
func (c *Certifier) record(ctx context.Context, s *localdb.Session, res *Result) error {
	s.Status = protocol.StatusCertified
	s.CertID = res.CertID
	s.CertifiedAt = sql.NullTime{Time: res.IssuedAt, Valid: true}
	if err := c.store.SaveSession(ctx, s); err != nil {
		return err
	}
	return c.store.SetHead(ctx, s.UserID, protocol.ChainHead{
		ProjectID:   s.ProjectID,
		SessionID:   s.ID,
		CertID:      res.CertID,
		PayloadHash: res.PayloadHash,
	})
}
