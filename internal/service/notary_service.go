package service

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
	"github.com/427h5dvrch-lang/human-origin/internal/config"
	"github.com/427h5dvrch-lang/human-origin/internal/crypto"
	"github.com/427h5dvrch-lang/human-origin/internal/database"
	"github.com/427h5dvrch-lang/human-origin/internal/database/models"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

//go:embed schema/cert_unsigned.json
var certUnsignedSchema []byte

const certUnsignedSchemaURL = "https://human-origin.local/schema/cert_unsigned.json"

// NotaryErrorKind classifies why a notarization was refused.
type NotaryErrorKind int

const (
	KindInternal NotaryErrorKind = iota
	KindConfig
	KindUnauthorized
	KindInvalid
	KindForbidden
	KindConflict
)

// NotaryError is returned by Notarize. Message is safe to show to the
// caller; Err carries the underlying cause for the logs.
type NotaryError struct {
	Kind    NotaryErrorKind
	Message string
	Details any
	Err     error
}

func (e *NotaryError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *NotaryError) Unwrap() error { return e.Err }

func notaryErr(kind NotaryErrorKind, msg string, err error) *NotaryError {
	return &NotaryError{Kind: kind, Message: msg, Err: err}
}

// NotaryService issues authority-sealed certificates for device-signed
// sessions.
type NotaryService struct {
	db     *database.Database
	cfg    *config.Config
	logger *zap.Logger
	schema *jsonschema.Schema
	now    func() time.Time
}

// NewNotaryService creates a new notary service
func NewNotaryService(db *database.Database, cfg *config.Config, logger *zap.Logger) (*NotaryService, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(certUnsignedSchemaURL, bytes.NewReader(certUnsignedSchema)); err != nil {
		return nil, fmt.Errorf("failed to load certificate schema: %w", err)
	}
	schema, err := compiler.Compile(certUnsignedSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile certificate schema: %w", err)
	}

	return &NotaryService{
		db:     db,
		cfg:    cfg,
		logger: logger,
		schema: schema,
		now:    time.Now,
	}, nil
}

// Notarize runs the issuance steps in order; every refusal is a
// *NotaryError. Nothing is written unless every check passes.
func (s *NotaryService) Notarize(ctx context.Context, callerID string, req *protocol.NotaryRequest) (*protocol.NotaryResponse, error) {
	secret := s.cfg.Authority.Secret
	if secret == "" {
		return nil, notaryErr(KindConfig, "server configuration error", nil)
	}
	if callerID == "" {
		return nil, notaryErr(KindUnauthorized, "unauthorized", nil)
	}

	switch {
	case isEmptyJSON(req.CertUnsigned):
		return nil, notaryErr(KindInvalid, "missing cert_unsigned", nil)
	case req.PayloadHash == "":
		return nil, notaryErr(KindInvalid, "missing payload_hash", nil)
	case isEmptyJSON(req.DeviceSignature):
		return nil, notaryErr(KindInvalid, "missing device_signature", nil)
	}

	if err := s.validateSchema(req.CertUnsigned); err != nil {
		return nil, err
	}
	unsigned, err := canon.Parse(req.CertUnsigned)
	if err != nil {
		return nil, notaryErr(KindInvalid, "invalid cert_unsigned", err)
	}
	meta := protocol.MetaOf(unsigned)

	if meta.UserID != callerID {
		return nil, notaryErr(KindForbidden, "certificate user does not match caller", nil)
	}
	if err := s.checkOwnership(ctx, callerID, meta); err != nil {
		return nil, err
	}

	tag := unsigned.StringAt("protocol")
	if !protocol.Supported(tag) {
		return nil, notaryErr(KindInvalid, "unsupported protocol", fmt.Errorf("%w: %q", protocol.ErrUnknownProtocol, tag))
	}
	certHash := canon.Hash(unsigned)
	if protocol.BindsPayloadHash(tag) && req.PayloadHash != certHash {
		return nil, notaryErr(KindInvalid, "payload hash mismatch", nil)
	}

	env, err := protocol.ParseDeviceSignature(req.DeviceSignature)
	if err != nil {
		return nil, notaryErr(KindInvalid, "malformed device_signature", err)
	}
	if err := crypto.VerifyEnvelope(req.PayloadHash, env); err != nil {
		switch {
		case errors.Is(err, crypto.ErrMalformedHash):
			return nil, notaryErr(KindInvalid, "invalid payload_hash", err)
		case errors.Is(err, crypto.ErrUnsupportedAlg):
			return nil, notaryErr(KindInvalid, "unsupported signature algorithm", err)
		default:
			return nil, notaryErr(KindInvalid, "device signature invalid", err)
		}
	}

	s.checkLink(ctx, meta)

	receivedAt := s.now().UTC().Truncate(time.Millisecond)
	fields := crypto.SealFields{
		Protocol:    tag,
		UserID:      meta.UserID,
		ProjectID:   meta.ProjectID,
		SessionID:   meta.SessionID,
		PayloadHash: req.PayloadHash,
		CertHash:    certHash,
		ReceivedAt:  protocol.FormatTime(receivedAt),
	}
	message := fields.Message()
	authority := &protocol.Authority{
		ServerReceivedAt:   fields.ReceivedAt,
		AuthorityKeyID:     s.cfg.Authority.KeyID,
		AuthoritySignature: crypto.Seal([]byte(secret), message),
		AuthorityMessage:   message,
	}
	integrity := protocol.Integrity{
		PayloadHash:     req.PayloadHash,
		CertHash:        certHash,
		DeviceKeyID:     env.KeyID,
		DevicePublicKey: env.PublicKey,
		DeviceSignature: env.Signature,
	}
	certJSON, err := json.Marshal(protocol.BuildCertJSON(unsigned, integrity, authority))
	if err != nil {
		return nil, notaryErr(KindInternal, "internal server error", err)
	}

	cert := &models.Certificate{
		ID:                 uuid.NewString(),
		UserID:             callerID,
		ProjectID:          meta.ProjectID,
		SessionID:          meta.SessionID,
		IssuedAt:           receivedAt,
		PayloadHash:        req.PayloadHash,
		CertHash:           certHash,
		DeviceKeyID:        env.KeyID,
		DevicePublicKey:    env.PublicKey,
		DeviceSignature:    env.Encode(),
		AuthoritySignature: authority.AuthoritySignature,
		AuthorityKeyID:     authority.AuthorityKeyID,
		CertJSON:           string(certJSON),
	}
	stub := stubSession(unsigned, meta, receivedAt)

	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if _, err := tx.InsertCertificate(ctx, cert); err != nil {
			return fmt.Errorf("failed to store certificate: %w", err)
		}
		if err := tx.MarkCertified(ctx, stub, cert.ID, receivedAt); err != nil {
			return fmt.Errorf("failed to mark session certified: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, notaryErr(KindInternal, "internal server error", err)
	}

	s.logger.Info("Certificate issued",
		zap.String("cert_id", cert.ID),
		zap.String("session_id", meta.SessionID),
		zap.String("project_id", meta.ProjectID),
		zap.String("protocol", tag),
	)

	return &protocol.NotaryResponse{
		CertID:         cert.ID,
		IssuedAt:       fields.ReceivedAt,
		AuthorityKeyID: authority.AuthorityKeyID,
		Status:         protocol.NotaryStatusSigned,
	}, nil
}

func (s *NotaryService) validateSchema(raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return notaryErr(KindInvalid, "invalid cert_unsigned", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		nerr := notaryErr(KindInvalid, "invalid cert_unsigned", err)
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			nerr.Details = schemaDetails(verr)
		}
		return nerr
	}
	return nil
}

func schemaDetails(verr *jsonschema.ValidationError) []string {
	var details []string
	for _, e := range verr.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		details = append(details, loc+": "+e.Error)
	}
	return details
}

// checkOwnership refuses certificates for sessions or projects owned by
// someone else, and sessions that already carry a certificate.
func (s *NotaryService) checkOwnership(ctx context.Context, callerID string, meta protocol.Meta) error {
	project, err := s.db.GetProject(ctx, meta.ProjectID)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return notaryErr(KindInternal, "internal server error", err)
	case project.UserID != callerID:
		return notaryErr(KindForbidden, "project belongs to another user", nil)
	}

	session, err := s.db.GetSession(ctx, meta.SessionID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil
	case err != nil:
		return notaryErr(KindInternal, "internal server error", err)
	case session.UserID != callerID || session.ProjectID != meta.ProjectID:
		return notaryErr(KindForbidden, "session belongs to another user or project", nil)
	case session.Status == protocol.StatusCertified:
		return notaryErr(KindConflict, "session already certified", nil)
	}
	return nil
}

// checkLink only logs: a stale prev_session_hash is reported by the
// verifier, it does not block issuance.
func (s *NotaryService) checkLink(ctx context.Context, meta protocol.Meta) {
	head, ok, err := s.db.Head(ctx, meta.ProjectID)
	if err != nil {
		s.logger.Warn("Failed to read chain head", zap.String("project_id", meta.ProjectID), zap.Error(err))
		return
	}
	want := protocol.Genesis
	if ok {
		want = head.PayloadHash
	}
	if meta.PrevSessionHash != want {
		s.logger.Warn("Certificate does not extend the chain head",
			zap.String("project_id", meta.ProjectID),
			zap.String("session_id", meta.SessionID),
			zap.String("prev_session_hash", meta.PrevSessionHash),
			zap.String("head", want),
		)
	}
}

// stubSession is the CERTIFIED row inserted when the session itself has not
// been delivered yet. A later session insert fills in the real values.
func stubSession(unsigned canon.Value, meta protocol.Meta, receivedAt time.Time) *models.Session {
	started := receivedAt
	if t, err := time.Parse(time.RFC3339Nano, meta.CreatedAt); err == nil {
		started = t
	}
	scp, _ := valueAt(unsigned, "scores", "scp").AsInt()
	evidence, _ := valueAt(unsigned, "scores", "evidence").AsInt()
	return &models.Session{
		ID:            meta.SessionID,
		UserID:        meta.UserID,
		ProjectID:     meta.ProjectID,
		StartedAt:     started,
		EndedAt:       sql.NullTime{Time: started, Valid: true},
		SCPScore:      scp,
		EvidenceScore: evidence,
		Status:        protocol.StatusStopped,
	}
}

func valueAt(v canon.Value, keys ...string) canon.Value {
	got, _ := v.Path(keys...)
	return got
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == `""`
}
