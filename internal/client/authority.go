package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/chain"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
	"github.com/427h5dvrch-lang/human-origin/internal/queue"
)

// HTTPError is a non-2xx answer of the authority.
type HTTPError struct {
	Status  int
	Message string
	Details any
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authority: HTTP %d", e.Status)
	}
	return fmt.Sprintf("authority: HTTP %d: %s", e.Status, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
// Refused credentials are not: the request may pass after a new login.
func (e *HTTPError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && !e.Halt() &&
		e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

// Halt reports whether the authority refused the credentials. Nothing more
// can be delivered until the user logs in again.
func (e *HTTPError) Halt() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Unavailable reports whether err means the authority could not be reached
// or could not answer: transport failures, timeouts, 5xx, 408 and 429. A
// cancelled context is not an availability failure.
func Unavailable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.Status >= 500 || herr.Status == http.StatusRequestTimeout || herr.Status == http.StatusTooManyRequests
	}
	var uerr *url.Error
	return errors.As(err, &uerr) || errors.Is(err, context.DeadlineExceeded)
}

// payloadError marks a queued payload that cannot be decoded.
type payloadError struct{ err error }

func (e payloadError) Error() string   { return e.err.Error() }
func (e payloadError) Unwrap() error   { return e.err }
func (e payloadError) Permanent() bool { return true }

// Authority is the HTTP client of the authority API.
type Authority struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewAuthority creates a client for baseURL. A zero timeout means none.
func NewAuthority(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Authority {
	return &Authority{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// WithToken returns a copy of a that authenticates with token.
func (a *Authority) WithToken(token string) *Authority {
	c := *a
	c.token = token
	return &c
}

func (a *Authority) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("authority: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("authority: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	start := time.Now()
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	a.logger.Debug("Authority request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{Status: resp.StatusCode}
		var e protocol.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e); err == nil {
			herr.Message, herr.Details = e.Error, e.Details
		}
		return herr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("authority: decode %s %s: %w", method, path, err)
	}
	return nil
}

// LoginResponse is the answer to a successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
}

// Login exchanges credentials for a bearer token.
func (a *Authority) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var resp LoginResponse
	err := a.do(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SignCert asks the authority to notarize a device-signed certificate.
func (a *Authority) SignCert(ctx context.Context, req *protocol.NotaryRequest) (*protocol.NotaryResponse, error) {
	var resp protocol.NotaryResponse
	if err := a.do(ctx, http.MethodPost, "/api/v1/sign-cert", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func projectPath(projectID, view string) string {
	return "/api/v1/projects/" + url.PathEscape(projectID) + "/" + view
}

// Head returns the authority's chain head of a project.
func (a *Authority) Head(ctx context.Context, projectID string) (protocol.ChainHead, bool, error) {
	var head protocol.ChainHead
	if err := a.do(ctx, http.MethodGet, projectPath(projectID, "head"), nil, &head); err != nil {
		return protocol.ChainHead{ProjectID: projectID}, false, err
	}
	return head, head.PayloadHash != "" && head.PayloadHash != protocol.Genesis, nil
}

// Chain returns the certified rows of a project.
func (a *Authority) Chain(ctx context.Context, projectID string) ([]chain.Row, error) {
	var view struct {
		Rows []chain.Row `json:"rows"`
	}
	if err := a.do(ctx, http.MethodGet, projectPath(projectID, "chain"), nil, &view); err != nil {
		return nil, err
	}
	return view.Rows, nil
}

// Master returns the master certificate the authority computes.
func (a *Authority) Master(ctx context.Context, projectID string) (chain.Master, error) {
	var master chain.Master
	err := a.do(ctx, http.MethodGet, projectPath(projectID, "master"), nil, &master)
	return master, err
}

// Verify runs the authority's verifier, seals included.
func (a *Authority) Verify(ctx context.Context, projectID, masterHash string) (chain.Report, error) {
	path := projectPath(projectID, "verify")
	if masterHash != "" {
		path += "?master_hash=" + url.QueryEscape(masterHash)
	}
	var report chain.Report
	err := a.do(ctx, http.MethodGet, path, nil, &report)
	return report, err
}

// Deliver sends one queued mutation.
func (a *Authority) Deliver(ctx context.Context, e queue.Entry) error {
	switch e.Op {
	case queue.OpProjectUpsert:
		var rec protocol.ProjectRecord
		if err := e.Decode(&rec); err != nil {
			return payloadError{err}
		}
		return a.do(ctx, http.MethodPut, "/api/v1/projects", rec, nil)
	case queue.OpSessionInsert:
		var rec protocol.SessionRecord
		if err := e.Decode(&rec); err != nil {
			return payloadError{err}
		}
		return a.do(ctx, http.MethodPut, "/api/v1/sessions/"+url.PathEscape(rec.ID), rec, nil)
	case queue.OpSessionUpdate:
		var upd protocol.SessionUpdate
		if err := e.Decode(&upd); err != nil {
			return payloadError{err}
		}
		return a.do(ctx, http.MethodPatch, "/api/v1/sessions/"+url.PathEscape(upd.SessionID), upd.Patch, nil)
	case queue.OpCertificateInsert:
		var rec protocol.CertificateRecord
		if err := e.Decode(&rec); err != nil {
			return payloadError{err}
		}
		return a.do(ctx, http.MethodPut, "/api/v1/certificates/"+url.PathEscape(rec.ID), rec, nil)
	}
	return payloadError{fmt.Errorf("%w: %q", queue.ErrUnknownOp, e.Op)}
}
