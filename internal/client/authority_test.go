package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
	"github.com/427h5dvrch-lang/human-origin/internal/queue"
)

func TestUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", &url.Error{Op: "Post", URL: "http://authority", Err: errors.New("connection refused")}, true},
		{"deadline", fmt.Errorf("sign: %w", context.DeadlineExceeded), true},
		{"cancelled", &url.Error{Op: "Post", URL: "http://authority", Err: context.Canceled}, false},
		{"server error", &HTTPError{Status: http.StatusInternalServerError}, true},
		{"bad gateway", fmt.Errorf("wrapped: %w", &HTTPError{Status: http.StatusBadGateway}), true},
		{"request timeout", &HTTPError{Status: http.StatusRequestTimeout}, true},
		{"rate limited", &HTTPError{Status: http.StatusTooManyRequests}, true},
		{"unauthorized", &HTTPError{Status: http.StatusUnauthorized}, false},
		{"bad request", &HTTPError{Status: http.StatusBadRequest}, false},
		{"conflict", &HTTPError{Status: http.StatusConflict}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unavailable(tt.err))
		})
	}
}

func TestHTTPError_Permanent(t *testing.T) {
	assert.True(t, (&HTTPError{Status: http.StatusBadRequest}).Permanent())
	assert.False(t, (&HTTPError{Status: http.StatusForbidden}).Permanent())
	assert.False(t, (&HTTPError{Status: http.StatusUnauthorized}).Permanent())
	assert.True(t, (&HTTPError{Status: http.StatusUnauthorized}).Halt())
	assert.True(t, (&HTTPError{Status: http.StatusForbidden}).Halt())
	assert.False(t, (&HTTPError{Status: http.StatusConflict}).Halt())
	assert.False(t, (&HTTPError{Status: http.StatusTooManyRequests}).Permanent())
	assert.False(t, (&HTTPError{Status: http.StatusRequestTimeout}).Permanent())
	assert.False(t, (&HTTPError{Status: http.StatusServiceUnavailable}).Permanent())
	assert.Equal(t, "authority: HTTP 400: bad", (&HTTPError{Status: 400, Message: "bad"}).Error())
}

func TestAuthority_Requests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	var gotAuth, gotPath string
	r := gin.New()
	r.Any("/*path", func(c *gin.Context) {
		gotAuth = c.GetHeader("Authorization")
		gotPath = c.Request.Method + " " + c.Request.URL.RequestURI()
		switch c.Param("path") {
		case "/api/v1/projects/p%201/head", "/api/v1/projects/p 1/head":
			c.JSON(http.StatusOK, protocol.ChainHead{ProjectID: "p 1", PayloadHash: protocol.Genesis})
		case "/api/v1/sign-cert":
			c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid cert_unsigned", Details: []string{"/scores: required"}})
		default:
			c.Status(http.StatusNoContent)
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	a := NewAuthority(srv.URL+"/", "tok", time.Second, zap.NewNop())

	t.Run("Genesis head is not a head", func(t *testing.T) {
		head, ok, err := a.Head(ctx, "p 1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, protocol.Genesis, head.PayloadHash)
		assert.Equal(t, "Bearer tok", gotAuth)
	})

	t.Run("Error bodies are decoded", func(t *testing.T) {
		_, err := a.SignCert(ctx, &protocol.NotaryRequest{})
		var herr *HTTPError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, http.StatusBadRequest, herr.Status)
		assert.Equal(t, "invalid cert_unsigned", herr.Message)
		assert.Equal(t, []any{"/scores: required"}, herr.Details)
	})

	t.Run("Deliver routes each operation", func(t *testing.T) {
		tests := []struct {
			op      queue.Op
			payload any
			want    string
		}{
			{queue.OpProjectUpsert, protocol.ProjectRecord{ID: "p1", Name: "novel"}, "PUT /api/v1/projects"},
			{queue.OpSessionInsert, protocol.SessionRecord{ID: "s1"}, "PUT /api/v1/sessions/s1"},
			{queue.OpSessionUpdate, protocol.SessionUpdate{SessionID: "s1"}, "PATCH /api/v1/sessions/s1"},
			{queue.OpCertificateInsert, protocol.CertificateRecord{ID: "c1"}, "PUT /api/v1/certificates/c1"},
		}
		for _, tt := range tests {
			t.Run(string(tt.op), func(t *testing.T) {
				e := entry(t, tt.op, tt.payload)
				require.NoError(t, a.Deliver(ctx, e))
				assert.Equal(t, tt.want, gotPath)
			})
		}
	})

	t.Run("Undecodable payload is permanent", func(t *testing.T) {
		err := a.Deliver(ctx, queue.Entry{Op: queue.OpSessionInsert, Payload: []byte(`[1]`)})
		require.Error(t, err)
		var p queue.Permanent
		require.ErrorAs(t, err, &p)
		assert.True(t, p.Permanent())
	})

	t.Run("Unknown op", func(t *testing.T) {
		err := a.Deliver(ctx, queue.Entry{Op: "drop-table", Payload: []byte(`{}`)})
		assert.ErrorIs(t, err, queue.ErrUnknownOp)
	})
}

func entry(t *testing.T, op queue.Op, payload any) queue.Entry {
	t.Helper()
	store := openStore(t)
	q := queue.New(store.DB(), queue.DefaultOptions, zap.NewNop())
	e, err := q.Enqueue(context.Background(), "user-1", op, payload)
	require.NoError(t, err)
	return e
}

func TestAuthority_RefusedCredentialsKeepQueue(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	var validToken atomic.Value
	validToken.Store("expired")
	r := gin.New()
	r.Any("/*path", func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+validToken.Load().(string) {
			c.JSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: "token expired"})
			return
		}
		c.Status(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	store := openStore(t)
	q := queue.New(store.DB(), queue.Options{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}, zap.NewNop())
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		_, err := q.Enqueue(ctx, "user-1", queue.OpSessionInsert, protocol.SessionRecord{ID: id, Status: protocol.StatusRunning})
		require.NoError(t, err)
	}

	a := NewAuthority(srv.URL, "stale-token", time.Second, zap.NewNop())
	res, err := q.Flush(ctx, "user-1", a, nil)
	require.ErrorIs(t, err, queue.ErrHalted)
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusUnauthorized, herr.Status)
	assert.Equal(t, queue.FlushResult{Pending: 3}, res)

	failed, err := q.List(ctx, "user-1", queue.StateFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
	pending, err := q.List(ctx, "user-1", queue.StatePending)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Zero(t, pending[1].Attempts)

	validToken.Store("fresh-token")
	res, err = q.Flush(ctx, "user-1", a.WithToken("fresh-token"), nil)
	require.NoError(t, err)
	assert.Equal(t, queue.FlushResult{Delivered: 3}, res)
}
