package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
	"github.com/427h5dvrch-lang/human-origin/internal/chain"
	"github.com/427h5dvrch-lang/human-origin/internal/localdb"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
	"github.com/427h5dvrch-lang/human-origin/internal/queue"
)

type notaryFunc func(ctx context.Context, req *protocol.NotaryRequest) (*protocol.NotaryResponse, error)

func (f notaryFunc) SignCert(ctx context.Context, req *protocol.NotaryRequest) (*protocol.NotaryResponse, error) {
	return f(ctx, req)
}

// genesisHeads is a remote with no certified session.
type genesisHeads struct{}

func (genesisHeads) Head(_ context.Context, projectID string) (protocol.ChainHead, bool, error) {
	return protocol.ChainHead{ProjectID: projectID, PayloadHash: protocol.Genesis}, false, nil
}

func pendingOps(t *testing.T, h *harness) []queue.Op {
	t.Helper()
	entries, err := h.queue.List(context.Background(), h.identity.UserID, queue.StatePending)
	require.NoError(t, err)
	ops := make([]queue.Op, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Op)
	}
	return ops
}

func TestCertifier_Authority(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	certifier := h.certifier(h.authority, h.authority)

	sc1, projectID := h.stopped("novel", 82)
	assert.Equal(t, 3, h.flush(h.authority).Delivered)

	diag := canon.MustFromAny(map[string]any{"client": "hoctl"})
	first, err := certifier.Certify(ctx, sc1, &diag)
	require.NoError(t, err)
	assert.Equal(t, chain.SourceAuth, first.Source)
	assert.NotEmpty(t, first.CertID)
	assert.Equal(t, "hmac-v1", first.AuthorityKeyID)

	t.Run("Local state follows the authority", func(t *testing.T) {
		s, err := h.store.GetSession(ctx, sc1.SessionID)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusCertified, s.Status)
		assert.Equal(t, first.CertID, s.CertID)

		head, ok, err := h.store.Head(ctx, h.identity.UserID, projectID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.PayloadHash, head.PayloadHash)

		remote, ok, err := h.authority.Head(ctx, projectID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.PayloadHash, remote.PayloadHash)
		assert.Empty(t, pendingOps(t, h))
	})

	t.Run("Certifying again is refused", func(t *testing.T) {
		_, err := certifier.Certify(ctx, sc1, nil)
		assert.ErrorIs(t, err, ErrAlreadyCertified)
	})

	sc2, _ := h.stopped("novel", 77)
	h.flush(h.authority)
	second, err := certifier.Certify(ctx, sc2, nil)
	require.NoError(t, err)

	t.Run("Chain links and verifies", func(t *testing.T) {
		rows, err := h.authority.Chain(ctx, projectID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		chain.SortRows(rows)
		assert.Equal(t, protocol.Genesis, rows[0].PrevHash())
		assert.Equal(t, first.PayloadHash, rows[1].PrevHash())
		assert.Equal(t, second.PayloadHash, rows[1].PayloadHash)

		local := chain.Verify(projectID, rows, chain.VerifyOptions{})
		assert.True(t, local.OK, "%+v", local.Failures)

		master, err := h.authority.Master(ctx, projectID)
		require.NoError(t, err)
		assert.Equal(t, chain.SourceAuth, master.Source)

		report, err := h.authority.Verify(ctx, projectID, master.MasterHash)
		require.NoError(t, err)
		assert.True(t, report.OK, "%+v", report.Failures)
		assert.Equal(t, 2, report.Checked)
	})
}

func TestCertifier_LocalBypass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	offline := h.offline()
	certifier := h.certifier(offline, offline)

	sc1, projectID := h.stopped("essay", 90)
	first, err := certifier.Certify(ctx, sc1, nil)
	require.NoError(t, err)
	assert.Equal(t, chain.SourceLocal, first.Source)
	assert.Empty(t, first.AuthorityKeyID)

	sc2, _ := h.stopped("essay", 60)
	second, err := certifier.Certify(ctx, sc2, nil)
	require.NoError(t, err)

	t.Run("Mutations are queued in order", func(t *testing.T) {
		assert.Equal(t, []queue.Op{
			queue.OpProjectUpsert, queue.OpSessionInsert, queue.OpSessionInsert,
			queue.OpCertificateInsert, queue.OpSessionUpdate,
			queue.OpSessionInsert, queue.OpSessionInsert,
			queue.OpCertificateInsert, queue.OpSessionUpdate,
		}, pendingOps(t, h))
	})

	t.Run("Second certificate links to the cached head", func(t *testing.T) {
		entries, err := h.queue.List(ctx, h.identity.UserID, queue.StatePending)
		require.NoError(t, err)
		var rec protocol.CertificateRecord
		require.NoError(t, entries[7].Decode(&rec))
		assert.Equal(t, second.CertID, rec.ID)
		assert.Equal(t, protocol.LocalBypass, rec.AuthoritySignature)
		assert.Equal(t, first.PayloadHash, rec.CertJSON.StringAt("meta", "prev_session_hash"))
	})

	t.Run("Flush delivers and the chain is labelled LOCAL", func(t *testing.T) {
		res := h.flush(h.authority)
		assert.Equal(t, 9, res.Delivered)
		assert.Zero(t, res.Failed)

		s, err := h.serverDB.GetSession(ctx, sc2.SessionID)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusCertified, s.Status)
		assert.Equal(t, second.CertID, s.CertID.String)

		master, err := h.authority.Master(ctx, projectID)
		require.NoError(t, err)
		assert.Equal(t, chain.SourceLocal, master.Source)
		assert.Equal(t, 2, master.Sessions)

		report, err := h.authority.Verify(ctx, projectID, master.MasterHash)
		require.NoError(t, err)
		assert.True(t, report.OK, "%+v", report.Failures)
		assert.Equal(t, chain.SourceLocal, report.Source)
	})
}

func TestCertifier_Refusals(t *testing.T) {
	ctx := context.Background()

	for _, status := range []int{http.StatusUnauthorized, http.StatusBadRequest, http.StatusConflict} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			h := newHarness(t)
			refuse := notaryFunc(func(context.Context, *protocol.NotaryRequest) (*protocol.NotaryResponse, error) {
				return nil, &HTTPError{Status: status, Message: "refused"}
			})
			sc, _ := h.stopped("refused", 10)

			_, err := h.certifier(refuse, genesisHeads{}).Certify(ctx, sc, nil)
			var herr *HTTPError
			require.ErrorAs(t, err, &herr)
			assert.Equal(t, status, herr.Status)

			s, err := h.store.GetSession(ctx, sc.SessionID)
			require.NoError(t, err)
			assert.Equal(t, protocol.StatusStopped, s.Status)
			assert.NotContains(t, pendingOps(t, h), queue.OpCertificateInsert)
		})
	}
}

func TestCertifier_Request(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sc, projectID := h.stopped("request", 82)

	var got *protocol.NotaryRequest
	notary := notaryFunc(func(_ context.Context, req *protocol.NotaryRequest) (*protocol.NotaryResponse, error) {
		got = req
		return &protocol.NotaryResponse{
			CertID:         "cert-1",
			IssuedAt:       "2026-05-01T09:30:00.000Z",
			AuthorityKeyID: "hmac-v1",
			Status:         protocol.NotaryStatusSigned,
		}, nil
	})

	res, err := h.certifier(notary, genesisHeads{}).Certify(ctx, sc, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cert-1", res.CertID)
	assert.Equal(t, 30, res.IssuedAt.Minute())

	var unsigned protocol.UnsignedCertificate
	require.NoError(t, json.Unmarshal(got.CertUnsigned, &unsigned))
	assert.Equal(t, protocol.ProtocolV2, unsigned.Protocol)
	assert.Equal(t, projectID, unsigned.Meta.ProjectID)
	assert.Equal(t, sc.SessionID, unsigned.Meta.SessionID)
	assert.Equal(t, protocol.Genesis, unsigned.Meta.PrevSessionHash)
	assert.Equal(t, int64(82), unsigned.Scores.SCP)
	assert.Equal(t, unsigned.Hash(), got.PayloadHash)

	env, err := protocol.ParseDeviceSignature(got.DeviceSignature)
	require.NoError(t, err)
	assert.Equal(t, h.signer.KeyID(), env.KeyID)
	assert.Equal(t, got.PayloadHash, res.PayloadHash)
}

func TestCertifier_Stale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sc, projectID := h.stopped("stale", 40)

	switchUser := notaryFunc(func(ctx context.Context, _ *protocol.NotaryRequest) (*protocol.NotaryResponse, error) {
		_, err := ClearIdentity(ctx, h.store)
		require.NoError(t, err)
		return nil, &HTTPError{Status: http.StatusServiceUnavailable}
	})

	_, err := h.certifier(switchUser, genesisHeads{}).Certify(ctx, sc, nil)
	assert.ErrorIs(t, err, ErrStale)

	s, err := h.store.GetSession(ctx, sc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusStopped, s.Status)

	_, ok, err := h.store.Head(ctx, h.identity.UserID, projectID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotContains(t, pendingOps(t, h), queue.OpCertificateInsert)
}

func TestCertifier_SessionState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	never := notaryFunc(func(context.Context, *protocol.NotaryRequest) (*protocol.NotaryResponse, error) {
		return nil, errors.New("unexpected notarization")
	})
	certifier := h.certifier(never, genesisHeads{})

	t.Run("Running session", func(t *testing.T) {
		p, err := h.recorder.InitProject(ctx, h.identity, "running")
		require.NoError(t, err)
		s, err := h.recorder.Start(ctx, h.identity, p.ID)
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = h.recorder.Stop(ctx, h.identity, s.ID, Summary{})
		})

		sc, err := Capture(ctx, h.store, h.identity)
		require.NoError(t, err)
		sc.SessionID = s.ID
		_, err = certifier.Certify(ctx, sc, nil)
		assert.ErrorIs(t, err, ErrNotStopped)
	})

	t.Run("Unknown session", func(t *testing.T) {
		sc, err := Capture(ctx, h.store, h.identity)
		require.NoError(t, err)
		sc.SessionID = "missing"
		_, err = certifier.Certify(ctx, sc, nil)
		assert.ErrorIs(t, err, localdb.ErrNotFound)
	})
}

func TestCertifier_ForeignSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sc, _ := h.stopped("mine", 10)
	sc.Identity.UserID = "someone-else"

	_, err := h.certifier(h.authority, genesisHeads{}).Certify(ctx, sc, nil)
	assert.ErrorIs(t, err, ErrForeignSession)
}
