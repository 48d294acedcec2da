package client

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/427h5dvrch-lang/human-origin/internal/api"
	"github.com/427h5dvrch-lang/human-origin/internal/auth"
	"github.com/427h5dvrch-lang/human-origin/internal/chain"
	"github.com/427h5dvrch-lang/human-origin/internal/config"
	"github.com/427h5dvrch-lang/human-origin/internal/crypto"
	"github.com/427h5dvrch-lang/human-origin/internal/database"
	"github.com/427h5dvrch-lang/human-origin/internal/localdb"
	"github.com/427h5dvrch-lang/human-origin/internal/queue"
	"github.com/427h5dvrch-lang/human-origin/internal/service"
)

func TestMain(m *testing.M) {
	auth.BcryptCost = bcrypt.MinCost
	os.Exit(m.Run())
}

const (
	testUser     = "writer"
	testPassword = "password123"
)

// clock hands out strictly increasing times.
type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

// harness is a device wired to a live authority.
type harness struct {
	t         *testing.T
	serverDB  *database.Database
	authority *Authority
	store     *localdb.Store
	queue     *queue.Queue
	recorder  *Recorder
	signer    *crypto.Signer
	identity  Identity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type:   "sqlite",
			SQLite: config.SQLiteConfig{Path: t.TempDir() + "/server.db"},
		},
		JWT: config.JWTConfig{
			Secret:     "client-test-secret",
			Expiration: time.Hour,
			Issuer:     "human-origin-test",
		},
		Authority: config.AuthorityConfig{Secret: "client-test-authority", KeyID: "hmac-v1"},
		Logging:   config.LoggingConfig{Level: "info"},
	}
	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	router, err := api.NewRouter(ctx, cfg, db, zap.NewNop())
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	_, err = service.NewUserService(db, cfg).CreateUser(ctx, &service.CreateUserRequest{
		Username: testUser, Password: testPassword, Role: "user",
	})
	require.NoError(t, err)

	store, err := localdb.Open(ctx, t.TempDir()+"/device.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	authority := NewAuthority(srv.URL, "", 5*time.Second, zap.NewNop())
	login, err := authority.Login(ctx, testUser, testPassword)
	require.NoError(t, err)
	id := Identity{UserID: login.UserID, Username: testUser, Token: login.Token, ExpiresAt: login.ExpiresAt}
	_, err = SaveIdentity(ctx, store, id)
	require.NoError(t, err)

	priv, err := crypto.GenerateDeviceKey()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(priv, "")
	require.NoError(t, err)

	q := queue.New(store.DB(), queue.Options{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}, zap.NewNop())
	rec := NewRecorder(store, q, zap.NewNop())
	rec.now = (&clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}).now

	return &harness{
		t:         t,
		serverDB:  db,
		authority: authority.WithToken(login.Token),
		store:     store,
		queue:     q,
		recorder:  rec,
		signer:    signer,
		identity:  id,
	}
}

// offline returns an authority client whose server is gone.
func (h *harness) offline() *Authority {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	return NewAuthority(url, h.identity.Token, time.Second, zap.NewNop())
}

func (h *harness) certifier(notary Notary, remote chain.HeadSource) *Certifier {
	heads := NewHeads(remote, h.store, h.queue, h.identity.UserID, zap.NewNop())
	c := NewCertifier(notary, heads, h.signer, h.store, h.queue, h.store, zap.NewNop())
	c.now = h.recorder.now
	return c
}

// stopped records a finished session in project name.
func (h *harness) stopped(name string, scp int64) (SessionContext, string) {
	h.t.Helper()
	ctx := context.Background()
	p, err := h.recorder.InitProject(ctx, h.identity, name)
	require.NoError(h.t, err)
	s, err := h.recorder.Start(ctx, h.identity, p.ID)
	require.NoError(h.t, err)
	_, err = h.recorder.Stop(ctx, h.identity, s.ID, Summary{ActiveMS: 60000, EventsCount: 120, SCPScore: scp, EvidenceScore: 50})
	require.NoError(h.t, err)

	sc, err := Capture(ctx, h.store, h.identity)
	require.NoError(h.t, err)
	sc.ProjectID, sc.ProjectName, sc.SessionID = p.ID, name, s.ID
	return sc, p.ID
}

func (h *harness) flush(d queue.Deliverer) queue.FlushResult {
	h.t.Helper()
	res, err := h.queue.Flush(context.Background(), h.identity.UserID, d, nil)
	require.NoError(h.t, err)
	return res
}
