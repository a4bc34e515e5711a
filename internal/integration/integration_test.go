package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/account"
	"warden/internal/api"
	"warden/internal/ban"
	"warden/internal/credential"
	"warden/internal/gate"
	"warden/internal/models"
	"warden/internal/ratelimit"
	"warden/internal/storage"
	"warden/internal/token"
)

// Integration tests that drive the whole stack over HTTP against SQLite.

type harness struct {
	server *httptest.Server
	store  storage.Storage
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := models.NewDefaultConfig()
	cfg.Storage = models.StorageConfig{
		Type:     models.StorageTypeSQLite,
		Database: models.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "warden.db")},
	}
	cfg.RateLimit.Backend = models.LedgerBackendStorage
	require.NoError(t, cfg.Validate())

	store, err := storage.NewFactory().Create(cfg.Storage)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens, err := token.NewService(token.Config{
		Secret:   []byte(strings.Repeat("k", 32)),
		Lifetime: cfg.Security.TokenLifetime,
		Issuer:   cfg.Security.TokenIssuer,
	})
	require.NoError(t, err)

	hasher, err := credential.NewHasher(credential.Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16})
	require.NoError(t, err)

	limiter, err := ratelimit.NewLimiter(ratelimit.NewStoreLedger(store), ratelimit.Config{
		Window:    cfg.RateLimit.Window,
		Threshold: cfg.RateLimit.Threshold,
	})
	require.NoError(t, err)

	bans := ban.NewLedger(store, ban.WithMaxReasonLength(cfg.Ban.MaxReasonLength))
	accounts := account.NewService(store, hasher, tokens)
	require.NoError(t, accounts.EnsureAdmin(context.Background(), "root", "rootpassword"))

	handlers := api.NewHandlers(cfg, accounts, bans, gate.New(tokens, bans, limiter),
		api.WithStorage(store),
		api.WithLimiterStatus(limiter),
	)
	router := api.SetupRoutes(handlers, cfg)

	// Stands in for a content endpoint of the application embedding the gate.
	router.Handle("/api/v1/images",
		handlers.Protect(handlers.Operation(models.OpUploadImage))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})),
	).Methods(http.MethodPost)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &harness{server: server, store: store}
}

// client returns an HTTP client with its own cookie jar, so each caller keeps
// the session cookie the server hands out.
func (h *harness) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (h *harness) call(t *testing.T, c *http.Client, method, path, bearer string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestIntegration_BanLifecycle(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t)
	root := h.client(t)

	var signup models.TokenResponse
	status := h.call(t, alice, http.MethodPost, "/api/v1/auth/signup", "",
		models.CredentialsRequest{UserName: "alice", Password: "password1"}, &signup)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, signup.Token)

	// The cookie alone identifies alice from here on.
	var session models.SessionResponse
	require.Equal(t, http.StatusOK, h.call(t, alice, http.MethodGet, "/api/v1/auth/session", "", nil, &session))
	assert.False(t, session.IsPrivileged)
	aliceID := session.SubjectID

	var rootLogin models.TokenResponse
	require.Equal(t, http.StatusOK, h.call(t, root, http.MethodPost, "/api/v1/auth/login", "",
		models.CredentialsRequest{UserName: "root", Password: "rootpassword"}, &rootLogin))

	banPath := fmt.Sprintf("/api/v1/admin/users/%d/ban", aliceID)

	t.Run("non admin cannot ban", func(t *testing.T) {
		var errResp models.ErrorResponse
		status := h.call(t, alice, http.MethodPost, banPath, "", models.BanRequest{BanLength: 60, Reason: "self"}, &errResp)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, models.ErrorCodeNotPrivileged, errResp.Code)
	})

	t.Run("ban locks the subject out", func(t *testing.T) {
		var resp models.BanResponse
		status := h.call(t, root, http.MethodPost, banPath, "", models.BanRequest{BanLength: 3600, Reason: "spam"}, &resp)
		require.Equal(t, http.StatusOK, status)
		require.NotNil(t, resp.Ban)
		assert.Equal(t, aliceID, resp.Ban.SubjectID)
		assert.True(t, resp.Purged)

		var errResp models.ErrorResponse
		status = h.call(t, alice, http.MethodGet, "/api/v1/auth/session", "", nil, &errResp)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, models.ErrorCodeUserBanned, errResp.Code)

		var history models.BanHistoryResponse
		status = h.call(t, root, http.MethodGet, fmt.Sprintf("/api/v1/admin/users/%d/bans", aliceID), "", nil, &history)
		require.Equal(t, http.StatusOK, status)
		assert.True(t, history.Banned)
		require.Len(t, history.Bans, 1)
		assert.Equal(t, "spam", history.Bans[0].Reason)
	})

	t.Run("unban restores access", func(t *testing.T) {
		var resp models.UnbanResponse
		status := h.call(t, root, http.MethodPost, fmt.Sprintf("/api/v1/admin/users/%d/unban", aliceID), "", nil, &resp)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, int64(1), resp.Deactivated)

		assert.Equal(t, http.StatusOK, h.call(t, alice, http.MethodGet, "/api/v1/auth/session", "", nil, nil))
	})
}

func TestIntegration_WeightedLimitPersistsInStorage(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t)

	require.Equal(t, http.StatusCreated, h.call(t, alice, http.MethodPost, "/api/v1/auth/signup", "",
		models.CredentialsRequest{UserName: "alice", Password: "password1"}, nil))

	// Four uploads at weight 15 reach 60; only then does the total exceed 50.
	for i := 0; i < 4; i++ {
		require.Equal(t, http.StatusCreated, h.call(t, alice, http.MethodPost, "/api/v1/images", "", nil, nil), "upload %d", i+1)
	}

	var errResp models.ErrorResponse
	status := h.call(t, alice, http.MethodPost, "/api/v1/images", "", nil, &errResp)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, models.ErrorCodeRateLimited, errResp.Code)

	var session models.SessionResponse
	require.Equal(t, http.StatusOK, h.call(t, alice, http.MethodGet, "/api/v1/auth/session", "", nil, &session))

	sum, err := h.store.SumActivity(context.Background(), session.SubjectID, session.ExpiresAt.AddDate(-1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(60), sum)
}

func TestIntegration_UpgradeAndDelete(t *testing.T) {
	h := newHarness(t)
	bob := h.client(t)
	root := h.client(t)

	var signup models.TokenResponse
	require.Equal(t, http.StatusCreated, h.call(t, bob, http.MethodPost, "/api/v1/auth/signup", "",
		models.CredentialsRequest{UserName: "bob", Password: "password1"}, &signup))

	var session models.SessionResponse
	require.Equal(t, http.StatusOK, h.call(t, bob, http.MethodGet, "/api/v1/auth/session", "", nil, &session))

	require.Equal(t, http.StatusOK, h.call(t, root, http.MethodPost, "/api/v1/auth/login", "",
		models.CredentialsRequest{UserName: "root", Password: "rootpassword"}, nil))
	require.Equal(t, http.StatusOK, h.call(t, root, http.MethodPost,
		fmt.Sprintf("/api/v1/admin/users/%d/upgrade", session.SubjectID), "", nil, nil))

	// The old token still carries the old privilege flag.
	require.Equal(t, http.StatusOK, h.call(t, bob, http.MethodGet, "/api/v1/auth/session", signup.Token, nil, &session))
	assert.False(t, session.IsPrivileged)

	require.Equal(t, http.StatusOK, h.call(t, bob, http.MethodPost, "/api/v1/auth/login", "",
		models.CredentialsRequest{UserName: "bob", Password: "password1"}, nil))
	require.Equal(t, http.StatusOK, h.call(t, bob, http.MethodGet, "/api/v1/auth/session", "", nil, &session))
	assert.True(t, session.IsPrivileged)

	require.Equal(t, http.StatusOK, h.call(t, bob, http.MethodPost, "/api/v1/account/delete", "", nil, nil))

	// A deleted subject is treated as banned, even with a token that has not expired.
	var errResp models.ErrorResponse
	status := h.call(t, bob, http.MethodGet, "/api/v1/auth/session", signup.Token, nil, &errResp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, models.ErrorCodeUserBanned, errResp.Code)

	status = h.call(t, bob, http.MethodPost, "/api/v1/auth/login", "",
		models.CredentialsRequest{UserName: "bob", Password: "password1"}, &errResp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, models.ErrorCodeCredentialMismatch, errResp.Code)
}
