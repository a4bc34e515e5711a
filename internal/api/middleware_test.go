package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/gate"
	"warden/internal/logger"
	"warden/internal/models"
)

func TestProtect(t *testing.T) {
	s := newTestServer(t)
	tok := s.signup(t, "alice", "password1")
	op := gate.Operation{Name: "upload", Weight: 30}
	ctx := context.Background()

	var seen int64
	ok := s.handlers.Protect(op)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, found := ClaimsFromContext(r.Context())
		require.True(t, found)
		seen = claims.SubjectID
		w.WriteHeader(http.StatusCreated)
	}))
	failing := s.handlers.Protect(op)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))

	serve := func(h http.Handler, tok string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("failed handler charges nothing", func(t *testing.T) {
		rec := serve(failing, tok)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		sum, err := s.ledger.Sum(ctx, 1, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Zero(t, sum)
	})

	t.Run("successful handler is charged until limited", func(t *testing.T) {
		assert.Equal(t, http.StatusCreated, serve(ok, tok).Code)
		assert.Equal(t, int64(1), seen)
		assert.Equal(t, http.StatusCreated, serve(ok, tok).Code)

		sum, err := s.ledger.Sum(ctx, 1, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(60), sum)

		rec := serve(ok, tok)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, models.ErrorCodeRateLimited, decodeError(t, rec).Code)
	})

	t.Run("no token", func(t *testing.T) {
		rec := serve(ok, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHandlers_OperationUsesConfiguredWeights(t *testing.T) {
	s := newTestServer(t, func(cfg *models.Config, _ *[]RouteOption) {
		cfg.RateLimit.Weights[models.OpPost] = 25
	})

	op := s.handlers.Operation(models.OpPost)
	assert.Equal(t, 25, op.Weight)
	assert.False(t, op.Admin)

	op = s.handlers.Operation(models.OpBanUser)
	assert.True(t, op.Admin)
	assert.Zero(t, op.Weight)

	assert.Zero(t, s.handlers.Operation("unknown").Weight)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestID(r.Context())
	}))

	t.Run("propagates incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
	})

	t.Run("generates missing id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, models.ErrorCodeInternalError, decodeError(t, rec).Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestCORSMiddleware(t *testing.T) {
	cfg := models.CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"https://app.example"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           600,
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := corsMiddleware(cfg)(next)

	tests := []struct {
		name           string
		method         string
		origin         string
		expectedStatus int
		expectedOrigin string
	}{
		{"allowed origin", http.MethodGet, "https://app.example", http.StatusOK, "https://app.example"},
		{"foreign origin", http.MethodGet, "https://evil.example", http.StatusOK, ""},
		{"preflight", http.MethodOptions, "https://app.example", http.StatusNoContent, "https://app.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/auth/login", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Equal(t, tt.expectedOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))
			assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	h := NewHandlers(models.NewDefaultConfig(), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, h.tokenFromRequest(req))

	req.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", h.tokenFromRequest(req))

	req.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", h.tokenFromRequest(req))

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "from-cookie", h.tokenFromRequest(req))
}
