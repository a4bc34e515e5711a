package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"warden/internal/account"
	"warden/internal/gate"
	"warden/internal/models"
	"warden/internal/ratelimit"
	"warden/internal/storage"
	"warden/internal/token"
)

const maxBodyBytes = 1 << 20

var errInvalidBody = errors.New("invalid JSON body")

// AccountService is the credential side of the API.
type AccountService interface {
	Signup(ctx context.Context, userName, password string) (*account.Session, error)
	Login(ctx context.Context, userName, password string) (*account.Session, error)
	Delete(ctx context.Context, subjectID int64) (*storage.PurgeSummary, error)
	Purge(ctx context.Context, subjectID int64) (*storage.PurgeSummary, error)
	Upgrade(ctx context.Context, subjectID int64) error
	Lookup(ctx context.Context, subjectID int64) (*models.Account, error)
}

// BanService is the ban ledger as the admin endpoints use it.
type BanService interface {
	IsBanned(ctx context.Context, subjectID int64) (bool, error)
	Ban(ctx context.Context, subjectID int64, duration time.Duration, reason string) (*models.BanRecord, error)
	Unban(ctx context.Context, subjectID int64) (int64, error)
	History(ctx context.Context, subjectID int64) ([]*models.BanRecord, error)
}

// Gatekeeper authorizes protected requests.
type Gatekeeper interface {
	Identify(ctx context.Context, tokenString string) (*token.Claims, error)
	Authorize(ctx context.Context, tokenString string, op gate.Operation) (*token.Claims, error)
	Complete(ctx context.Context, claims *token.Claims, op gate.Operation) error
	Run(ctx context.Context, tokenString string, op gate.Operation, fn func(ctx context.Context, claims *token.Claims) error) error
}

// StatusReader exposes a subject's rate limit window.
type StatusReader interface {
	Status(ctx context.Context, subjectID int64) (ratelimit.Status, error)
}

// Pinger reports backend reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains the HTTP handlers of the access-control API.
type Handlers struct {
	config    *models.Config
	accounts  AccountService
	bans      BanService
	gate      Gatekeeper
	limiter   StatusReader
	storage   Pinger
	version   string
	startedAt time.Time
}

type HandlerOption func(*Handlers)

// WithStorage enables the storage component of the health check.
func WithStorage(p Pinger) HandlerOption {
	return func(h *Handlers) {
		h.storage = p
	}
}

// WithLimiterStatus adds X-RateLimit-* headers to session responses.
func WithLimiterStatus(s StatusReader) HandlerOption {
	return func(h *Handlers) {
		h.limiter = s
	}
}

func WithVersion(v string) HandlerOption {
	return func(h *Handlers) {
		h.version = v
	}
}

func NewHandlers(config *models.Config, accounts AccountService, bans BanService, g Gatekeeper, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		config:    config,
		accounts:  accounts,
		bans:      bans,
		gate:      g,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Operation describes op with its configured weight.
func (h *Handlers) Operation(name string) gate.Operation {
	return gate.Operation{
		Name:   name,
		Weight: h.config.RateLimit.Weight(name),
		Admin:  models.IsAdminOperation(name),
	}
}

// Signup handles account creation
// POST /api/v1/auth/signup
func (h *Handlers) Signup(w http.ResponseWriter, r *http.Request) {
	var req models.CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Normalize()
	if err := req.ValidateForSignup(); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeValidation, err.Error())
		return
	}

	session, err := h.accounts.Signup(r.Context(), req.UserName, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.setTokenCookie(w, session)
	writeJSON(w, http.StatusCreated, models.TokenResponse{Token: session.Token, ExpiresAt: session.ExpiresAt})
}

// Login exchanges credentials for a token
// POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeValidation, err.Error())
		return
	}

	session, err := h.accounts.Login(r.Context(), req.UserName, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.setTokenCookie(w, session)
	writeJSON(w, http.StatusOK, models.TokenResponse{Token: session.Token, ExpiresAt: session.ExpiresAt})
}

// Logout clears the token cookie. Tokens are stateless, so a copy kept
// elsewhere stays valid until it expires.
// POST /api/v1/auth/logout
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearTokenCookie(w)
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: "Logged out"})
}

// Session describes the caller's token
// GET /api/v1/auth/session
func (h *Handlers) Session(w http.ResponseWriter, r *http.Request) {
	claims, err := h.gate.Identify(r.Context(), h.tokenFromRequest(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.limiter != nil {
		if status, err := h.limiter.Status(r.Context(), claims.SubjectID); err == nil {
			ratelimit.WriteStatusHeaders(w, status)
		} else {
			slog.WarnContext(r.Context(), "Failed to read rate limit status", "subject_id", claims.SubjectID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, models.SessionResponse{
		SubjectID:    claims.SubjectID,
		IsPrivileged: claims.Privileged,
		ExpiresAt:    claims.Expiry(),
	})
}

type deleteAccountResponse struct {
	Message string                `json:"message"`
	Purged  *storage.PurgeSummary `json:"purged"`
}

// DeleteAccount soft-deletes the caller's account and purges their content
// POST /api/v1/account/delete
func (h *Handlers) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	var summary *storage.PurgeSummary
	err := h.gate.Run(r.Context(), h.tokenFromRequest(r), h.Operation(models.OpDeleteAccount),
		func(ctx context.Context, claims *token.Claims) error {
			s, err := h.accounts.Delete(ctx, claims.SubjectID)
			summary = s
			return err
		})
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.clearTokenCookie(w)
	writeJSON(w, http.StatusOK, deleteAccountResponse{Message: "Account deleted", Purged: summary})
}

// BanUser bans the target for ban_length duration units and purges their
// content
// POST /api/v1/admin/users/{id}/ban
func (h *Handlers) BanUser(w http.ResponseWriter, r *http.Request) {
	var resp *models.BanResponse
	err := h.gate.Run(r.Context(), h.tokenFromRequest(r), h.Operation(models.OpBanUser),
		func(ctx context.Context, claims *token.Claims) error {
			target, err := h.target(ctx, r)
			if err != nil {
				return err
			}

			var req models.BanRequest
			if err := decodeJSON(w, r, &req); err != nil {
				return err
			}
			req.Normalize()
			if err := req.Validate(h.config.Ban.MaxReasonLength); err != nil {
				return fmt.Errorf("%w: %v", account.ErrValidation, err)
			}
			duration, err := banDuration(req.BanLength, h.config.Ban.DurationUnit)
			if err != nil {
				return err
			}

			record, err := h.bans.Ban(ctx, target.ID, duration, req.Reason)
			if err != nil {
				return err
			}

			purged := true
			if _, err := h.accounts.Purge(ctx, target.ID); err != nil {
				slog.ErrorContext(ctx, "Failed to purge banned user's content", "subject_id", target.ID, "error", err)
				purged = false
			}

			slog.InfoContext(ctx, "Admin action",
				"action", models.OpBanUser,
				"admin_id", claims.SubjectID,
				"subject_id", target.ID,
				"expires_at", record.ExpiresAt,
			)
			resp = &models.BanResponse{Ban: record, Purged: purged, Message: "User banned"}
			return nil
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// UnbanUser deactivates every ban of the target
// POST /api/v1/admin/users/{id}/unban
func (h *Handlers) UnbanUser(w http.ResponseWriter, r *http.Request) {
	var resp *models.UnbanResponse
	err := h.gate.Run(r.Context(), h.tokenFromRequest(r), h.Operation(models.OpUnbanUser),
		func(ctx context.Context, claims *token.Claims) error {
			target, err := h.target(ctx, r)
			if err != nil {
				return err
			}
			changed, err := h.bans.Unban(ctx, target.ID)
			if err != nil {
				return err
			}

			slog.InfoContext(ctx, "Admin action",
				"action", models.OpUnbanUser,
				"admin_id", claims.SubjectID,
				"subject_id", target.ID,
				"deactivated", changed,
			)
			resp = &models.UnbanResponse{SubjectID: target.ID, Deactivated: changed, Message: "User unbanned"}
			return nil
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpgradeUser grants the target the privilege flag
// POST /api/v1/admin/users/{id}/upgrade
func (h *Handlers) UpgradeUser(w http.ResponseWriter, r *http.Request) {
	err := h.gate.Run(r.Context(), h.tokenFromRequest(r), h.Operation(models.OpUpgradeUser),
		func(ctx context.Context, claims *token.Claims) error {
			target, err := h.target(ctx, r)
			if err != nil {
				return err
			}
			if err := h.accounts.Upgrade(ctx, target.ID); err != nil {
				return err
			}
			slog.InfoContext(ctx, "Admin action",
				"action", models.OpUpgradeUser,
				"admin_id", claims.SubjectID,
				"subject_id", target.ID,
			)
			return nil
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: "User upgraded; privileges apply from the next login"})
}

// ListUserBans returns the target's ban history, newest first. Deleted
// accounts keep their history.
// GET /api/v1/admin/users/{id}/bans
func (h *Handlers) ListUserBans(w http.ResponseWriter, r *http.Request) {
	var resp *models.BanHistoryResponse
	err := h.gate.Run(r.Context(), h.tokenFromRequest(r), h.Operation(models.OpListUserBans),
		func(ctx context.Context, claims *token.Claims) error {
			id, err := subjectID(r)
			if err != nil {
				return err
			}
			records, err := h.bans.History(ctx, id)
			if err != nil {
				return gate.Internal(err)
			}
			banned, err := h.bans.IsBanned(ctx, id)
			if err != nil {
				return gate.Internal(err)
			}
			if records == nil {
				records = []*models.BanRecord{}
			}
			resp = &models.BanHistoryResponse{SubjectID: id, Banned: banned, Bans: records}
			return nil
		})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.version
	response.Uptime = time.Since(h.startedAt).Round(time.Second).String()

	status := http.StatusOK
	if h.storage != nil {
		if err := h.storage.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "Health check: storage unreachable", "error", err)
			response.Status = models.StatusUnhealthy
			response.AddComponent("storage", models.StatusUnhealthy, "Storage is unreachable")
			status = http.StatusServiceUnavailable
		} else {
			response.AddComponent("storage", models.StatusHealthy, "Storage is operational")
		}
	}
	response.AddComponent("api", models.StatusHealthy, "API is operational")

	writeJSON(w, status, response)
}

// target resolves the {id} path variable to a live account.
func (h *Handlers) target(ctx context.Context, r *http.Request) (*models.Account, error) {
	id, err := subjectID(r)
	if err != nil {
		return nil, err
	}
	return h.accounts.Lookup(ctx, id)
}

func subjectID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, gate.NewError(gate.KindUserNotFound, nil)
	}
	return id, nil
}

// banDuration converts a ban length in configured units to a duration,
// refusing lengths that would overflow.
func banDuration(length int64, unit time.Duration) (time.Duration, error) {
	if length <= 0 || unit <= 0 {
		return 0, fmt.Errorf("%w: ban_length must be positive", account.ErrValidation)
	}
	if length > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: ban_length is too large", account.ErrValidation)
	}
	return time.Duration(length) * unit, nil
}

// tokenFromRequest prefers an Authorization bearer token over the cookie.
func (h *Handlers) tokenFromRequest(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	if cookie, err := r.Cookie(h.config.Security.Cookie.Name); err == nil {
		return cookie.Value
	}
	return ""
}

func (h *Handlers) setTokenCookie(w http.ResponseWriter, session *account.Session) {
	cfg := h.config.Security.Cookie
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    session.Token,
		Path:     "/",
		Domain:   cfg.Domain,
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: sameSite(cfg.SameSite),
	})
}

func (h *Handlers) clearTokenCookie(w http.ResponseWriter) {
	cfg := h.config.Security.Cookie
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: sameSite(cfg.SameSite),
	})
}

func sameSite(mode string) http.SameSite {
	switch strings.ToLower(mode) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errInvalidBody
	}
	return nil
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; nothing left to tell the client.
		slog.Error("Error encoding JSON response", "error", err)
	}
}
