package api

import (
	"errors"
	"log/slog"
	"net/http"

	"warden/internal/account"
	"warden/internal/ban"
	"warden/internal/gate"
	"warden/internal/logger"
	"warden/internal/models"
	"warden/internal/storage"
)

type errorSpec struct {
	status  int
	code    string
	message string
}

// kindResponses maps each refusal kind to exactly one response.
var kindResponses = map[gate.Kind]errorSpec{
	gate.KindInvalidToken:       {http.StatusUnauthorized, models.ErrorCodeInvalidToken, "Invalid or expired token"},
	gate.KindUserBanned:         {http.StatusUnauthorized, models.ErrorCodeUserBanned, "User is banned"},
	gate.KindUserNotFound:       {http.StatusNotFound, models.ErrorCodeUserNotFound, "User not found"},
	gate.KindRateLimited:        {http.StatusTooManyRequests, models.ErrorCodeRateLimited, "Rate limit exceeded"},
	gate.KindNotPrivileged:      {http.StatusForbidden, models.ErrorCodeNotPrivileged, "Administrator privileges required"},
	gate.KindCredentialMismatch: {http.StatusUnauthorized, models.ErrorCodeCredentialMismatch, "Invalid user name or password"},
	gate.KindInternal:           {http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error"},
}

// writeError translates err into a JSON error response. Causes of internal
// errors are logged and never sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errInvalidBody):
		writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	case errors.Is(err, account.ErrValidation):
		writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeValidation, err.Error())
		return
	case errors.Is(err, storage.ErrNameTaken):
		writeErrorResponse(w, r, http.StatusConflict, models.ErrorCodeConflict, "User name already taken")
		return
	case errors.Is(err, ban.ErrInvalidDuration), errors.Is(err, ban.ErrReasonTooLong):
		writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeValidation, err.Error())
		return
	}

	kind := gate.KindOf(err)
	spec, ok := kindResponses[kind]
	if !ok {
		spec = kindResponses[gate.KindInternal]
	}
	if spec.status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeErrorResponse(w, r, spec.status, spec.code, spec.message)
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	resp := models.NewErrorResponse(message, code)
	resp.RequestID = logger.RequestID(r.Context())
	writeJSON(w, statusCode, resp)
}
