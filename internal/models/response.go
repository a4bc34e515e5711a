// Package models - API response types and error handling.
// All bodies are JSON. Errors share one shape with a machine-readable code,
// a human-readable message and an RFC3339 timestamp.
package models

import (
	"time"
)

// TokenResponse is returned by signup and login. The same token is also set
// as a cookie.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionResponse describes the identity carried by a valid token.
type SessionResponse struct {
	SubjectID    int64     `json:"subject_id"`
	IsPrivileged bool      `json:"is_privileged"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type BanResponse struct {
	Ban     *BanRecord `json:"ban"`
	Purged  bool       `json:"purged"`
	Message string     `json:"message"`
}

type UnbanResponse struct {
	SubjectID   int64  `json:"subject_id"`
	Deactivated int64  `json:"deactivated"`
	Message     string `json:"message"`
}

type BanHistoryResponse struct {
	SubjectID int64        `json:"subject_id"`
	Banned    bool         `json:"banned"`
	Bans      []*BanRecord `json:"bans"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse provides structured error information.
//
// Code is stable and meant for programmatic handling; Message may change.
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// Error codes. Each maps to exactly one HTTP status in the transport.
const (
	ErrorCodeBadRequest         = "BAD_REQUEST"          // 400
	ErrorCodeValidation         = "VALIDATION_ERROR"     // 400
	ErrorCodeInvalidToken       = "INVALID_TOKEN"        // 401
	ErrorCodeUserBanned         = "USER_BANNED"          // 401
	ErrorCodeUserNotFound       = "USER_NOT_FOUND"       // 404
	ErrorCodeCredentialMismatch = "CREDENTIAL_MISMATCH"  // 401
	ErrorCodeNotPrivileged      = "NOT_PRIVILEGED"       // 403
	ErrorCodeRateLimited        = "RATE_LIMITED"         // 429
	ErrorCodeConflict           = "CONFLICT"             // 409
	ErrorCodeNotFound           = "NOT_FOUND"            // 404
	ErrorCodeInternalError      = "INTERNAL_ERROR"       // 500
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE"  // 503
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// WithDetail attaches a field-level detail and returns the response.
func (e *ErrorResponse) WithDetail(key, value string) *ErrorResponse {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}
