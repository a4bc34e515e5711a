package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("rate limited", ErrorCodeRateLimited)

	assert.Equal(t, "error", resp.Error)
	assert.Equal(t, "rate limited", resp.Message)
	assert.Equal(t, ErrorCodeRateLimited, resp.Code)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Nil(t, resp.Details)
}

func TestErrorResponse_WithDetail(t *testing.T) {
	resp := NewErrorResponse("bad input", ErrorCodeValidation).
		WithDetail("field", "user_name")

	assert.Equal(t, map[string]string{"field": "user_name"}, resp.Details)
}

func TestAccount_PasswordHashNotSerialized(t *testing.T) {
	data, err := json.Marshal(&Account{ID: 4, UserName: "bob", PasswordHash: "$argon2id$secret"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "argon2id")
	assert.Contains(t, string(data), `"user_name":"bob"`)
}

func TestHealthCheckResponse_AddComponent(t *testing.T) {
	resp := NewHealthCheckResponse(StatusHealthy)
	resp.AddComponent("storage", StatusUnhealthy, "connection refused")

	require.Contains(t, resp.Components, "storage")
	assert.Equal(t, StatusUnhealthy, resp.Components["storage"].Status)
	assert.Equal(t, "connection refused", resp.Components["storage"].Message)
}
