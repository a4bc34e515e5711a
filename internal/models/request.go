// Package models - API request types and input validation.
// Incoming bodies are normalized first (trimmed, lower-cased user names) and
// then validated so error messages describe what the caller actually sent
// after normalization.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// CredentialsRequest is the body of signup and login.
type CredentialsRequest struct {
	UserName string `json:"user_name"`
	Password string `json:"password"`
}

func (r *CredentialsRequest) Normalize() {
	r.UserName = strings.ToLower(strings.TrimSpace(r.UserName))
}

func (r *CredentialsRequest) Validate() error {
	if r.UserName == "" {
		return errors.New("user_name is required")
	}
	if r.Password == "" {
		return errors.New("password is required")
	}
	return nil
}

// ValidateForSignup applies the account creation rules on top of Validate.
func (r *CredentialsRequest) ValidateForSignup() error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := ValidateUserName(r.UserName); err != nil {
		return err
	}
	return ValidatePassword(r.Password)
}

// BanRequest asks to ban a subject for BanLength duration units.
type BanRequest struct {
	BanLength int64  `json:"ban_length"`
	Reason    string `json:"reason"`
}

func (r *BanRequest) Normalize() {
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *BanRequest) Validate(maxReasonLength int) error {
	if r.BanLength <= 0 {
		return errors.New("ban_length must be positive")
	}
	if maxReasonLength > 0 && len(r.Reason) > maxReasonLength {
		return fmt.Errorf("reason must be at most %d characters", maxReasonLength)
	}
	return nil
}
