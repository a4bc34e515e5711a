// Package models - Account records and operation names.
// An Account is the credential record owned by the user store. It is created
// at signup, upgraded by an administrator and soft-deleted when the user
// deletes their profile. A deleted account no longer "exists" as far as the
// ban ledger is concerned.
package models

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	MinUserNameLength = 3
	MaxUserNameLength = 32
	MinPasswordLength = 8
	// Argon2 accepts arbitrary input; the upper bound keeps hashing cost
	// per request predictable.
	MaxPasswordLength = 256
)

// Operation names used as keys in rate_limit.weights.
const (
	OpPost           = "post"
	OpComment        = "comment"
	OpReact          = "react"
	OpUnreact        = "unreact"
	OpUploadImage    = "upload_image"
	OpAttachImage    = "attach_image"
	OpChangeProfile  = "change_profile"
	OpChangeUserName = "change_user_name"
	OpSetProfilePic  = "set_profile_picture"
	OpRemoveProfPic  = "remove_profile_picture"
	OpDeletePost     = "delete_post"
	OpDeleteAccount  = "delete_account"
	OpBanUser        = "ban_user"
	OpUnbanUser      = "unban_user"
	OpUpgradeUser    = "upgrade_user"
	OpListUserBans   = "list_user_bans"
)

// IsAdminOperation reports whether only privileged callers may perform op.
func IsAdminOperation(op string) bool {
	switch op {
	case OpBanUser, OpUnbanUser, OpUpgradeUser, OpListUserBans:
		return true
	}
	return false
}

var userNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

type Account struct {
	ID           int64     `json:"id" db:"id"`
	UserName     string    `json:"user_name" db:"user_name"`
	DisplayName  string    `json:"display_name" db:"display_name"`
	PasswordHash string    `json:"-" db:"password_hash"`
	IsPrivileged bool      `json:"is_privileged" db:"is_privileged"`
	Deleted      bool      `json:"deleted" db:"deleted"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Exists reports whether the account is live. Soft-deleted accounts are
// treated as absent.
func (a *Account) Exists() bool {
	return a != nil && !a.Deleted
}

func (a *Account) Validate() error {
	if err := ValidateUserName(a.UserName); err != nil {
		return err
	}
	if a.PasswordHash == "" {
		return errors.New("password hash cannot be empty")
	}
	return nil
}

// ValidateUserName checks length and the allowed character set.
func ValidateUserName(name string) error {
	if len(name) < MinUserNameLength || len(name) > MaxUserNameLength {
		return fmt.Errorf("user name must be between %d and %d characters", MinUserNameLength, MaxUserNameLength)
	}
	if !userNamePattern.MatchString(name) {
		return errors.New("user name may only contain lowercase letters, digits and underscores")
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d bytes", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d bytes", MaxPasswordLength)
	}
	return nil
}
