package models

import (
	"errors"
	"time"
)

// BanRecord is one entry in a subject's ban history. Records are never
// removed; unbanning clears IsActive.
type BanRecord struct {
	ID        int64     `json:"id" db:"id"`
	SubjectID int64     `json:"subject_id" db:"subject_id"`
	GivenAt   time.Time `json:"given_at" db:"given_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	Reason    string    `json:"reason" db:"reason"`
	IsActive  bool      `json:"is_active" db:"is_active"`
}

// InEffect reports whether this record bans its subject at now.
func (b *BanRecord) InEffect(now time.Time) bool {
	return b.IsActive && b.ExpiresAt.After(now)
}

// Newer orders records by given_at, falling back to insertion order.
func (b *BanRecord) Newer(other *BanRecord) bool {
	if other == nil {
		return true
	}
	if b.GivenAt.Equal(other.GivenAt) {
		return b.ID > other.ID
	}
	return b.GivenAt.After(other.GivenAt)
}

func (b *BanRecord) Validate() error {
	if b.SubjectID <= 0 {
		return errors.New("subject id must be positive")
	}
	if b.GivenAt.IsZero() {
		return errors.New("given_at cannot be empty")
	}
	if !b.ExpiresAt.After(b.GivenAt) {
		return errors.New("expires_at must be after given_at")
	}
	return nil
}

// ActivityEvent is one weighted mutating action in the rate limiter's ledger.
type ActivityEvent struct {
	SubjectID  int64     `json:"subject_id" db:"subject_id"`
	Weight     int       `json:"weight" db:"weight"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}
