// Package ban keeps the append-only ban history and answers whether a
// subject is currently barred from acting.
//
// The newest record (by given_at, then by insertion order) is the only one
// that counts: a subject is banned when that record is active and has not
// expired. Subjects that do not exist, including deleted accounts, are
// reported as banned.
package ban

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"warden/internal/models"
	"warden/internal/storage"
)

var (
	ErrInvalidDuration = errors.New("ban duration must be positive")
	ErrReasonTooLong   = errors.New("ban reason too long")
)

// Store is the persistence the ledger needs.
type Store interface {
	storage.BanStore
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
}

type Ledger struct {
	store           Store
	maxReasonLength int
	now             func() time.Time
}

type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithMaxReasonLength bounds the reason text. Zero disables the check.
func WithMaxReasonLength(n int) Option {
	return func(l *Ledger) {
		l.maxReasonLength = n
	}
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsBanned reports whether subjectID may not act right now. Unknown and
// deleted subjects are banned. Storage failures are returned as errors and
// callers must treat them as a denial.
func (l *Ledger) IsBanned(ctx context.Context, subjectID int64) (bool, error) {
	account, err := l.store.GetAccount(ctx, subjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return true, fmt.Errorf("failed to look up subject %d: %w", subjectID, err)
	}
	if !account.Exists() {
		return true, nil
	}

	latest, err := l.store.LatestBan(ctx, subjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return true, fmt.Errorf("failed to read ban history of subject %d: %w", subjectID, err)
	}

	return latest.InEffect(l.now()), nil
}

// Ban appends a record starting now and lasting duration. Any previous
// record is superseded by virtue of being older.
func (l *Ledger) Ban(ctx context.Context, subjectID int64, duration time.Duration, reason string) (*models.BanRecord, error) {
	if duration <= 0 {
		return nil, ErrInvalidDuration
	}
	if l.maxReasonLength > 0 && len(reason) > l.maxReasonLength {
		return nil, ErrReasonTooLong
	}

	now := l.now().UTC()
	record, err := l.store.InsertBan(ctx, &models.BanRecord{
		SubjectID: subjectID,
		GivenAt:   now,
		ExpiresAt: now.Add(duration),
		Reason:    reason,
		IsActive:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ban subject %d: %w", subjectID, err)
	}

	slog.InfoContext(ctx, "subject banned",
		"subject_id", subjectID,
		"ban_id", record.ID,
		"expires_at", record.ExpiresAt,
	)
	return record, nil
}

// Unban deactivates every active record of subjectID. Calling it on a
// subject with nothing active is a no-op and returns 0.
func (l *Ledger) Unban(ctx context.Context, subjectID int64) (int64, error) {
	changed, err := l.store.DeactivateBans(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to unban subject %d: %w", subjectID, err)
	}

	if changed > 0 {
		slog.InfoContext(ctx, "subject unbanned", "subject_id", subjectID, "records", changed)
	}
	return changed, nil
}

// History returns every ban record of subjectID, newest first.
func (l *Ledger) History(ctx context.Context, subjectID int64) ([]*models.BanRecord, error) {
	records, err := l.store.ListBans(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bans of subject %d: %w", subjectID, err)
	}
	return records, nil
}
