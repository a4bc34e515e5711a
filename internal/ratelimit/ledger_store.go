package ratelimit

import (
	"context"
	"time"

	"warden/internal/models"
	"warden/internal/storage"
)

// StoreLedger keeps events in the primary store's activity table so every
// instance sharing the database sees the same window.
type StoreLedger struct {
	store storage.ActivityStore
}

func NewStoreLedger(store storage.ActivityStore) *StoreLedger {
	return &StoreLedger{store: store}
}

func (s *StoreLedger) Append(ctx context.Context, subjectID int64, weight int, at time.Time) error {
	return s.store.AppendActivity(ctx, models.ActivityEvent{
		SubjectID:  subjectID,
		Weight:     weight,
		OccurredAt: at,
	})
}

func (s *StoreLedger) Sum(ctx context.Context, subjectID int64, since time.Time) (int64, error) {
	return s.store.SumActivity(ctx, subjectID, since)
}

func (s *StoreLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.store.PruneActivity(ctx, cutoff)
}
