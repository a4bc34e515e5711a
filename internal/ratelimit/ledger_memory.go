package ratelimit

import (
	"context"
	"sync"
	"time"
)

type event struct {
	weight int
	at     time.Time
}

// MemoryLedger keeps events per subject in process memory. Subjects whose
// events have all been pruned are forgotten.
type MemoryLedger struct {
	mu     sync.RWMutex
	events map[int64][]event
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events: make(map[int64][]event),
	}
}

func (m *MemoryLedger) Append(ctx context.Context, subjectID int64, weight int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[subjectID] = append(m.events[subjectID], event{weight: weight, at: at})
	return nil
}

func (m *MemoryLedger) Sum(ctx context.Context, subjectID int64, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, ev := range m.events[subjectID] {
		if ev.at.After(since) {
			sum += int64(ev.weight)
		}
	}
	return sum, nil
}

func (m *MemoryLedger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for subject, events := range m.events {
		kept := events[:0]
		for _, ev := range events {
			if ev.at.After(cutoff) {
				kept = append(kept, ev)
			}
		}
		removed += int64(len(events) - len(kept))

		if len(kept) == 0 {
			delete(m.events, subject)
		} else {
			m.events[subject] = kept
		}
	}
	return removed, nil
}

// Subjects reports how many subjects currently hold events.
func (m *MemoryLedger) Subjects() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
