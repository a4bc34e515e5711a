// Package ratelimit bounds how fast callers may act.
//
// Limiter is a weighted sliding window: every mutating action appends an
// event with a weight, and a subject is limited while the total weight of
// its events inside the trailing window exceeds the threshold. Events are
// kept in a Ledger (memory, the primary store or Redis) and a background
// pruner drops those that have left the window.
//
// Throttle is a per-key token bucket used in front of anonymous endpoints,
// where there is no subject to charge yet.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Ledger stores weighted events per subject. Implementations must be safe
// for concurrent use.
type Ledger interface {
	// Append records an event of weight for subjectID at the given time.
	Append(ctx context.Context, subjectID int64, weight int, at time.Time) error

	// Sum totals the weights of subjectID's events strictly after since.
	Sum(ctx context.Context, subjectID int64, since time.Time) (int64, error)

	// Prune drops events at or before cutoff and reports how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes the sliding window.
type Config struct {
	Window        time.Duration
	Threshold     int64
	PruneInterval time.Duration
}

// Status is a snapshot of a subject's window, used for response headers.
type Status struct {
	Used      int64
	Limit     int64
	Remaining int64
	Window    time.Duration
	Limited   bool
}

// Limiter is safe for concurrent use.
//
// Check and record are separate calls, so concurrent actions by one subject
// can overshoot the threshold by the weight of the actions in flight. Once
// they are recorded every further check fails until the window slides.
type Limiter struct {
	ledger        Ledger
	window        time.Duration
	threshold     int64
	pruneInterval time.Duration
	now           func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func NewLimiter(ledger Ledger, cfg Config, opts ...Option) (*Limiter, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("window must be positive")
	}
	if cfg.Threshold < 0 {
		return nil, errors.New("threshold cannot be negative")
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = cfg.Window
	}

	l := &Limiter{
		ledger:        ledger,
		window:        cfg.Window,
		threshold:     cfg.Threshold,
		pruneInterval: cfg.PruneInterval,
		now:           time.Now,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Record charges weight to subjectID at the current time. Non-positive
// weights are ignored.
func (l *Limiter) Record(ctx context.Context, subjectID int64, weight int) error {
	if weight <= 0 {
		return nil
	}
	if err := l.ledger.Append(ctx, subjectID, weight, l.now()); err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// IsLimited reports whether the weight inside the window exceeds the
// threshold. An event exactly one window old no longer counts.
func (l *Limiter) IsLimited(ctx context.Context, subjectID int64) (bool, error) {
	status, err := l.Status(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return status.Limited, nil
}

func (l *Limiter) Status(ctx context.Context, subjectID int64) (Status, error) {
	used, err := l.ledger.Sum(ctx, subjectID, l.now().Add(-l.window))
	if err != nil {
		return Status{}, fmt.Errorf("failed to sum activity: %w", err)
	}

	remaining := l.threshold - used
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Used:      used,
		Limit:     l.threshold,
		Remaining: remaining,
		Window:    l.window,
		Limited:   used > l.threshold,
	}, nil
}

// Window is the length of the sliding window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Prune drops every event that has left the window.
func (l *Limiter) Prune(ctx context.Context) (int64, error) {
	removed, err := l.ledger.Prune(ctx, l.now().Add(-l.window))
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity: %w", err)
	}
	return removed, nil
}

// Start launches the background pruner. It is a no-op when already started
// or closed.
func (l *Limiter) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true

	l.wg.Add(1)
	go l.pruneLoop()
}

// Close stops the background pruner and waits for it to exit.
func (l *Limiter) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *Limiter) pruneLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.pruneInterval)
			removed, err := l.Prune(ctx)
			cancel()
			if err != nil {
				slog.Error("Activity prune failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Debug("Pruned activity events", "removed", removed)
			}
		}
	}
}
