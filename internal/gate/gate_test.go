package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/ban"
	"warden/internal/models"
	"warden/internal/ratelimit"
	"warden/internal/storage"
	"warden/internal/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	gate     *Gate
	tokens   *token.Service
	bans     *ban.Ledger
	ledger   *ratelimit.MemoryLedger
	store    *storage.MemoryStorage
	clock    *fakeClock
	outcomes []string
}

var (
	postOp  = Operation{Name: models.OpPost, Weight: 10}
	adminOp = Operation{Name: models.OpBanUser, Admin: true}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: &fakeClock{now: time.Unix(1_700_000_000, 0)}}

	store, err := storage.NewMemoryStorage(storage.Config{})
	require.NoError(t, err)
	f.store = store
	for i := 1; i <= 3; i++ {
		_, err := store.CreateAccount(context.Background(), &models.Account{
			UserName:     "user" + strings.Repeat("a", i),
			PasswordHash: "h",
		})
		require.NoError(t, err)
	}

	f.tokens, err = token.NewService(token.Config{
		Secret:   []byte(strings.Repeat("s", 32)),
		Lifetime: time.Hour,
	}, token.WithClock(f.clock.Now))
	require.NoError(t, err)

	f.bans = ban.NewLedger(store, ban.WithClock(f.clock.Now))
	f.ledger = ratelimit.NewMemoryLedger()
	limiter, err := ratelimit.NewLimiter(f.ledger, ratelimit.Config{
		Window:    time.Minute,
		Threshold: 50,
	}, ratelimit.WithClock(f.clock.Now))
	require.NoError(t, err)

	f.gate = New(f.tokens, f.bans, limiter, WithObserver(func(ctx context.Context, op Operation, outcome string) {
		f.outcomes = append(f.outcomes, outcome)
	}))
	return f
}

func (f *fixture) issue(t *testing.T, subjectID int64, privileged bool) string {
	t.Helper()
	tok, err := f.tokens.Issue(subjectID, privileged)
	require.NoError(t, err)
	return tok
}

func succeed(ctx context.Context, claims *token.Claims) error { return nil }

func TestGate_AllowsValidCaller(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, 1, false)

	var seen *token.Claims
	err := f.gate.Run(context.Background(), tok, postOp, func(ctx context.Context, claims *token.Claims) error {
		seen = claims
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, int64(1), seen.SubjectID)
	assert.Equal(t, []string{OutcomeAllowed}, f.outcomes)
}

func TestGate_InvalidToken(t *testing.T) {
	f := newFixture(t)

	called := false
	err := f.gate.Run(context.Background(), "not-a-token", postOp, func(ctx context.Context, claims *token.Claims) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, token.ErrInvalidToken)
	assert.False(t, called)
	assert.Equal(t, []string{"invalid_token"}, f.outcomes)
}

func TestGate_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, 1, false)
	f.clock.Advance(2 * time.Hour)

	_, err := f.gate.Authorize(context.Background(), tok, postOp)
	assert.Equal(t, KindInvalidToken, KindOf(err))
}

func TestGate_BannedCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.issue(t, 2, false)

	_, err := f.bans.Ban(ctx, 2, time.Hour, "spam")
	require.NoError(t, err)

	_, err = f.gate.Authorize(ctx, tok, postOp)
	assert.ErrorIs(t, err, ErrUserBanned)

	// Privilege does not lift a ban.
	adminTok := f.issue(t, 2, true)
	_, err = f.gate.Authorize(ctx, adminTok, postOp)
	assert.ErrorIs(t, err, ErrUserBanned)

	_, err = f.bans.Unban(ctx, 2)
	require.NoError(t, err)
	_, err = f.gate.Authorize(ctx, tok, postOp)
	assert.NoError(t, err)
}

func TestGate_UnknownAndDeletedSubjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Authorize(ctx, f.issue(t, 999, false), postOp)
	assert.ErrorIs(t, err, ErrUserBanned)

	require.NoError(t, f.store.DeleteAccount(ctx, 3))
	_, err = f.gate.Authorize(ctx, f.issue(t, 3, false), postOp)
	assert.ErrorIs(t, err, ErrUserBanned)
}

func TestGate_RateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.issue(t, 1, false)

	// 6 posts of weight 10: the sixth pushes the total to 60.
	for i := 0; i < 6; i++ {
		require.NoError(t, f.gate.Run(ctx, tok, postOp, succeed), "post %d", i+1)
		f.clock.Advance(time.Second)
	}

	err := f.gate.Run(ctx, tok, postOp, succeed)
	assert.ErrorIs(t, err, ErrRateLimited)

	f.clock.Advance(time.Minute)
	assert.NoError(t, f.gate.Run(ctx, tok, postOp, succeed))
}

func TestGate_PrivilegedBypassesLimiter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.issue(t, 1, true)

	for i := 0; i < 20; i++ {
		require.NoError(t, f.gate.Run(ctx, tok, postOp, succeed))
	}

	sum, err := f.ledger.Sum(ctx, 1, f.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(200), sum, "privileged activity is still recorded")
}

func TestGate_FailedOperationRecordsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.issue(t, 1, false)

	errBoom := errors.New("boom")
	err := f.gate.Run(ctx, tok, postOp, func(ctx context.Context, claims *token.Claims) error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, f.ledger.Subjects())
}

func TestGate_AdminOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Authorize(ctx, f.issue(t, 1, false), adminOp)
	assert.ErrorIs(t, err, ErrNotPrivileged)

	claims, err := f.gate.Authorize(ctx, f.issue(t, 1, true), adminOp)
	require.NoError(t, err)
	assert.True(t, claims.Privileged)
}

func TestGate_CompleteRecordsWeight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	claims, err := f.gate.Authorize(ctx, f.issue(t, 2, false), postOp)
	require.NoError(t, err)
	require.NoError(t, f.gate.Complete(ctx, claims, postOp))

	sum, err := f.ledger.Sum(ctx, 2, f.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum)
}

type brokenBans struct{}

func (brokenBans) IsBanned(ctx context.Context, subjectID int64) (bool, error) {
	return true, errors.New("db down")
}

type brokenLimiter struct{}

func (brokenLimiter) IsLimited(ctx context.Context, subjectID int64) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenLimiter) Record(ctx context.Context, subjectID int64, weight int) error {
	return errors.New("redis down")
}

func TestGate_BackendFailuresAreInternal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.issue(t, 1, false)

	g := New(f.tokens, brokenBans{}, brokenLimiter{})
	_, err := g.Authorize(ctx, tok, postOp)
	assert.Equal(t, KindInternal, KindOf(err))

	g = New(f.tokens, f.bans, brokenLimiter{})
	_, err = g.Authorize(ctx, tok, postOp)
	assert.Equal(t, KindInternal, KindOf(err))

	// A privileged caller never consults the limiter, and a failed charge
	// does not fail an operation that already ran.
	assert.NoError(t, g.Run(ctx, f.issue(t, 1, true), postOp, succeed))
}

func TestError_Formatting(t *testing.T) {
	assert.Equal(t, "rate_limited", NewError(KindRateLimited, nil).Error())
	assert.Equal(t, "internal: db down", Internal(errors.New("db down")).Error())
	assert.Equal(t, "kind(42)", Kind(42).String())
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, errors.Is(NewError(KindUserBanned, nil), ErrRateLimited))
}

func TestGate_IdentifyIgnoresLimiter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.issue(t, 1, false)

	for i := 0; i < 6; i++ {
		require.NoError(t, f.gate.Run(ctx, tok, postOp, succeed))
	}
	_, err := f.gate.Authorize(ctx, tok, postOp)
	require.ErrorIs(t, err, ErrRateLimited)

	claims, err := f.gate.Identify(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, int64(1), claims.SubjectID)

	_, err = f.gate.Identify(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.gate.Identify(ctx, f.issue(t, 999, false))
	assert.ErrorIs(t, err, ErrUserBanned)
}
