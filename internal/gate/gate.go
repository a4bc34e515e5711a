// Package gate composes token verification, the ban ledger and the rate
// limiter into the single decision every mutating request goes through:
//
//  1. verify the presented token
//  2. refuse banned subjects (unknown and deleted subjects count as banned)
//  3. refuse rate limited subjects, unless the caller is privileged
//  4. for administrative operations, refuse unprivileged callers
//  5. run the operation, then charge its weight to the caller
//
// Weight is charged only when the operation succeeds. The limit check and
// the charge are separate steps, so concurrent requests by one subject can
// overshoot the threshold by the weight of the requests in flight; once
// those are charged every further request is refused until the window
// slides.
package gate

import (
	"context"
	"errors"
	"log/slog"

	"warden/internal/token"
)

// Verifier checks presented tokens.
type Verifier interface {
	Verify(tokenString string) (*token.Claims, error)
}

// BanChecker answers whether a subject is barred from acting. It must
// return true alongside any error.
type BanChecker interface {
	IsBanned(ctx context.Context, subjectID int64) (bool, error)
}

// RateLimiter is the weighted window the gate charges.
type RateLimiter interface {
	IsLimited(ctx context.Context, subjectID int64) (bool, error)
	Record(ctx context.Context, subjectID int64, weight int) error
}

// Operation describes a protected action.
type Operation struct {
	Name   string
	Weight int
	Admin  bool
}

// Outcomes reported to the observer.
const (
	OutcomeAllowed = "allowed"
)

// Observer is told the outcome of every authorization, either
// OutcomeAllowed or the refusal kind's name.
type Observer func(ctx context.Context, op Operation, outcome string)

type Gate struct {
	tokens   Verifier
	bans     BanChecker
	limiter  RateLimiter
	observer Observer
}

type Option func(*Gate)

func WithObserver(o Observer) Option {
	return func(g *Gate) {
		g.observer = o
	}
}

func New(tokens Verifier, bans BanChecker, limiter RateLimiter, opts ...Option) *Gate {
	g := &Gate{
		tokens:  tokens,
		bans:    bans,
		limiter: limiter,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize runs every check that precedes the operation and returns the
// caller's claims. Refusals are *Error values.
func (g *Gate) Authorize(ctx context.Context, tokenString string, op Operation) (*token.Claims, error) {
	claims, err := g.authorize(ctx, tokenString, op)
	g.observe(ctx, op, err)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Identify verifies the token and refuses banned subjects without touching
// the rate limiter. Reads use it.
func (g *Gate) Identify(ctx context.Context, tokenString string) (*token.Claims, error) {
	return g.identify(ctx, tokenString, "identify")
}

func (g *Gate) identify(ctx context.Context, tokenString, opName string) (*token.Claims, error) {
	claims, err := g.tokens.Verify(tokenString)
	if err != nil {
		return nil, NewError(KindInvalidToken, err)
	}

	banned, err := g.bans.IsBanned(ctx, claims.SubjectID)
	if err != nil {
		slog.ErrorContext(ctx, "Ban check failed",
			"subject_id", claims.SubjectID,
			"operation", opName,
			"error", err,
		)
		return nil, Internal(err)
	}
	if banned {
		slog.WarnContext(ctx, "Request refused",
			"subject_id", claims.SubjectID,
			"operation", opName,
			"reason", KindUserBanned.String(),
		)
		return nil, NewError(KindUserBanned, nil)
	}
	return claims, nil
}

func (g *Gate) authorize(ctx context.Context, tokenString string, op Operation) (*token.Claims, error) {
	claims, err := g.identify(ctx, tokenString, op.Name)
	if err != nil {
		return nil, err
	}

	if !claims.Privileged {
		limited, err := g.limiter.IsLimited(ctx, claims.SubjectID)
		if err != nil {
			slog.ErrorContext(ctx, "Rate limit check failed",
				"subject_id", claims.SubjectID,
				"operation", op.Name,
				"error", err,
			)
			return nil, Internal(err)
		}
		if limited {
			slog.WarnContext(ctx, "Request refused",
				"subject_id", claims.SubjectID,
				"operation", op.Name,
				"reason", KindRateLimited.String(),
			)
			return nil, NewError(KindRateLimited, nil)
		}
	}

	if op.Admin && !claims.Privileged {
		slog.WarnContext(ctx, "Request refused",
			"subject_id", claims.SubjectID,
			"operation", op.Name,
			"reason", KindNotPrivileged.String(),
		)
		return nil, NewError(KindNotPrivileged, nil)
	}

	return claims, nil
}

// Complete charges the operation's weight to the caller. Call it only after
// the operation has succeeded.
func (g *Gate) Complete(ctx context.Context, claims *token.Claims, op Operation) error {
	if err := g.limiter.Record(ctx, claims.SubjectID, op.Weight); err != nil {
		return Internal(err)
	}
	return nil
}

// Run authorizes, runs fn and charges the weight when fn succeeds. fn's
// error is returned unchanged. A failure to charge is logged but does not
// fail the request, since the operation has already taken effect.
func (g *Gate) Run(ctx context.Context, tokenString string, op Operation, fn func(ctx context.Context, claims *token.Claims) error) error {
	claims, err := g.Authorize(ctx, tokenString, op)
	if err != nil {
		return err
	}

	if err := fn(ctx, claims); err != nil {
		return err
	}

	if err := g.Complete(ctx, claims, op); err != nil {
		slog.ErrorContext(ctx, "Failed to record activity",
			"subject_id", claims.SubjectID,
			"operation", op.Name,
			"weight", op.Weight,
			"error", err,
		)
	}
	return nil
}

func (g *Gate) observe(ctx context.Context, op Operation, err error) {
	if g.observer == nil {
		return
	}
	if err == nil {
		g.observer(ctx, op, OutcomeAllowed)
		return
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		g.observer(ctx, op, gerr.Kind.String())
		return
	}
	g.observer(ctx, op, KindInternal.String())
}
