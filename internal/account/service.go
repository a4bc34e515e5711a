// Package account implements the credential flows around the gate: signup,
// login, self-deletion and privilege upgrades.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"warden/internal/gate"
	"warden/internal/models"
	"warden/internal/storage"
)

// ErrValidation marks input that failed the account rules.
var ErrValidation = errors.New("validation failed")

// Store is the persistence the flows need.
type Store interface {
	storage.AccountStore
	storage.ContentPurger
}

// PasswordHasher hashes and checks passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, stored string) bool
	NeedsRehash(stored string) bool
	VerifyDummy(password string)
}

// TokenIssuer signs identity tokens.
type TokenIssuer interface {
	Issue(subjectID int64, privileged bool) (string, error)
	Lifetime() time.Duration
}

// Session is a freshly issued token for an account.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Account   *models.Account
}

type Service struct {
	store  Store
	hasher PasswordHasher
	tokens TokenIssuer
	now    func() time.Time
}

func NewService(store Store, hasher PasswordHasher, tokens TokenIssuer) *Service {
	return &Service{
		store:  store,
		hasher: hasher,
		tokens: tokens,
		now:    time.Now,
	}
}

// Signup creates an account and returns a non-privileged session for it.
// A taken name returns an error wrapping storage.ErrNameTaken.
func (s *Service) Signup(ctx context.Context, userName, password string) (*Session, error) {
	if err := models.ValidateUserName(userName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := models.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, gate.Internal(fmt.Errorf("failed to hash password: %w", err))
	}

	account, err := s.store.CreateAccount(ctx, &models.Account{
		UserName:     userName,
		DisplayName:  userName,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrNameTaken) {
			return nil, fmt.Errorf("user name %q: %w", userName, err)
		}
		return nil, gate.Internal(fmt.Errorf("failed to create account: %w", err))
	}

	slog.InfoContext(ctx, "Account created", "subject_id", account.ID, "user_name", account.UserName)
	return s.issue(account)
}

// Login checks credentials. An unknown name and a wrong password are
// indistinguishable to the caller, in result and in timing.
func (s *Service) Login(ctx context.Context, userName, password string) (*Session, error) {
	account, err := s.store.GetAccountByName(ctx, userName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.hasher.VerifyDummy(password)
			return nil, gate.NewError(gate.KindCredentialMismatch, nil)
		}
		return nil, gate.Internal(fmt.Errorf("failed to look up account: %w", err))
	}

	if !s.hasher.Verify(password, account.PasswordHash) {
		slog.WarnContext(ctx, "Login refused", "subject_id", account.ID, "reason", gate.KindCredentialMismatch.String())
		return nil, gate.NewError(gate.KindCredentialMismatch, nil)
	}

	if s.hasher.NeedsRehash(account.PasswordHash) {
		s.rehash(ctx, account, password)
	}

	return s.issue(account)
}

func (s *Service) rehash(ctx context.Context, account *models.Account, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to rehash password", "subject_id", account.ID, "error", err)
		return
	}
	if err := s.store.UpdatePasswordHash(ctx, account.ID, hash); err != nil {
		slog.ErrorContext(ctx, "Failed to store rehashed password", "subject_id", account.ID, "error", err)
		return
	}
	account.PasswordHash = hash
	slog.InfoContext(ctx, "Password rehashed with current parameters", "subject_id", account.ID)
}

// Delete soft-deletes the account and purges its content. The ban ledger
// treats the subject as banned from then on.
func (s *Service) Delete(ctx context.Context, subjectID int64) (*storage.PurgeSummary, error) {
	if err := s.store.DeleteAccount(ctx, subjectID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, gate.NewError(gate.KindUserNotFound, err)
		}
		return nil, gate.Internal(fmt.Errorf("failed to delete account: %w", err))
	}

	summary, err := s.store.PurgeContent(ctx, subjectID)
	if err != nil {
		return nil, gate.Internal(fmt.Errorf("failed to purge content: %w", err))
	}

	slog.InfoContext(ctx, "Account deleted",
		"subject_id", subjectID,
		"posts", summary.Posts,
		"likes", summary.Likes,
	)
	return summary, nil
}

// Purge removes a subject's published content without touching the account.
// Banning uses it.
func (s *Service) Purge(ctx context.Context, subjectID int64) (*storage.PurgeSummary, error) {
	summary, err := s.store.PurgeContent(ctx, subjectID)
	if err != nil {
		return nil, gate.Internal(fmt.Errorf("failed to purge content: %w", err))
	}
	slog.InfoContext(ctx, "Content purged",
		"subject_id", subjectID,
		"posts", summary.Posts,
		"likes", summary.Likes,
	)
	return summary, nil
}

// Upgrade grants the privilege flag. Tokens issued before the upgrade keep
// their old flag until they expire.
func (s *Service) Upgrade(ctx context.Context, subjectID int64) error {
	if _, err := s.Lookup(ctx, subjectID); err != nil {
		return err
	}
	if err := s.store.SetPrivileged(ctx, subjectID, true); err != nil {
		return gate.Internal(fmt.Errorf("failed to upgrade account: %w", err))
	}

	slog.InfoContext(ctx, "Account upgraded", "subject_id", subjectID)
	return nil
}

// Lookup returns a live account or a KindUserNotFound error.
func (s *Service) Lookup(ctx context.Context, subjectID int64) (*models.Account, error) {
	account, err := s.store.GetAccount(ctx, subjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, gate.NewError(gate.KindUserNotFound, err)
		}
		return nil, gate.Internal(fmt.Errorf("failed to look up account: %w", err))
	}
	if !account.Exists() {
		return nil, gate.NewError(gate.KindUserNotFound, nil)
	}
	return account, nil
}

// EnsureAdmin makes sure a privileged account named userName exists. An
// existing account keeps its password and is only upgraded.
func (s *Service) EnsureAdmin(ctx context.Context, userName, password string) error {
	account, err := s.store.GetAccountByName(ctx, userName)
	switch {
	case err == nil:
		if account.IsPrivileged {
			return nil
		}
		return s.Upgrade(ctx, account.ID)
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("failed to look up bootstrap admin: %w", err)
	}

	session, err := s.Signup(ctx, userName, password)
	if err != nil {
		return fmt.Errorf("failed to create bootstrap admin: %w", err)
	}
	if err := s.Upgrade(ctx, session.Account.ID); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Bootstrap admin seeded", "subject_id", session.Account.ID, "user_name", userName)
	return nil
}

func (s *Service) issue(account *models.Account) (*Session, error) {
	tok, err := s.tokens.Issue(account.ID, account.IsPrivileged)
	if err != nil {
		return nil, gate.Internal(fmt.Errorf("failed to issue token: %w", err))
	}
	return &Session{
		Token:     tok,
		ExpiresAt: s.now().Add(s.tokens.Lifetime()),
		Account:   account,
	}, nil
}
