package storage

import (
	"context"
	"time"

	"warden/internal/models"
)

// AccountStore persists credential records.
type AccountStore interface {
	// CreateAccount inserts a new account and returns it with its assigned
	// ID. Returns ErrNameTaken when the user name is already used.
	CreateAccount(ctx context.Context, account *models.Account) (*models.Account, error)

	// GetAccount returns the account by ID, including soft-deleted ones.
	// Returns ErrNotFound when no record exists.
	GetAccount(ctx context.Context, id int64) (*models.Account, error)

	// GetAccountByName looks up a live account by user name.
	GetAccountByName(ctx context.Context, userName string) (*models.Account, error)

	// SetPrivileged sets or clears the privilege flag.
	SetPrivileged(ctx context.Context, id int64, privileged bool) error

	// UpdatePasswordHash replaces the stored hash, used after a rehash.
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error

	// DeleteAccount marks the account deleted. It stays in storage so ban
	// history and foreign keys remain intact.
	DeleteAccount(ctx context.Context, id int64) error
}

// BanStore persists the append-only ban history.
type BanStore interface {
	// InsertBan appends a record and returns it with its assigned ID.
	InsertBan(ctx context.Context, ban *models.BanRecord) (*models.BanRecord, error)

	// LatestBan returns the newest record for the subject by given_at, with
	// ties broken by the higher ID. Returns ErrNotFound when the subject has
	// never been banned.
	LatestBan(ctx context.Context, subjectID int64) (*models.BanRecord, error)

	// DeactivateBans clears is_active on every active record of the subject
	// and returns how many records changed.
	DeactivateBans(ctx context.Context, subjectID int64) (int64, error)

	// ListBans returns the subject's history, newest first.
	ListBans(ctx context.Context, subjectID int64) ([]*models.BanRecord, error)
}

// ActivityStore is the durable ledger of weighted mutating actions.
type ActivityStore interface {
	AppendActivity(ctx context.Context, event models.ActivityEvent) error

	// SumActivity totals the weight of events with occurred_at strictly
	// after since.
	SumActivity(ctx context.Context, subjectID int64, since time.Time) (int64, error)

	// PruneActivity removes every event with occurred_at at or before
	// cutoff and returns how many were removed.
	PruneActivity(ctx context.Context, cutoff time.Time) (int64, error)
}

// ContentPurger removes everything a subject has published.
type ContentPurger interface {
	// PurgeContent deletes the subject's posts with their tags and likes,
	// removes the subject's own likes and decrements the like counters of
	// the posts they had liked.
	PurgeContent(ctx context.Context, subjectID int64) (*PurgeSummary, error)
}

// PurgeSummary reports what a purge removed.
type PurgeSummary struct {
	Posts int64 `json:"posts"`
	Tags  int64 `json:"tags"`
	Likes int64 `json:"likes"`
}

// Storage is the full persistence surface of the service.
type Storage interface {
	AccountStore
	BanStore
	ActivityStore
	ContentPurger

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases connections and other resources.
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type (memory, sqlite, postgres)
	Type string `json:"type" yaml:"type"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	MaxOpenConns    int           `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
}
