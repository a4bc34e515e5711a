package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema is applied on startup. As with SQLite, the content tables
// are declared with only the columns the purge needs.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            BIGSERIAL PRIMARY KEY,
	user_name     TEXT        NOT NULL UNIQUE,
	display_name  TEXT        NOT NULL DEFAULT '',
	password_hash TEXT        NOT NULL,
	is_privileged BOOLEAN     NOT NULL DEFAULT FALSE,
	deleted       BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS bans (
	id         BIGSERIAL PRIMARY KEY,
	subject_id BIGINT      NOT NULL,
	given_at   TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	reason     TEXT        NOT NULL DEFAULT '',
	is_active  BOOLEAN     NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_bans_subject ON bans (subject_id, given_at DESC, id DESC);
CREATE TABLE IF NOT EXISTS activity (
	subject_id  BIGINT      NOT NULL,
	weight      INTEGER     NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_subject ON activity (subject_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_activity_occurred ON activity (occurred_at);
CREATE TABLE IF NOT EXISTS posts (
	post_id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	likes   BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS posts_tags (
	post_id BIGINT NOT NULL,
	tag_id  BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS likes (
	user_id BIGINT NOT NULL,
	post_id BIGINT NOT NULL,
	PRIMARY KEY (user_id, post_id)
);
`

// PostgresStorage implements the Storage interface on a pgx connection pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgreSQL storage instance.
func NewPostgresStorage(config Config) (Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(min(config.MaxIdleConns, config.MaxOpenConns))
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

const pgAccountColumns = `id, user_name, display_name, password_hash, is_privileged, deleted, created_at`

func scanPgAccount(row pgx.Row) (*models.Account, error) {
	var (
		account   models.Account
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&account.ID, &account.UserName, &account.DisplayName, &account.PasswordHash,
		&account.IsPrivileged, &account.Deleted, &createdAt); err != nil {
		return nil, err
	}
	account.CreatedAt = pgTimestamptzToTime(createdAt)
	return &account, nil
}

func (ps *PostgresStorage) CreateAccount(ctx context.Context, account *models.Account) (*models.Account, error) {
	row := ps.pool.QueryRow(ctx,
		`INSERT INTO accounts (user_name, display_name, password_hash, is_privileged, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+pgAccountColumns,
		account.UserName, account.DisplayName, account.PasswordHash, account.IsPrivileged, timeToPgTimestamptz(account.CreatedAt))

	created, err := scanPgAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return created, nil
}

func (ps *PostgresStorage) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	account, err := scanPgAccount(ps.pool.QueryRow(ctx, `SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (ps *PostgresStorage) GetAccountByName(ctx context.Context, userName string) (*models.Account, error) {
	account, err := scanPgAccount(ps.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE user_name = $1 AND NOT deleted`, userName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by name: %w", err)
	}
	return account, nil
}

func (ps *PostgresStorage) SetPrivileged(ctx context.Context, id int64, privileged bool) error {
	tag, err := ps.pool.Exec(ctx, `UPDATE accounts SET is_privileged = $1 WHERE id = $2 AND NOT deleted`, privileged, id)
	if err != nil {
		return fmt.Errorf("failed to update privilege: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStorage) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	tag, err := ps.pool.Exec(ctx, `UPDATE accounts SET password_hash = $1 WHERE id = $2 AND NOT deleted`, hash, id)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStorage) DeleteAccount(ctx context.Context, id int64) error {
	tag, err := ps.pool.Exec(ctx,
		`UPDATE accounts SET deleted = TRUE, is_privileged = FALSE WHERE id = $1 AND NOT deleted`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgBanColumns = `id, subject_id, given_at, expires_at, reason, is_active`

func scanPgBan(row pgx.Row) (*models.BanRecord, error) {
	var (
		ban                models.BanRecord
		givenAt, expiresAt pgtype.Timestamptz
	)
	if err := row.Scan(&ban.ID, &ban.SubjectID, &givenAt, &expiresAt, &ban.Reason, &ban.IsActive); err != nil {
		return nil, err
	}
	ban.GivenAt = pgTimestamptzToTime(givenAt)
	ban.ExpiresAt = pgTimestamptzToTime(expiresAt)
	return &ban, nil
}

func (ps *PostgresStorage) InsertBan(ctx context.Context, ban *models.BanRecord) (*models.BanRecord, error) {
	stored, err := scanPgBan(ps.pool.QueryRow(ctx,
		`INSERT INTO bans (subject_id, given_at, expires_at, reason, is_active)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+pgBanColumns,
		ban.SubjectID, timeToPgTimestamptz(ban.GivenAt), timeToPgTimestamptz(ban.ExpiresAt), ban.Reason, ban.IsActive))
	if err != nil {
		return nil, fmt.Errorf("failed to insert ban: %w", err)
	}
	return stored, nil
}

func (ps *PostgresStorage) LatestBan(ctx context.Context, subjectID int64) (*models.BanRecord, error) {
	ban, err := scanPgBan(ps.pool.QueryRow(ctx,
		`SELECT `+pgBanColumns+` FROM bans WHERE subject_id = $1 ORDER BY given_at DESC, id DESC LIMIT 1`, subjectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest ban: %w", err)
	}
	return ban, nil
}

func (ps *PostgresStorage) DeactivateBans(ctx context.Context, subjectID int64) (int64, error) {
	tag, err := ps.pool.Exec(ctx, `UPDATE bans SET is_active = FALSE WHERE subject_id = $1 AND is_active`, subjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate bans: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (ps *PostgresStorage) ListBans(ctx context.Context, subjectID int64) ([]*models.BanRecord, error) {
	rows, err := ps.pool.Query(ctx,
		`SELECT `+pgBanColumns+` FROM bans WHERE subject_id = $1 ORDER BY given_at DESC, id DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	bans := []*models.BanRecord{}
	for rows.Next() {
		ban, err := scanPgBan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		bans = append(bans, ban)
	}
	return bans, rows.Err()
}

func (ps *PostgresStorage) AppendActivity(ctx context.Context, event models.ActivityEvent) error {
	_, err := ps.pool.Exec(ctx, `INSERT INTO activity (subject_id, weight, occurred_at) VALUES ($1, $2, $3)`,
		event.SubjectID, event.Weight, timeToPgTimestamptz(event.OccurredAt))
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) SumActivity(ctx context.Context, subjectID int64, since time.Time) (int64, error) {
	var sum int64
	err := ps.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(weight), 0)::BIGINT FROM activity WHERE subject_id = $1 AND occurred_at > $2`,
		subjectID, timeToPgTimestamptz(since)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum activity: %w", err)
	}
	return sum, nil
}

func (ps *PostgresStorage) PruneActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := ps.pool.Exec(ctx, `DELETE FROM activity WHERE occurred_at <= $1`, timeToPgTimestamptz(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeContent runs the whole purge in one transaction.
func (ps *PostgresStorage) PurgeContent(ctx context.Context, subjectID int64) (*PurgeSummary, error) {
	summary := &PurgeSummary{}

	err := pgx.BeginFunc(ctx, ps.pool, func(tx pgx.Tx) error {
		steps := []struct {
			query string
			count *int64
		}{
			{`DELETE FROM posts_tags WHERE post_id IN (SELECT post_id FROM posts WHERE user_id = $1)`, &summary.Tags},
			{`UPDATE posts SET likes = likes - 1 WHERE post_id IN (SELECT post_id FROM likes WHERE user_id = $1)`, nil},
			{`DELETE FROM likes WHERE user_id = $1`, &summary.Likes},
			{`DELETE FROM likes WHERE post_id IN (SELECT post_id FROM posts WHERE user_id = $1)`, nil},
			{`DELETE FROM posts WHERE user_id = $1`, &summary.Posts},
		}

		for _, step := range steps {
			tag, err := tx.Exec(ctx, step.query, subjectID)
			if err != nil {
				return err
			}
			if step.count != nil {
				*step.count = tag.RowsAffected()
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to purge content: %w", err)
	}
	return summary, nil
}

// Ping verifies the storage backend is reachable and operational.
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the storage connection.
func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}
