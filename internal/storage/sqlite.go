package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"warden/internal/models"

	_ "modernc.org/sqlite"
)

// sqliteSchema creates the service tables. Timestamps are INTEGER unix
// nanoseconds. posts, posts_tags and likes belong to the content service;
// only the columns the purge touches are declared here so a fresh database
// works on its own.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		user_name     TEXT    NOT NULL UNIQUE,
		display_name  TEXT    NOT NULL DEFAULT '',
		password_hash TEXT    NOT NULL,
		is_privileged INTEGER NOT NULL DEFAULT 0,
		deleted       INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_id INTEGER NOT NULL,
		given_at   INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		reason     TEXT    NOT NULL DEFAULT '',
		is_active  INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bans_subject ON bans (subject_id, given_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS activity (
		subject_id  INTEGER NOT NULL,
		weight      INTEGER NOT NULL,
		occurred_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_subject ON activity (subject_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_occurred ON activity (occurred_at)`,
	`CREATE TABLE IF NOT EXISTS posts (
		post_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		likes   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS posts_tags (
		post_id INTEGER NOT NULL,
		tag_id  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS likes (
		user_id INTEGER NOT NULL,
		post_id INTEGER NOT NULL,
		PRIMARY KEY (user_id, post_id)
	)`,
}

// SQLiteStorage implements Storage on a single SQLite database file using
// the pure Go modernc driver.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the database and applies the
// schema.
func NewSQLiteStorage(config Config) (Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	dsn := config.ConnectionString
	if path := sqliteFilePath(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if !strings.Contains(dsn, "_pragma") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &SQLiteStorage{db: db}, nil
}

// sqliteFilePath returns the filesystem path of a plain path DSN, or "" for
// in-memory and URI DSNs.
func sqliteFilePath(dsn string) string {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return ""
	}
	if i := strings.Index(dsn, "?"); i >= 0 {
		dsn = dsn[:i]
	}
	return dsn
}

const sqliteAccountColumns = `id, user_name, display_name, password_hash, is_privileged, deleted, created_at`

func scanSQLiteAccount(row interface{ Scan(...any) error }) (*models.Account, error) {
	var (
		account   models.Account
		createdAt int64
	)
	if err := row.Scan(&account.ID, &account.UserName, &account.DisplayName, &account.PasswordHash,
		&account.IsPrivileged, &account.Deleted, &createdAt); err != nil {
		return nil, err
	}
	account.CreatedAt = unixNanoToTime(createdAt)
	return &account, nil
}

func (ss *SQLiteStorage) CreateAccount(ctx context.Context, account *models.Account) (*models.Account, error) {
	created := *account
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	res, err := ss.db.ExecContext(ctx,
		`INSERT INTO accounts (user_name, display_name, password_hash, is_privileged, deleted, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		created.UserName, created.DisplayName, created.PasswordHash, boolToInt(created.IsPrivileged), timeToUnixNano(created.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	created.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read account id: %w", err)
	}
	created.Deleted = false
	return &created, nil
}

func (ss *SQLiteStorage) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	row := ss.db.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, id)
	account, err := scanSQLiteAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (ss *SQLiteStorage) GetAccountByName(ctx context.Context, userName string) (*models.Account, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE user_name = ? AND deleted = 0`, userName)
	account, err := scanSQLiteAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by name: %w", err)
	}
	return account, nil
}

func (ss *SQLiteStorage) SetPrivileged(ctx context.Context, id int64, privileged bool) error {
	res, err := ss.db.ExecContext(ctx, `UPDATE accounts SET is_privileged = ? WHERE id = ? AND deleted = 0`, boolToInt(privileged), id)
	if err != nil {
		return fmt.Errorf("failed to update privilege: %w", err)
	}
	return requireAffected(res)
}

func (ss *SQLiteStorage) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	res, err := ss.db.ExecContext(ctx, `UPDATE accounts SET password_hash = ? WHERE id = ? AND deleted = 0`, hash, id)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	return requireAffected(res)
}

func (ss *SQLiteStorage) DeleteAccount(ctx context.Context, id int64) error {
	res, err := ss.db.ExecContext(ctx,
		`UPDATE accounts SET deleted = 1, is_privileged = 0 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteBanColumns = `id, subject_id, given_at, expires_at, reason, is_active`

func scanSQLiteBan(row interface{ Scan(...any) error }) (*models.BanRecord, error) {
	var (
		ban                models.BanRecord
		givenAt, expiresAt int64
	)
	if err := row.Scan(&ban.ID, &ban.SubjectID, &givenAt, &expiresAt, &ban.Reason, &ban.IsActive); err != nil {
		return nil, err
	}
	ban.GivenAt = unixNanoToTime(givenAt)
	ban.ExpiresAt = unixNanoToTime(expiresAt)
	return &ban, nil
}

func (ss *SQLiteStorage) InsertBan(ctx context.Context, ban *models.BanRecord) (*models.BanRecord, error) {
	res, err := ss.db.ExecContext(ctx,
		`INSERT INTO bans (subject_id, given_at, expires_at, reason, is_active) VALUES (?, ?, ?, ?, ?)`,
		ban.SubjectID, timeToUnixNano(ban.GivenAt), timeToUnixNano(ban.ExpiresAt), ban.Reason, boolToInt(ban.IsActive))
	if err != nil {
		return nil, fmt.Errorf("failed to insert ban: %w", err)
	}

	stored := *ban
	stored.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read ban id: %w", err)
	}
	return &stored, nil
}

func (ss *SQLiteStorage) LatestBan(ctx context.Context, subjectID int64) (*models.BanRecord, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT `+sqliteBanColumns+` FROM bans WHERE subject_id = ? ORDER BY given_at DESC, id DESC LIMIT 1`, subjectID)
	ban, err := scanSQLiteBan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest ban: %w", err)
	}
	return ban, nil
}

func (ss *SQLiteStorage) DeactivateBans(ctx context.Context, subjectID int64) (int64, error) {
	res, err := ss.db.ExecContext(ctx, `UPDATE bans SET is_active = 0 WHERE subject_id = ? AND is_active = 1`, subjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate bans: %w", err)
	}
	return res.RowsAffected()
}

func (ss *SQLiteStorage) ListBans(ctx context.Context, subjectID int64) ([]*models.BanRecord, error) {
	rows, err := ss.db.QueryContext(ctx,
		`SELECT `+sqliteBanColumns+` FROM bans WHERE subject_id = ? ORDER BY given_at DESC, id DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	bans := []*models.BanRecord{}
	for rows.Next() {
		ban, err := scanSQLiteBan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		bans = append(bans, ban)
	}
	return bans, rows.Err()
}

func (ss *SQLiteStorage) AppendActivity(ctx context.Context, event models.ActivityEvent) error {
	_, err := ss.db.ExecContext(ctx, `INSERT INTO activity (subject_id, weight, occurred_at) VALUES (?, ?, ?)`,
		event.SubjectID, event.Weight, timeToUnixNano(event.OccurredAt))
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) SumActivity(ctx context.Context, subjectID int64, since time.Time) (int64, error) {
	var sum int64
	err := ss.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(weight), 0) FROM activity WHERE subject_id = ? AND occurred_at > ?`,
		subjectID, timeToUnixNano(since)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum activity: %w", err)
	}
	return sum, nil
}

func (ss *SQLiteStorage) PruneActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := ss.db.ExecContext(ctx, `DELETE FROM activity WHERE occurred_at <= ?`, timeToUnixNano(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity: %w", err)
	}
	return res.RowsAffected()
}

// PurgeContent runs the whole purge in one transaction.
func (ss *SQLiteStorage) PurgeContent(ctx context.Context, subjectID int64) (*PurgeSummary, error) {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	summary := &PurgeSummary{}
	steps := []struct {
		query string
		count *int64
	}{
		{`DELETE FROM posts_tags WHERE post_id IN (SELECT post_id FROM posts WHERE user_id = ?)`, &summary.Tags},
		{`UPDATE posts SET likes = likes - 1 WHERE post_id IN (SELECT post_id FROM likes WHERE user_id = ?)`, nil},
		{`DELETE FROM likes WHERE user_id = ?`, &summary.Likes},
		{`DELETE FROM likes WHERE post_id IN (SELECT post_id FROM posts WHERE user_id = ?)`, nil},
		{`DELETE FROM posts WHERE user_id = ?`, &summary.Posts},
	}

	for _, step := range steps {
		res, err := tx.ExecContext(ctx, step.query, subjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to purge content: %w", err)
		}
		if step.count != nil {
			if *step.count, err = res.RowsAffected(); err != nil {
				return nil, fmt.Errorf("failed to read affected rows: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purge: %w", err)
	}
	return summary, nil
}

// Ping verifies the storage backend is reachable and operational.
func (ss *SQLiteStorage) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

// Close closes the storage connection
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}
