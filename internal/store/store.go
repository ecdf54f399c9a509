// Package store provides persistent server state backed by an embedded
// SQLite database: accounts, chat history, bans, the whitelist, operators,
// and the audit log.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateUsername is returned by CreateAccount when the username is
// already registered.
var ErrDuplicateUsername = errors.New("store: username already registered")

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — accounts
	`CREATE TABLE IF NOT EXISTS accounts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE,
		password_hash BLOB NOT NULL,
		password_salt BLOB NOT NULL,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — chat history, id is the strictly-increasing handle used by
	// HistoryRequest.BeforeID and never reused across restarts.
	`CREATE TABLE IF NOT EXISTS messages (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		sender    TEXT NOT NULL,
		kind      INTEGER NOT NULL,
		body      BLOB NOT NULL,
		sent_at   INTEGER NOT NULL
	)`,
	// v3 — chat history index
	`CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(id DESC)`,
	// v4 — bans, by username and/or IP; duration_s = 0 means permanent
	`CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		username   TEXT NOT NULL DEFAULT '',
		ip         TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		banned_by  TEXT NOT NULL DEFAULT '',
		duration_s INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v5 — whitelist (only consulted when whitelist mode is enabled)
	`CREATE TABLE IF NOT EXISTS whitelist (
		username   TEXT PRIMARY KEY,
		added_by   TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v6 — operators
	`CREATE TABLE IF NOT EXISTS operators (
		username   TEXT PRIMARY KEY,
		granted_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v7 — audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		actor      TEXT NOT NULL,
		action     TEXT NOT NULL,
		target     TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v8 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v9 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store persists server state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if path == ":memory:" {
		// Every connection to ":memory:" opens its own empty database, so
		// the pool must hold exactly one for the migrated schema to be shared.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: set busy_timeout failed", "error", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("store: record migration %d: %w", v, err)
		}
		slog.Debug("store: applied migration", "version", v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// Account is a registered user identity.
type Account struct {
	ID        int64
	Username  string
	CreatedAt int64
}

const passwordSaltSize = 16

func hashPassword(password string, salt []byte) []byte {
	sum := sha256.Sum256(append(append([]byte{}, salt...), password...))
	return sum[:]
}

// CreateAccount registers a new account with the given password. Returns
// ErrDuplicateUsername if the username is already taken.
func (s *Store) CreateAccount(ctx context.Context, username, password string) (Account, error) {
	salt := make([]byte, passwordSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return Account{}, fmt.Errorf("store: generate salt: %w", err)
	}
	hash := hashPassword(password, salt)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(username, password_hash, password_salt) VALUES(?, ?, ?)`,
		username, hash, salt,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Account{}, ErrDuplicateUsername
		}
		return Account{}, fmt.Errorf("store: insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Account{}, fmt.Errorf("store: insert account: %w", err)
	}
	slog.Info("account created", "username", username)
	return Account{ID: id, Username: username, CreatedAt: time.Now().UTC().Unix()}, nil
}

func (s *Store) getAccountByUsername(ctx context.Context, username string) (Account, []byte, []byte, error) {
	var a Account
	var hash, salt []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, password_salt, created_at FROM accounts WHERE username = ?`,
		username,
	).Scan(&a.ID, &a.Username, &hash, &salt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, nil, nil, ErrNotFound
	}
	if err != nil {
		return Account{}, nil, nil, fmt.Errorf("store: query account: %w", err)
	}
	return a, hash, salt, nil
}

// GetAccount looks up an account by username.
func (s *Store) GetAccount(ctx context.Context, username string) (Account, error) {
	a, _, _, err := s.getAccountByUsername(ctx, username)
	return a, err
}

// Authenticate verifies a username/password pair using a constant-time
// comparison of the salted hash. Returns ErrNotFound if the username does
// not exist and a plain false (no error) if the password is wrong.
func (s *Store) Authenticate(ctx context.Context, username, password string) (Account, bool, error) {
	a, hash, salt, err := s.getAccountByUsername(ctx, username)
	if err != nil {
		return Account{}, false, err
	}
	candidate := hashPassword(password, salt)
	ok := subtle.ConstantTimeCompare(candidate, hash) == 1
	return a, ok, nil
}

// AccountExists reports whether username is already registered.
func (s *Store) AccountExists(ctx context.Context, username string) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE username = ?`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query account: %w", err)
	}
	return true, nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ListAccounts returns every registered account, oldest first, used by the
// CLI's "accounts list" subcommand.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, created_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Username, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// MessageKind mirrors wire.MessageKind without importing the wire package,
// keeping store free of protocol concerns.
type MessageKind byte

const (
	KindText  MessageKind = 0
	KindImage MessageKind = 1
)

// MessageRow is a persisted chat message.
type MessageRow struct {
	ID     int64
	Sender string
	Kind   MessageKind
	Body   []byte
	SentAt int64
}

// InsertMessage persists a chat message and returns its assigned ID. IDs are
// strictly increasing and never reused, even across restarts.
func (s *Store) InsertMessage(ctx context.Context, sender string, kind MessageKind, body []byte, sentAt int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(sender, kind, body, sent_at) VALUES(?, ?, ?, ?)`,
		sender, byte(kind), body, sentAt,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	return res.LastInsertId()
}

// MessageCount returns the total number of persisted chat messages, used by
// the admin surface and periodic metrics logging.
func (s *Store) MessageCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

// History returns up to limit messages strictly before beforeID (or the most
// recent limit messages if beforeID is 0), oldest first.
func (s *Store) History(ctx context.Context, beforeID uint64, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows *sql.Rows
	var err error
	if beforeID == 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, sender, kind, body, sent_at FROM messages ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, sender, kind, body, sent_at FROM messages WHERE id < ? ORDER BY id DESC LIMIT ?`,
			beforeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var msgs []MessageRow
	for rows.Next() {
		var m MessageRow
		var kind byte
		if err := rows.Scan(&m.ID, &m.Sender, &kind, &m.Body, &m.SentAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Kind = MessageKind(kind)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

// Ban is a persisted ban record. DurationS == 0 means permanent.
type Ban struct {
	ID        int64
	Username  string
	IP        string
	Reason    string
	BannedBy  string
	DurationS int64
	CreatedAt int64
}

// InsertBan records a new ban and returns its ID.
func (s *Store) InsertBan(ctx context.Context, username, ip, reason, bannedBy string, durationS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bans(username, ip, reason, banned_by, duration_s) VALUES(?, ?, ?, ?, ?)`,
		username, ip, reason, bannedBy, durationS,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert ban: %w", err)
	}
	return res.LastInsertId()
}

// ListBans returns all bans, most recent first.
func (s *Store) ListBans(ctx context.Context) ([]Ban, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, ip, reason, banned_by, duration_s, created_at FROM bans ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: query bans: %w", err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.ID, &b.Username, &b.IP, &b.Reason, &b.BannedBy, &b.DurationS, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan ban: %w", err)
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// DeleteBanByUsername removes every active ban for username (used by /unban).
// Returns the number of rows removed.
func (s *Store) DeleteBanByUsername(ctx context.Context, username string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE username = ?`, username)
	if err != nil {
		return 0, fmt.Errorf("store: delete ban: %w", err)
	}
	return res.RowsAffected()
}

// IsUsernameBanned reports whether username is currently under an
// unexpired ban.
func (s *Store) IsUsernameBanned(ctx context.Context, username string) (bool, string, error) {
	var reason string
	err := s.db.QueryRowContext(ctx,
		`SELECT reason FROM bans WHERE username = ? AND (duration_s = 0 OR created_at + duration_s > unixepoch()) LIMIT 1`,
		username,
	).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("store: query ban: %w", err)
	}
	return true, reason, nil
}

// IsIPBanned reports whether ip is currently under an unexpired ban.
func (s *Store) IsIPBanned(ctx context.Context, ip string) (bool, string, error) {
	var reason string
	err := s.db.QueryRowContext(ctx,
		`SELECT reason FROM bans WHERE ip = ? AND (duration_s = 0 OR created_at + duration_s > unixepoch()) LIMIT 1`,
		ip,
	).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("store: query ban: %w", err)
	}
	return true, reason, nil
}

// PurgeExpiredBans deletes bans whose duration has elapsed and returns the
// number removed.
func (s *Store) PurgeExpiredBans(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bans WHERE duration_s > 0 AND created_at + duration_s <= unixepoch()`)
	if err != nil {
		return 0, fmt.Errorf("store: purge expired bans: %w", err)
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Whitelist
// ---------------------------------------------------------------------------

// AddToWhitelist grants username access under whitelist mode. Idempotent.
func (s *Store) AddToWhitelist(ctx context.Context, username, addedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO whitelist(username, added_by) VALUES(?, ?)
		 ON CONFLICT(username) DO UPDATE SET added_by = excluded.added_by`,
		username, addedBy,
	)
	if err != nil {
		return fmt.Errorf("store: insert whitelist entry: %w", err)
	}
	return nil
}

// RemoveFromWhitelist revokes username's whitelist access.
func (s *Store) RemoveFromWhitelist(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("store: delete whitelist entry: %w", err)
	}
	return nil
}

// IsWhitelisted reports whether username is on the whitelist.
func (s *Store) IsWhitelisted(ctx context.Context, username string) (bool, error) {
	var u string
	err := s.db.QueryRowContext(ctx, `SELECT username FROM whitelist WHERE username = ?`, username).Scan(&u)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query whitelist: %w", err)
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// GrantOperator promotes username to operator. Idempotent.
func (s *Store) GrantOperator(ctx context.Context, username, grantedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operators(username, granted_by) VALUES(?, ?)
		 ON CONFLICT(username) DO UPDATE SET granted_by = excluded.granted_by`,
		username, grantedBy,
	)
	if err != nil {
		return fmt.Errorf("store: insert operator: %w", err)
	}
	return nil
}

// RevokeOperator demotes username.
func (s *Store) RevokeOperator(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM operators WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("store: delete operator: %w", err)
	}
	return nil
}

// IsOperator reports whether username currently holds operator privileges.
func (s *Store) IsOperator(ctx context.Context, username string) (bool, error) {
	var u string
	err := s.db.QueryRowContext(ctx, `SELECT username FROM operators WHERE username = ?`, username).Scan(&u)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query operators: %w", err)
	}
	return true, nil
}

// ListOperators returns every operator's username.
func (s *Store) ListOperators(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM operators ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("store: query operators: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		names = append(names, u)
	}
	return names, rows.Err()
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

// AuditEntry is a single recorded administrative action.
type AuditEntry struct {
	ID        int64
	Actor     string
	Action    string
	Target    string
	Detail    string
	CreatedAt int64
}

// InsertAudit records an administrative action.
func (s *Store) InsertAudit(ctx context.Context, actor, action, target, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(actor, action, target, detail) VALUES(?, ?, ?, ?)`,
		actor, action, target, detail,
	)
	if err != nil {
		return fmt.Errorf("store: insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first, capped at
// limit.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action, target, detail, created_at FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query audit log: %w", err)
	}
	defer rows.Close()
	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: query setting: %w", err)
	}
	return val, true, nil
}

// SetSetting upserts key → value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store: set setting: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

// Backup writes a consistent copy of the database to destPath using
// SQLite's VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath)
	if err != nil {
		return fmt.Errorf("store: backup: %w", err)
	}
	return nil
}

// Now is a thin wrapper so callers needing a timestamp for InsertMessage
// don't need to import time directly.
func Now() int64 {
	return time.Now().UTC().Unix()
}
