package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const sqliteSchema = `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        UNIQUE(username)
    );
    CREATE TABLE IF NOT EXISTS fitness_data (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT NOT NULL,
        date TEXT NOT NULL,
        calories REAL NOT NULL DEFAULT 0,
        total_steps INTEGER NOT NULL DEFAULT 0,
        total_distance REAL NOT NULL DEFAULT 0,
        total_active_minutes INTEGER NOT NULL DEFAULT 0,
        heart_rate REAL NOT NULL DEFAULT 0,
        updated_at DATETIME NOT NULL,
        UNIQUE(username, date)
    );
    CREATE INDEX IF NOT EXISTS idx_fitness_data_date ON fitness_data(date);
    `

// SQLiteStore keeps users and daily records in an embedded SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// sqliteDSN appends the driver options to path, which may already be a
// file: URI with its own query.
func sqliteDSN(path string, enableWAL bool) string {
	params := "_busy_timeout=5000"
	if enableWAL {
		params = "_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

// NewSQLiteStore opens (and creates if needed) the database at path.
func NewSQLiteStore(path string, enableWAL bool, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	database, err := sql.Open("sqlite3", sqliteDSN(path, enableWAL))
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	// a single writer avoids SQLITE_BUSY on concurrent upserts
	database.SetMaxOpenConns(1)

	if _, err := database.Exec(sqliteSchema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}

	logger.Info("sqlite store ready", zap.String("path", path), zap.Bool("wal", enableWAL))
	return &SQLiteStore{db: database, logger: logger}, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO users (username, password_hash, created_at)
        VALUES (?, ?, ?)`,
		user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrUserExists
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
        SELECT username, password_hash, created_at
        FROM users
        WHERE username = ?`, username).Scan(&u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, username, date string) (*DailyRecord, error) {
	return s.getRecord(ctx, s.db, username, date)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getRecord(ctx context.Context, q queryRower, username, date string) (*DailyRecord, error) {
	var r DailyRecord
	err := q.QueryRowContext(ctx, `
        SELECT username, date, calories, total_steps, total_distance, total_active_minutes, heart_rate, updated_at
        FROM fitness_data
        WHERE username = ? AND date = ?`, username, date).
		Scan(&r.Username, &r.Date, &r.Calories, &r.Steps, &r.Distance, &r.ActiveMinutes, &r.HeartRate, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertRecord reads and writes inside one transaction.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, record DailyRecord, mode UpdateMode) (*DailyRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := s.getRecord(ctx, tx, record.Username, record.Date)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	merged, err := Merge(existing, record, mode)
	if err != nil {
		return nil, err
	}
	if merged.UpdatedAt.IsZero() {
		merged.UpdatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
        INSERT OR REPLACE INTO fitness_data (
            username, date, calories, total_steps, total_distance, total_active_minutes, heart_rate, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		merged.Username, merged.Date, merged.Calories, merged.Steps, merged.Distance,
		merged.ActiveMinutes, merged.HeartRate, merged.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &merged, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, username string) ([]DailyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT username, date, calories, total_steps, total_distance, total_active_minutes, heart_rate, updated_at
        FROM fitness_data
        WHERE username = ?
        ORDER BY date ASC`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]DailyRecord, 0)
	for rows.Next() {
		var r DailyRecord
		if err := rows.Scan(&r.Username, &r.Date, &r.Calories, &r.Steps, &r.Distance, &r.ActiveMinutes, &r.HeartRate, &r.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) TopUsers(ctx context.Context, date string, limit int) ([]LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT username, SUM(calories) AS total
        FROM fitness_data
        WHERE date = ?
        GROUP BY username
        ORDER BY total DESC, username ASC
        LIMIT ?`, date, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]LeaderboardEntry, 0)
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.Username, &e.Calories); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
