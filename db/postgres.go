package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
    username TEXT PRIMARY KEY,
    password_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS fitness_data (
    username TEXT NOT NULL,
    date DATE NOT NULL,
    calories DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_steps INTEGER NOT NULL DEFAULT 0,
    total_distance DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_active_minutes INTEGER NOT NULL DEFAULT 0,
    heart_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (username, date)
);
CREATE INDEX IF NOT EXISTS idx_fitness_data_date ON fitness_data (date);
`

const uniqueViolation = "23505"

// PostgresStore provides Postgres-backed persistence for users and daily records.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects, verifies the connection and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStoreFromPool(pool, logger)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("postgres store ready")
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The schema is not touched.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES ($1, $2, $3)`,
		user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrUserExists
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT username, password_hash, created_at FROM users WHERE username = $1`, username).
		Scan(&u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const recordColumns = `username, to_char(date, 'YYYY-MM-DD'), calories, total_steps, total_distance, total_active_minutes, heart_rate, updated_at`

func scanRecord(row pgx.Row) (*DailyRecord, error) {
	var r DailyRecord
	if err := row.Scan(&r.Username, &r.Date, &r.Calories, &r.Steps, &r.Distance, &r.ActiveMinutes, &r.HeartRate, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, username, date string) (*DailyRecord, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM fitness_data WHERE username = $1 AND date = $2::text::date`, username, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return r, err
}

// UpsertRecord resolves the merge inside a single ON CONFLICT statement.
func (s *PostgresStore) UpsertRecord(ctx context.Context, record DailyRecord, mode UpdateMode) (*DailyRecord, error) {
	if mode != ModeReplace && mode != ModeAdd {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO fitness_data (username, date, calories, total_steps, total_distance, total_active_minutes, heart_rate, updated_at)
        VALUES ($1, $2::text::date, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (username, date) DO UPDATE SET
            calories = CASE WHEN $9 = 'add' THEN fitness_data.calories + EXCLUDED.calories ELSE EXCLUDED.calories END,
            total_steps = CASE WHEN $9 = 'add' THEN fitness_data.total_steps + EXCLUDED.total_steps ELSE EXCLUDED.total_steps END,
            total_distance = CASE WHEN $9 = 'add' THEN fitness_data.total_distance + EXCLUDED.total_distance ELSE EXCLUDED.total_distance END,
            total_active_minutes = CASE WHEN $9 = 'add' THEN fitness_data.total_active_minutes + EXCLUDED.total_active_minutes ELSE EXCLUDED.total_active_minutes END,
            heart_rate = EXCLUDED.heart_rate,
            updated_at = EXCLUDED.updated_at
        RETURNING ` + recordColumns

	return scanRecord(s.pool.QueryRow(ctx, query,
		record.Username, record.Date, record.Calories, record.Steps, record.Distance,
		record.ActiveMinutes, record.HeartRate, record.UpdatedAt, string(mode)))
}

func (s *PostgresStore) ListRecords(ctx context.Context, username string) ([]DailyRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM fitness_data WHERE username = $1 ORDER BY date ASC`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]DailyRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) TopUsers(ctx context.Context, date string, limit int) ([]LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT username, SUM(calories) AS total
        FROM fitness_data
        WHERE date = $1::text::date
        GROUP BY username
        ORDER BY total DESC, username ASC
        LIMIT $2`, date, limit)
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
