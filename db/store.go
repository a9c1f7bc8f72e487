package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUserExists     = errors.New("username already exists")
	ErrUserNotFound   = errors.New("user not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidMode    = errors.New("invalid update mode")
)

// DateLayout is how record dates are stored in every backend.
const DateLayout = "2006-01-02"

type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// DailyRecord is one user's activity and calorie total for one day.
type DailyRecord struct {
	Username      string    `json:"username"`
	Date          string    `json:"date"`
	Calories      float64   `json:"calories"`
	Steps         int       `json:"total_steps"`
	Distance      float64   `json:"total_distance"`
	ActiveMinutes int       `json:"total_active_minutes"`
	HeartRate     float64   `json:"heart_rate"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type LeaderboardEntry struct {
	Username string  `json:"username"`
	Calories float64 `json:"calories"`
}

// UpdateMode decides what happens when a record already exists for the day.
type UpdateMode string

const (
	ModeReplace UpdateMode = "replace"
	ModeAdd     UpdateMode = "add"
)

func ParseUpdateMode(s string) (UpdateMode, error) {
	switch UpdateMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeReplace:
		return ModeReplace, nil
	case ModeAdd:
		return ModeAdd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Store is implemented by every persistence backend.
type Store interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, username string) (*User, error)

	GetRecord(ctx context.Context, username, date string) (*DailyRecord, error)
	UpsertRecord(ctx context.Context, record DailyRecord, mode UpdateMode) (*DailyRecord, error)
	ListRecords(ctx context.Context, username string) ([]DailyRecord, error)
	TopUsers(ctx context.Context, date string, limit int) ([]LeaderboardEntry, error)

	Close() error
}

// Merge applies mode to an existing record. With ModeAdd the counters and
// calories are summed and the heart rate of the newer submission wins.
func Merge(existing *DailyRecord, incoming DailyRecord, mode UpdateMode) (DailyRecord, error) {
	switch {
	case mode != ModeReplace && mode != ModeAdd:
		return DailyRecord{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	case existing == nil, mode == ModeReplace:
		return incoming, nil
	default:
		merged := incoming
		merged.Calories = existing.Calories + incoming.Calories
		merged.Steps = existing.Steps + incoming.Steps
		merged.Distance = existing.Distance + incoming.Distance
		merged.ActiveMinutes = existing.ActiveMinutes + incoming.ActiveMinutes
		return merged, nil
	}
}

// Config selects and configures a backend.
type Config struct {
	Driver string `yaml:"driver"`
	// DSN is a directory for csv, a file path for sqlite and a connection
	// string for postgres.
	DSN       string `yaml:"dsn"`
	EnableWAL bool   `yaml:"enable_wal"`
	WatchCSV  bool   `yaml:"watch_csv"`
}

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Driver) {
	case "csv":
		return NewCSVStore(cfg.DSN, cfg.WatchCSV, logger)
	case "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.DSN, cfg.EnableWAL, logger)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
