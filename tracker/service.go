// Package tracker holds the application logic behind the HTTP API: accounts,
// calorie predictions, daily records, comparisons and the leaderboard.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"fittrack/auth"
	"fittrack/db"
	"fittrack/ml"
	"fittrack/pipeline"
	"fittrack/stats"
)

const (
	MinPasswordLength = 4
	// MaxPasswordLength is the bcrypt input limit in bytes.
	MaxPasswordLength      = 72
	DefaultLeaderboardSize = 50
	// PendingPredictions bounds how many unconfirmed estimates are kept.
	PendingPredictions = 4096
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidCredentials    = errors.New("invalid username or password")
	ErrComparisonUnavailable = errors.New("fitness activity data is not available")
	ErrNoPendingPrediction   = errors.New("no prediction awaiting confirmation today")
)

// Predictor is the part of ml.CaloriePredictor the service needs.
type Predictor interface {
	Predict(f ml.Features) (float64, error)
	Reference() *ml.Dataset
}

// Tokens issues and revokes session tokens.
type Tokens interface {
	Issue(username string) (string, *auth.Claims, error)
	Revoke(token string) error
	HashPassword(password string) (string, error)
}

// LeaderboardPublisher receives the leaderboard after every change to it.
type LeaderboardPublisher interface {
	PublishLeaderboard(date string, entries []db.LeaderboardEntry)
}

// RegistrationObserver is notified of successful registrations.
type RegistrationObserver interface {
	ObserveRegistration()
}

type Service struct {
	store     db.Store
	predictor Predictor
	tokens    Tokens
	publisher LeaderboardPublisher
	observer  RegistrationObserver
	logger    *zap.Logger
	now       func() time.Time

	// estimates that hit an existing record, keyed by username
	pending *lru.Cache[string, pendingPrediction]
}

type pendingPrediction struct {
	date     string
	calories float64
	features ml.Features
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPublisher(p LeaderboardPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithRegistrationObserver(o RegistrationObserver) Option {
	return func(s *Service) { s.observer = o }
}

func NewService(store db.Store, predictor Predictor, tokens Tokens, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	// only fails for a non-positive size
	pending, _ := lru.New[string, pendingPrediction](PendingPredictions)
	s := &Service{
		store:     store,
		predictor: predictor,
		tokens:    tokens,
		logger:    logger,
		now:       time.Now,
		pending:   pending,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today is the date key of the current day in the service clock's location.
func (s *Service) Today() string {
	return s.now().Format(db.DateLayout)
}

func (s *Service) Register(ctx context.Context, username, password string) (*db.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username must not be empty", ErrInvalidInput)
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return nil, fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, MaxPasswordLength)
	}

	hash, err := s.tokens.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := db.User{Username: username, PasswordHash: hash, CreatedAt: s.now().UTC()}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	if s.observer != nil {
		s.observer.ObserveRegistration()
	}
	s.logger.Info("user registered", zap.String("username", username))
	return &user, nil
}

// Login checks the password and returns a session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *auth.Claims, error) {
	username = strings.TrimSpace(username)
	user, err := s.store.GetUser(ctx, username)
	if errors.Is(err, db.ErrUserNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return "", nil, ErrInvalidCredentials
	}
	return s.tokens.Issue(user.Username)
}

func (s *Service) Logout(token string) error {
	return s.tokens.Revoke(token)
}

// Comparison is the percentage of the reference population strictly below
// the user, per metric.
type Comparison struct {
	HeartRate     float64 `json:"heart_rate"`
	Steps         float64 `json:"total_steps"`
	Distance      float64 `json:"total_distance"`
	ActiveMinutes float64 `json:"total_active_minutes"`
}

func (s *Service) Compare(f ml.Features) (*Comparison, error) {
	f = pipeline.SanitizeInput(f)
	ref := s.predictor.Reference()
	if ref.Empty() {
		return nil, ErrComparisonUnavailable
	}

	percent := func(column string, v float64) (float64, error) {
		values, err := ref.Column(column)
		if err != nil {
			return 0, err
		}
		pct, ok := stats.PercentBelow(values, v)
		if !ok {
			return 0, ErrComparisonUnavailable
		}
		return pct, nil
	}

	var (
		c   Comparison
		err error
	)
	if c.HeartRate, err = percent(ml.ColHeartRate, f.HeartRate); err != nil {
		return nil, err
	}
	if c.Steps, err = percent(ml.ColSteps, float64(f.Steps)); err != nil {
		return nil, err
	}
	if c.Distance, err = percent(ml.ColDistance, f.Distance); err != nil {
		return nil, err
	}
	if c.ActiveMinutes, err = percent(ml.ColActiveMinutes, float64(f.ActiveMinutes)); err != nil {
		return nil, err
	}
	return &c, nil
}

// PredictResult is what a prediction request produced.
type PredictResult struct {
	Features ml.Features `json:"features"`
	Calories float64     `json:"calories"`
	// NeedsConfirmation is set when today already has a record and no
	// update mode was given. Nothing was recorded; the estimate is held
	// until UpdateToday confirms it.
	NeedsConfirmation bool            `json:"needs_confirmation"`
	Recorded          bool            `json:"recorded"`
	Mode              db.UpdateMode   `json:"mode,omitempty"`
	Record            *db.DailyRecord `json:"record,omitempty"`
	Existing          *db.DailyRecord `json:"existing,omitempty"`
	Comparison        *Comparison     `json:"comparison,omitempty"`
}

// Predict estimates calories for f and records them for today. mode may be
// empty; it is only consulted when today already has a record.
func (s *Service) Predict(ctx context.Context, username string, f ml.Features, mode db.UpdateMode) (*PredictResult, error) {
	f = pipeline.SanitizeInput(f)

	calories, err := s.predictor.Predict(f)
	if err != nil {
		return nil, err
	}
	result := &PredictResult{Features: f, Calories: calories}

	if c, err := s.Compare(f); err == nil {
		result.Comparison = c
	} else if !errors.Is(err, ErrComparisonUnavailable) {
		s.logger.Warn("comparison failed", zap.Error(err))
	}

	today := s.Today()
	existing, err := s.store.GetRecord(ctx, username, today)
	switch {
	case errors.Is(err, db.ErrRecordNotFound):
		mode = db.ModeReplace
	case err != nil:
		return nil, err
	case mode == "":
		s.pending.Add(username, pendingPrediction{date: today, calories: calories, features: f})
		result.NeedsConfirmation = true
		result.Existing = existing
		return result, nil
	}

	record, err := s.record(ctx, username, calories, f, mode)
	if err != nil {
		return nil, err
	}
	s.pending.Remove(username)
	result.Recorded = true
	result.Mode = mode
	result.Record = record
	result.Existing = existing
	return result, nil
}

// UpdateToday is the confirmation step after a prediction returned
// NeedsConfirmation. It records the held estimate, never a client value.
func (s *Service) UpdateToday(ctx context.Context, username string, mode db.UpdateMode) (*db.DailyRecord, error) {
	if mode != db.ModeReplace && mode != db.ModeAdd {
		return nil, fmt.Errorf("%w: %q", db.ErrInvalidMode, mode)
	}
	p, ok := s.pending.Get(username)
	if !ok || p.date != s.Today() {
		return nil, ErrNoPendingPrediction
	}

	record, err := s.record(ctx, username, p.calories, p.features, mode)
	if err != nil {
		return nil, err
	}
	s.pending.Remove(username)
	return record, nil
}

func (s *Service) record(ctx context.Context, username string, calories float64, f ml.Features, mode db.UpdateMode) (*db.DailyRecord, error) {
	date := s.Today()
	record, err := s.store.UpsertRecord(ctx, db.DailyRecord{
		Username:      username,
		Date:          date,
		Calories:      calories,
		Steps:         f.Steps,
		Distance:      f.Distance,
		ActiveMinutes: f.ActiveMinutes,
		HeartRate:     f.HeartRate,
		UpdatedAt:     s.now().UTC(),
	}, mode)
	if err != nil {
		return nil, err
	}

	s.logger.Info("daily record updated",
		zap.String("username", username),
		zap.String("date", date),
		zap.String("mode", string(mode)),
		zap.Float64("calories", record.Calories))

	s.publish(ctx, date)
	return record, nil
}

func (s *Service) publish(ctx context.Context, date string) {
	if s.publisher == nil {
		return
	}
	entries, err := s.store.TopUsers(ctx, date, DefaultLeaderboardSize)
	if err != nil {
		s.logger.Warn("leaderboard refresh failed", zap.Error(err))
		return
	}
	s.publisher.PublishLeaderboard(date, entries)
}

func (s *Service) RecordedToday(ctx context.Context, username string) (bool, error) {
	_, err := s.store.GetRecord(ctx, username, s.Today())
	if errors.Is(err, db.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) DailyReport(ctx context.Context, username string) ([]db.DailyRecord, error) {
	return s.store.ListRecords(ctx, username)
}

// TopUsers defaults to today and the top 50.
func (s *Service) TopUsers(ctx context.Context, date string, limit int) (string, []db.LeaderboardEntry, error) {
	if date == "" {
		date = s.Today()
	} else if _, err := time.Parse(db.DateLayout, date); err != nil {
		return "", nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultLeaderboardSize
	}
	entries, err := s.store.TopUsers(ctx, date, limit)
	return date, entries, err
}
