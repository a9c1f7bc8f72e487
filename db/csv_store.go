package db

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	usersFile   = "users.csv"
	recordsFile = "fitness_data.csv"
)

var (
	usersHeader   = []string{"username", "password_hash", "created_at"}
	recordsHeader = []string{
		"username", "date", "calories", "total_steps", "total_distance",
		"total_active_minutes", "heart_rate", "updated_at",
	}
)

type recordKey struct {
	username string
	date     string
}

// CSVStore keeps users and daily records in two CSV files under one
// directory. The whole table lives in memory and every write rewrites the
// affected file.
type CSVStore struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	users   map[string]User
	records map[recordKey]DailyRecord

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCSVStore loads (or initializes) the files in dir. With watch set the
// in-memory copy is reloaded when another process edits the files.
func NewCSVStore(dir string, watch bool, logger *zap.Logger) (*CSVStore, error) {
	if dir == "" {
		return nil, errors.New("csv store directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &CSVStore{
		dir:     dir,
		logger:  logger,
		users:   make(map[string]User),
		records: make(map[recordKey]DailyRecord),
		done:    make(chan struct{}),
	}

	if err := s.ensureFile(usersFile, usersHeader); err != nil {
		return nil, err
	}
	if err := s.ensureFile(recordsFile, recordsHeader); err != nil {
		return nil, err
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	if watch {
		if err := s.startWatcher(); err != nil {
			return nil, err
		}
	}

	logger.Info("csv store ready", zap.String("dir", dir), zap.Bool("watch", watch))
	return s, nil
}

// ensureFile creates name with header when it is missing, empty or starts
// with a different header.
func (s *CSVStore) ensureFile(name string, header []string) error {
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return writeCSV(path, header, nil)
	case err != nil:
		return err
	}
	got, err := csv.NewReader(f).Read()
	f.Close()
	if err == nil && slices.Equal(got, header) {
		return nil
	}

	s.logger.Warn("recreating csv file with incompatible header",
		zap.String("file", name), zap.Strings("header", got))
	return writeCSV(path, header, nil)
}

// reload holds the write lock while reading so it never observes a file
// older than the in-memory state.
func (s *CSVStore) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers()
	if err != nil {
		return err
	}
	records, err := s.readRecords()
	if err != nil {
		return err
	}
	s.users = users
	s.records = records
	return nil
}

func (s *CSVStore) readUsers() (map[string]User, error) {
	rows, err := readCSV(filepath.Join(s.dir, usersFile))
	if err != nil {
		return nil, err
	}
	users := make(map[string]User, len(rows))
	for _, row := range rows {
		if len(row) < len(usersHeader) {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, row[2])
		users[row[0]] = User{Username: row[0], PasswordHash: row[1], CreatedAt: createdAt}
	}
	return users, nil
}

func (s *CSVStore) readRecords() (map[recordKey]DailyRecord, error) {
	rows, err := readCSV(filepath.Join(s.dir, recordsFile))
	if err != nil {
		return nil, err
	}
	records := make(map[recordKey]DailyRecord, len(rows))
	for i, row := range rows {
		r, err := parseRecordRow(row)
		if err != nil {
			s.logger.Warn("skipping malformed record row", zap.Int("row", i+2), zap.Error(err))
			continue
		}
		records[recordKey{r.Username, r.Date}] = r
	}
	return records, nil
}

func parseRecordRow(row []string) (DailyRecord, error) {
	if len(row) < len(recordsHeader) {
		return DailyRecord{}, fmt.Errorf("expected %d fields, got %d", len(recordsHeader), len(row))
	}
	var (
		r   = DailyRecord{Username: row[0], Date: row[1]}
		err error
	)
	if r.Calories, err = strconv.ParseFloat(row[2], 64); err != nil {
		return r, err
	}
	if r.Steps, err = strconv.Atoi(row[3]); err != nil {
		return r, err
	}
	if r.Distance, err = strconv.ParseFloat(row[4], 64); err != nil {
		return r, err
	}
	if r.ActiveMinutes, err = strconv.Atoi(row[5]); err != nil {
		return r, err
	}
	if r.HeartRate, err = strconv.ParseFloat(row[6], 64); err != nil {
		return r, err
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339, row[7])
	return r, nil
}

func formatRecordRow(r DailyRecord) []string {
	return []string{
		r.Username,
		r.Date,
		strconv.FormatFloat(r.Calories, 'f', -1, 64),
		strconv.Itoa(r.Steps),
		strconv.FormatFloat(r.Distance, 'f', -1, 64),
		strconv.Itoa(r.ActiveMinutes),
		strconv.FormatFloat(r.HeartRate, 'f', -1, 64),
		r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *CSVStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Username]; ok {
		return ErrUserExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user

	if err := s.flushUsers(); err != nil {
		delete(s.users, user.Username)
		return err
	}
	return nil
}

func (s *CSVStore) GetUser(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (s *CSVStore) GetRecord(_ context.Context, username, date string) (*DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[recordKey{username, date}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &r, nil
}

func (s *CSVStore) UpsertRecord(_ context.Context, record DailyRecord, mode UpdateMode) (*DailyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{record.Username, record.Date}
	var existing *DailyRecord
	if r, ok := s.records[key]; ok {
		existing = &r
	}

	merged, err := Merge(existing, record, mode)
	if err != nil {
		return nil, err
	}
	if merged.UpdatedAt.IsZero() {
		merged.UpdatedAt = time.Now().UTC()
	}
	s.records[key] = merged

	if err := s.flushRecords(); err != nil {
		if existing != nil {
			s.records[key] = *existing
		} else {
			delete(s.records, key)
		}
		return nil, err
	}
	return &merged, nil
}

func (s *CSVStore) ListRecords(_ context.Context, username string) ([]DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]DailyRecord, 0)
	for key, r := range s.records {
		if key.username == username {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date < records[j].Date })
	return records, nil
}

func (s *CSVStore) TopUsers(_ context.Context, date string, limit int) ([]LeaderboardEntry, error) {
	s.mu.RLock()
	totals := make(map[string]float64)
	for key, r := range s.records {
		if key.date == date {
			totals[key.username] += r.Calories
		}
	}
	s.mu.RUnlock()

	entries := make([]LeaderboardEntry, 0, len(totals))
	for name, cal := range totals {
		entries = append(entries, LeaderboardEntry{Username: name, Calories: cal})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Calories != entries[j].Calories {
			return entries[i].Calories > entries[j].Calories
		}
		return entries[i].Username < entries[j].Username
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// flushUsers and flushRecords must be called with s.mu held.
func (s *CSVStore) flushUsers() error {
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		u := s.users[name]
		rows = append(rows, []string{u.Username, u.PasswordHash, u.CreatedAt.UTC().Format(time.RFC3339)})
	}
	return writeCSV(filepath.Join(s.dir, usersFile), usersHeader, rows)
}

func (s *CSVStore) flushRecords() error {
	records := make([]DailyRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date < records[j].Date
		}
		return records[i].Username < records[j].Username
	})

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, formatRecordRow(r))
	}
	return writeCSV(filepath.Join(s.dir, recordsFile), recordsHeader, rows)
}

func (s *CSVStore) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchLoop()
	return nil
}

func (s *CSVStore) watchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != usersFile && name != recordsFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("csv reload failed", zap.String("file", name), zap.Error(err))
				continue
			}
			s.logger.Debug("csv store reloaded", zap.String("file", name))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("csv watcher error", zap.Error(err))
		}
	}
}

func (s *CSVStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header of %s: %w", filepath.Base(path), err)
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

// writeCSV writes to a temp file and renames it over path.
func writeCSV(path string, header []string, rows [][]string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err := w.WriteAll(rows); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
