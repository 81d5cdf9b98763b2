// Package store persists the learning output of recovery flows: failure
// patterns and workaround documents, kept in SQLite so they survive the
// process and feed the learnings CLI.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"taskwarden/internal/recovery"
	"taskwarden/internal/types"
)

// LearningStore is the SQLite-backed recovery.LearningSink.
type LearningStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	logger *zap.Logger
}

// PatternRecord is one stored failure pattern row.
type PatternRecord struct {
	ID             int64
	AttemptID      string
	FailureStage   types.CheckKind
	FailureMessage string
	Essence        string
	CauseAnalysis  string
	Approach       string
	Escalated      bool
	History        []types.FailureRecord
	RecordedAt     time.Time
}

// WorkaroundRecord is one stored workaround row.
type WorkaroundRecord struct {
	ID            int64
	AttemptID     string
	Essence       string
	CauseAnalysis string
	Verbalization string
	Approach      string
	Shared        bool
	CreatedAt     time.Time
}

// NewLearningStore opens (creating if needed) the SQLite database at path.
func NewLearningStore(path string, logger *zap.Logger) (*LearningStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("Failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("Failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("Failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}

	s := &LearningStore{db: db, dbPath: path, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("Learning store ready", zap.String("path", path))
	return s, nil
}

// initialize creates the required tables.
func (s *LearningStore) initialize() error {
	patternsTable := `
	CREATE TABLE IF NOT EXISTS failure_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL,
		failure_stage TEXT NOT NULL,
		failure_message TEXT NOT NULL,
		essence TEXT NOT NULL,
		cause_analysis TEXT,
		approach TEXT NOT NULL,
		escalated BOOLEAN NOT NULL DEFAULT 0,
		history_json TEXT,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_attempt ON failure_patterns(attempt_id);
	CREATE INDEX IF NOT EXISTS idx_patterns_stage ON failure_patterns(failure_stage);
	CREATE INDEX IF NOT EXISTS idx_patterns_approach ON failure_patterns(approach);
	CREATE INDEX IF NOT EXISTS idx_patterns_recorded ON failure_patterns(recorded_at);
	`

	workaroundsTable := `
	CREATE TABLE IF NOT EXISTS workarounds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL,
		essence TEXT NOT NULL,
		cause_analysis TEXT,
		verbalization TEXT,
		approach TEXT NOT NULL,
		shared BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workarounds_attempt ON workarounds(attempt_id);
	`

	for _, table := range []string{patternsTable, workaroundsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *LearningStore) Close() error {
	return s.db.Close()
}

// RecordPattern stores a failure pattern. Implements recovery.LearningSink.
func (s *LearningStore) RecordPattern(p recovery.FailurePattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	historyJSON, err := json.Marshal(p.History)
	if err != nil {
		return fmt.Errorf("failed to marshal failure history: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO failure_patterns
		 (attempt_id, failure_stage, failure_message, essence, cause_analysis, approach, escalated, history_json, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.AttemptID, string(p.Failure.Stage), p.Failure.Message, p.Essence,
		p.CauseAnalysis, string(p.Approach), p.Escalated, string(historyJSON), p.RecordedAt,
	)
	if err != nil {
		s.logger.Error("Failed to store failure pattern",
			zap.String("attempt_id", p.AttemptID), zap.Error(err))
		return fmt.Errorf("failed to store pattern: %w", err)
	}

	s.logger.Debug("Failure pattern stored",
		zap.String("attempt_id", p.AttemptID),
		zap.String("approach", string(p.Approach)))
	return nil
}

// DocumentWorkaround stores a workaround document. Implements
// recovery.LearningSink.
func (s *LearningStore) DocumentWorkaround(w recovery.Workaround) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO workarounds
		 (attempt_id, essence, cause_analysis, verbalization, approach, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.AttemptID, w.Essence, w.CauseAnalysis, w.Verbalization, string(w.Approach), w.CreatedAt,
	)
	if err != nil {
		s.logger.Error("Failed to store workaround",
			zap.String("attempt_id", w.AttemptID), zap.Error(err))
		return fmt.Errorf("failed to store workaround: %w", err)
	}
	return nil
}

// ShareWithTeam marks the attempt's workarounds as shared. Implements
// recovery.LearningSink.
func (s *LearningStore) ShareWithTeam(w recovery.Workaround) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE workarounds SET shared = 1 WHERE attempt_id = ?`, w.AttemptID)
	if err != nil {
		return fmt.Errorf("failed to mark workaround shared: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no workaround recorded for attempt %s", w.AttemptID)
	}

	s.logger.Debug("Workaround shared", zap.String("attempt_id", w.AttemptID))
	return nil
}

// RecentPatterns returns the newest stored patterns, newest first.
func (s *LearningStore) RecentPatterns(limit int) ([]PatternRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT id, attempt_id, failure_stage, failure_message, essence, cause_analysis, approach, escalated, history_json, recorded_at
		 FROM failure_patterns
		 ORDER BY id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var records []PatternRecord
	for rows.Next() {
		var rec PatternRecord
		var stage, historyJSON string
		if err := rows.Scan(
			&rec.ID, &rec.AttemptID, &stage, &rec.FailureMessage, &rec.Essence,
			&rec.CauseAnalysis, &rec.Approach, &rec.Escalated, &historyJSON, &rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		rec.FailureStage = types.CheckKind(stage)
		if historyJSON != "" {
			if err := json.Unmarshal([]byte(historyJSON), &rec.History); err != nil {
				s.logger.Warn("Corrupt history JSON in stored pattern",
					zap.Int64("id", rec.ID), zap.Error(err))
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Workarounds returns the newest stored workarounds, newest first.
func (s *LearningStore) Workarounds(limit int) ([]WorkaroundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT id, attempt_id, essence, cause_analysis, verbalization, approach, shared, created_at
		 FROM workarounds
		 ORDER BY id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query workarounds: %w", err)
	}
	defer rows.Close()

	var records []WorkaroundRecord
	for rows.Next() {
		var rec WorkaroundRecord
		if err := rows.Scan(
			&rec.ID, &rec.AttemptID, &rec.Essence, &rec.CauseAnalysis,
			&rec.Verbalization, &rec.Approach, &rec.Shared, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan workaround: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ApproachCounts groups stored patterns by chosen approach.
func (s *LearningStore) ApproachCounts() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT approach, COUNT(*) FROM failure_patterns GROUP BY approach ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query approach counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var approach string
		var count int
		if err := rows.Scan(&approach, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[approach] = count
	}
	return counts, rows.Err()
}

// RecurrenceCount reports how many stored patterns share an essence. Useful
// for spotting problems that keep coming back across runs.
func (s *LearningStore) RecurrenceCount(essence string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM failure_patterns WHERE essence = ?`, essence).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recurrences: %w", err)
	}
	return count, nil
}

// Stats returns row counts per table.
func (s *LearningStore) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"failure_patterns", "workarounds"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
