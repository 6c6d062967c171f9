package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/observability"
	"github.com/cyl19970726/continue-reasoning-sub003/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "continue-reasoning.session"
	fileSuffix = ".jsonl"
)

// ErrNotFound is returned for sessions without a file.
var ErrNotFound = errors.New("session does not exist")

// Store persists frozen steps per session.
type Store interface {
	AppendStep(ctx context.Context, sessionID string, step StepRecord) error
	LoadSteps(ctx context.Context, sessionID string) ([]StepRecord, error)
	ListSessions() ([]string, error)
	DeleteSession(sessionID string) error
}

// JSONLStore writes one <session>.jsonl file per session under dir.
type JSONLStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewJSONLStore creates dir if needed. An empty dir means
// ~/.continue-reasoning/sessions.
func NewJSONLStore(dir string) (*JSONLStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".continue-reasoning", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &JSONLStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Debug().Str("dir", dir).Msg("Session store initialized")
	s.updateActiveSessionsMetric()

	return s, nil
}

func (s *JSONLStore) Dir() string { return s.dir }

// ValidateSessionID rejects ids that could escape the store directory.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (s *JSONLStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+fileSuffix)
}

func (s *JSONLStore) lockFor(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[sessionID] = lock
	return lock
}

func (s *JSONLStore) updateActiveSessionsMetric() {
	sessions, err := s.ListSessions()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}

// AppendStep appends step as one JSON line and syncs the file.
func (s *JSONLStore) AppendStep(ctx context.Context, sessionID string, step StepRecord) (err error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.append_step",
		attribute.String("session_id", sessionID),
		attribute.Int("step_index", step.StepIndex),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() { observability.RecordSessionAppend(time.Since(start)) }()

	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	step.SessionID = sessionID
	if step.CompletedAt.IsZero() {
		step.CompletedAt = time.Now()
	}

	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	_, statErr := os.Stat(s.path(sessionID))
	created := os.IsNotExist(statErr)

	file, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write step: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync session file: %w", err)
	}

	if created {
		s.updateActiveSessionsMetric()
	}
	logger.Debug().Int("step_index", step.StepIndex).Msg("Step appended")
	return nil
}

// LoadSteps reads all steps of a session. Unparseable lines are skipped.
// A missing session yields an empty slice.
func (s *JSONLStore) LoadSteps(ctx context.Context, sessionID string) (steps []StepRecord, err error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.load",
		attribute.String("session_id", sessionID),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []StepRecord{}, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	steps = []StepRecord{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var step StepRecord
		if err := json.Unmarshal(line, &step); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse step, skipping")
			continue
		}
		steps = append(steps, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().Int("steps", len(steps)).Msg("Session loaded")
	return steps, nil
}

// ListSessions returns session ids sorted by name.
func (s *JSONLStore) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	sessions := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(entry.Name(), fileSuffix))
	}
	sort.Strings(sessions)
	return sessions, nil
}

// DeleteSession removes a session file. Deleting a missing session is not an
// error.
func (s *JSONLStore) DeleteSession(sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	err := os.Remove(s.path(sessionID))
	lock.Unlock()

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, sessionID)
	s.locksMu.Unlock()

	s.updateActiveSessionsMetric()
	log.Info().Str("session_id", sessionID).Msg("Session deleted")
	return nil
}

// SessionInfo returns size, modification time and step count.
func (s *JSONLStore) SessionInfo(ctx context.Context, sessionID string) (Info, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return Info{}, err
	}

	stat, err := os.Stat(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("failed to stat session file: %w", err)
	}

	steps, err := s.LoadSteps(ctx, sessionID)
	if err != nil {
		return Info{}, err
	}

	return Info{
		SessionID:    sessionID,
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
		StepCount:    len(steps),
	}, nil
}

// Repair rewrites a session file without its unparseable lines.
func (s *JSONLStore) Repair(ctx context.Context, sessionID string) (int, error) {
	steps, err := s.LoadSteps(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sessionPath := s.path(sessionID)
	tempPath := sessionPath + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, step := range steps {
		if err := enc.Encode(step); err != nil {
			file.Close()
			os.Remove(tempPath)
			return 0, fmt.Errorf("failed to write step: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to sync temp file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, sessionPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to replace session file: %w", err)
	}

	log.Info().Str("session_id", sessionID).Int("steps", len(steps)).Msg("Session repaired")
	return len(steps), nil
}

// Prune deletes sessions whose file was last modified more than maxAge ago
// and returns the deleted ids.
func (s *JSONLStore) Prune(maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive")
	}

	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	var deleted []string
	for _, id := range sessions {
		stat, err := os.Stat(s.path(id))
		if err != nil || stat.ModTime().After(cutoff) {
			continue
		}
		if err := s.DeleteSession(id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Failed to delete session")
			continue
		}
		deleted = append(deleted, id)
	}

	if len(deleted) > 0 {
		log.Info().Int("deleted", len(deleted)).Dur("max_age", maxAge).Msg("Pruned old sessions")
	}
	return deleted, nil
}
