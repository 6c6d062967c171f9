package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*JSONLStore, string) {
	dir := t.TempDir()
	s, err := NewJSONLStore(dir)
	require.NoError(t, err)
	return s, dir
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		shouldErr bool
	}{
		{"valid id", "test-session", false},
		{"colon", "cli:2024", false},
		{"empty id", "", true},
		{"path traversal", "../etc/passwd", true},
		{"forward slash", "test/session", true},
		{"backslash", "test\\session", true},
		{"null byte", "test\x00session", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJSONLStore_AppendAndLoad(t *testing.T) {
	s, dir := setupTestStore(t)
	ctx := context.Background()

	step := StepRecord{
		StepIndex: 0,
		RawText:   "listing files",
		ToolCalls: []ToolCallRecord{{Name: "list_directory", CallID: "c1", Parameters: map[string]interface{}{"path": "."}}},
		ToolResults: []ToolResultRecord{
			{Name: "list_directory", CallID: "c1", Status: "succeed", Result: "a.txt", ExecutionTimeMs: 3},
		},
		StartedAt: time.Now(),
	}
	require.NoError(t, s.AppendStep(ctx, "s1", step))
	require.NoError(t, s.AppendStep(ctx, "s1", StepRecord{StepIndex: 1, FinalAnswer: "done"}))

	_, err := os.Stat(filepath.Join(dir, "s1.jsonl"))
	require.NoError(t, err)

	steps, err := s.LoadSteps(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, "s1", steps[0].SessionID)
	assert.Equal(t, "listing files", steps[0].RawText)
	require.Len(t, steps[0].ToolResults, 1)
	assert.Equal(t, "c1", steps[0].ToolResults[0].CallID)
	assert.Equal(t, "a.txt", steps[0].ToolResults[0].Result)
	assert.Equal(t, 1, steps[1].StepIndex)
	assert.Equal(t, "done", steps[1].FinalAnswer)
	assert.False(t, steps[1].CompletedAt.IsZero())
}

func TestJSONLStore_LoadMissingSession(t *testing.T) {
	s, _ := setupTestStore(t)

	steps, err := s.LoadSteps(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestJSONLStore_RejectsInvalidID(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.AppendStep(ctx, "../x", StepRecord{}))
	_, err := s.LoadSteps(ctx, "a/b")
	assert.Error(t, err)
	assert.Error(t, s.DeleteSession(""))
}

func TestJSONLStore_SkipsCorruptedLinesAndRepairs(t *testing.T) {
	s, dir := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendStep(ctx, "s1", StepRecord{StepIndex: 0}))
	f, err := os.OpenFile(filepath.Join(dir, "s1.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.AppendStep(ctx, "s1", StepRecord{StepIndex: 1}))

	steps, err := s.LoadSteps(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	n, err := s.Repair(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(dir, "s1.jsonl"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "not json")
}

func TestJSONLStore_ListAndDelete(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendStep(ctx, "b", StepRecord{}))
	require.NoError(t, s.AppendStep(ctx, "a", StepRecord{}))

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sessions)

	require.NoError(t, s.DeleteSession("a"))
	require.NoError(t, s.DeleteSession("a"))

	sessions, err = s.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, sessions)
}

func TestJSONLStore_SessionInfo(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.SessionInfo(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AppendStep(ctx, "s1", StepRecord{}))
	require.NoError(t, s.AppendStep(ctx, "s1", StepRecord{StepIndex: 1}))

	info, err := s.SessionInfo(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", info.SessionID)
	assert.Equal(t, 2, info.StepCount)
	assert.Positive(t, info.Size)
}

func TestJSONLStore_ConcurrentAppends(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.AppendStep(ctx, "shared", StepRecord{StepIndex: i}))
		}(i)
	}
	wg.Wait()

	steps, err := s.LoadSteps(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, steps, 20)
}

func TestJSONLStore_Prune(t *testing.T) {
	s, dir := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendStep(ctx, "old", StepRecord{}))
	require.NoError(t, s.AppendStep(ctx, "fresh", StepRecord{}))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.jsonl"), past, past))

	deleted, err := s.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, deleted)

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, sessions)

	_, err = s.Prune(0)
	assert.Error(t, err)
}
