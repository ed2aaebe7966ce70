package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftsmith/draftsmith/pkg/schema"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, nil)
	require.NoError(t, err)
	return s, dir
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	s, _ := newTestStore(t)

	rec := &Record{
		StepID: "intro",
		Status: schema.StepStatusCompleted,
		Output: Output{
			Content:  "chapter one",
			Metadata: map[string]any{"attempts": 2},
		},
	}
	require.NoError(t, s.Save(rec))

	got, err := s.Load("intro")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, RecordVersion, got.Version)
	assert.Equal(t, "intro", got.StepID)
	assert.Equal(t, schema.StepStatusCompleted, got.Status)
	assert.Equal(t, "chapter one", got.Output.Content)
	assert.False(t, got.SavedAt.IsZero())
}

func TestStore_LoadMissingIsNil(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.Load("absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_SaveOverwrites(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Save(&Record{StepID: "intro", Status: schema.StepStatusCompleted, Output: Output{Content: "v1"}}))
	require.NoError(t, s.Save(&Record{StepID: "intro", Status: schema.StepStatusCompleted, Output: Output{Content: "v2"}}))

	got, err := s.Load("intro")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Output.Content)
}

func TestStore_CorruptRecordIsAbsent(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Save(&Record{StepID: "intro", Status: schema.StepStatusCompleted}))

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.NoError(t, os.WriteFile(files[0], []byte("{truncated"), 0o644))

	got, err := s.Load("intro")
	require.NoError(t, err, "a corrupt checkpoint reads as absent, never as an error")
	assert.Nil(t, got)
}

func TestStore_UnknownVersionIsAbsent(t *testing.T) {
	s, dir := newTestStore(t)

	raw, err := json.Marshal(map[string]any{
		"version": 99,
		"stepId":  "intro",
		"status":  "completed",
		"savedAt": time.Now().UTC(),
		"output":  map[string]any{"content": "future format"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "intro.json"), raw, 0o644))

	got, err := s.Load("intro")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_LoadAll(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Save(&Record{StepID: "a", Status: schema.StepStatusCompleted, Output: Output{Content: "A"}}))
	require.NoError(t, s.Save(&Record{StepID: "b", Status: schema.StepStatusCompleted, Output: Output{Content: "B"}}))

	all, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A", all["a"].Output.Content)
	assert.Equal(t, "B", all["b"].Output.Content)
}

func TestStore_DeleteAndClear(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Save(&Record{StepID: "a", Status: schema.StepStatusCompleted}))
	require.NoError(t, s.Save(&Record{StepID: "b", Status: schema.StepStatusCompleted}))

	require.NoError(t, s.Delete("a"))
	got, err := s.Load("a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Clear())
	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_HostileStepIDsStayInDir(t *testing.T) {
	s, dir := newTestStore(t)

	require.NoError(t, s.Save(&Record{StepID: "../escape/step:1", Status: schema.StepStatusCompleted, Output: Output{Content: "x"}}))

	got, err := s.Load("../escape/step:1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "x", got.Output.Content)

	// Nothing was written outside the checkpoint directory.
	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "escape", e.Name())
	}
}
