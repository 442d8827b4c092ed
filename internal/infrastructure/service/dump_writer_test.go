package service

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpWriter_RedactsSecretsAndWrapsEnvelope(t *testing.T) {
	dir := t.TempDir()
	writer := NewDumpWriter(dir, nil)
	writer.now = func() time.Time { return time.Date(2026, 8, 31, 7, 0, 0, 0, time.UTC) }

	err := writer.Write("login_response.json", map[string]any{
		"token":  "eyJhbGciOiJIUzI1NiJ9.secret",
		"status": 200,
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "login_response.json"))
	require.NoError(t, err)

	var envelope struct {
		FetchedAt time.Time      `json:"fetched_at"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))

	assert.Equal(t, 2026, envelope.FetchedAt.Year())
	assert.Equal(t, float64(200), envelope.Data["status"])
	assert.Equal(t, "eyJhbGciOi...(redacted)", envelope.Data["token"])
	assert.NotContains(t, string(raw), "secret")
}

func TestDumpWriter_SkipsNamesWithoutResponse(t *testing.T) {
	dir := t.TempDir()
	writer := NewDumpWriter(dir, nil)

	require.NoError(t, writer.Write("notes.json", map[string]any{"a": 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDumpWriter_StripsDirectoryComponents(t *testing.T) {
	dir := t.TempDir()
	writer := NewDumpWriter(dir, nil)

	require.NoError(t, writer.Write("../escape/lessons_response.json", []int{1, 2}))

	_, err := os.Stat(filepath.Join(dir, "lessons_response.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "escape"))
	assert.True(t, os.IsNotExist(err))
}

func TestDumpWriter_CreatesDirectoryOnDemand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps", "nested")
	writer := NewDumpWriter(dir, nil)

	require.NoError(t, writer.Write("exams_response.json", []string{}))

	_, err := os.Stat(filepath.Join(dir, "exams_response.json"))
	assert.NoError(t, err)
}
