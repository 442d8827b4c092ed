package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"), "unknown levels fall back to info")
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "info", Format: "json", Output: &buf})

	log.Info("cycle finished", "account_id", "fam-mueller", "students", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cycle finished", entry["msg"])
	assert.Equal(t, "fam-mueller", entry["account_id"])
	assert.Equal(t, float64(2), entry["students"])
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "info", Format: "text", Output: &buf})

	log.Debug("unsichtbar")
	log.Info("sichtbar")

	out := buf.String()
	assert.NotContains(t, out, "unsichtbar")
	assert.Contains(t, out, "sichtbar")
}

func TestNew_DebugOverridesLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "error", Format: "text", Debug: true, Output: &buf})

	log.Debug("debug aktiv")
	assert.True(t, strings.Contains(buf.String(), "debug aktiv"))
}
