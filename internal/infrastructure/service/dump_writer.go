package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schulhub/schulsync/internal/infrastructure/external/schulmanager"
)

// DumpWriter persists sanitized portal responses for offline debugging.
// Only names containing "response" are written; everything else is skipped
// so the directory never collects anything but redacted response bodies.
type DumpWriter struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

func NewDumpWriter(dir string, logger *slog.Logger) *DumpWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DumpWriter{
		dir:    dir,
		logger: logger.With("component", "dump_writer"),
		now:    time.Now,
	}
}

type dumpEnvelope struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Data      json.RawMessage `json:"data"`
}

// Write serializes payload into <dir>/<name> with secrets redacted. Names
// without "response" in them are ignored without error.
func (w *DumpWriter) Write(name string, payload any) error {
	if !strings.Contains(strings.ToLower(name), "response") {
		return nil
	}
	name = filepath.Base(name)

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dump %s: %w", name, err)
	}

	envelope := dumpEnvelope{
		FetchedAt: w.now().UTC(),
		Data:      schulmanager.SanitizeRaw(raw),
	}
	out, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("dump %s: %w", name, err)
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("dump %s: %w", name, err)
	}
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("dump %s: %w", name, err)
	}

	w.logger.Debug("wrote debug dump", "path", path, "bytes", len(out))
	return nil
}
