package prompts

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Dir returns the path to the extracted prompts directory.
func Dir(dataDir string) string {
	return filepath.Join(dataDir, "prompts")
}

// GreetingURI returns the file URI of the extracted default greeting,
// suitable for a media player endpoint.
func GreetingURI(dataDir string) string {
	return "file://" + filepath.Join(Dir(dataDir), DefaultGreeting)
}

// ExtractToDataDir copies the embedded default greeting to the data
// directory so the media server can play it. A file that already exists on
// disk is left alone, preserving an operator-supplied replacement.
func ExtractToDataDir(dataDir string) error {
	dir := Dir(dataDir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating prompts directory: %w", err)
	}

	dest := filepath.Join(dir, DefaultGreeting)
	if _, err := os.Stat(dest); err == nil {
		slog.Debug("voicemail greeting already exists, skipping", "file", dest)
		return nil
	}

	data, err := fs.ReadFile(SystemFS, "system/"+DefaultGreeting)
	if err != nil {
		return fmt.Errorf("reading embedded greeting: %w", err)
	}

	if err := os.WriteFile(dest, data, 0640); err != nil {
		return fmt.Errorf("writing greeting: %w", err)
	}

	slog.Info("extracted default voicemail greeting", "path", dest)
	return nil
}
