// Package maintenance is the on-disk maintenance switch. While the flag file
// exists, scheduled syncs and prunes are skipped; the admin API toggles it.
package maintenance

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Flag is a maintenance switch backed by the existence of one file.
type Flag struct {
	path string
}

// New returns a Flag stored at path.
func New(path string) *Flag {
	return &Flag{path: filepath.Clean(path)}
}

// Path is the flag file location.
func (f *Flag) Path() string { return f.path }

// Enabled reports whether maintenance mode is on. A nil Flag is never enabled.
func (f *Flag) Enabled() bool {
	if f == nil {
		return false
	}
	_, err := os.Stat(f.path)
	return err == nil
}

// Set turns maintenance mode on or off. Enabling writes the flag to a temp
// file and renames it into place so a reader never sees a partial file;
// disabling an already-off flag is not an error.
func (f *Flag) Set(enabled bool) error {
	if !enabled {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("maintenance: clear flag: %w", err)
		}
		return nil
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("maintenance: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".maintenance-*.tmp")
	if err != nil {
		return fmt.Errorf("maintenance: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := fmt.Fprintf(tmp, "locked %s\n", time.Now().UTC().Format(time.RFC3339))
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("maintenance: write: %w", writeErr)
		}
		return fmt.Errorf("maintenance: close: %w", closeErr)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("maintenance: rename: %w", err)
	}
	return nil
}
