// Package home manages the meterflow home directory layout.
//
// Layout:
//
//	<root>/
//	  config.yaml                      (optional configuration file)
//	  instance_id                      (persistent instance identity)
//	  state/
//	    watch-ledger.json              (files processed by the watcher)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir represents a meterflow home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/meterflow
//   - macOS:   ~/Library/Application Support/meterflow
//   - Windows: %APPDATA%/meterflow
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "meterflow")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path of the default configuration file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.yaml")
}

// StateDir returns the directory for persistent runtime state.
func (d Dir) StateDir() string {
	return filepath.Join(d.root, "state")
}

// LedgerPath returns the path of the watcher's processed-file ledger.
func (d Dir) LedgerPath() string {
	return filepath.Join(d.StateDir(), "watch-ledger.json")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// InstanceID reads the persistent instance identity from <root>/instance_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) InstanceID() (string, error) {
	return d.readOrCreate("instance_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	if err := d.EnsureExists(); err != nil {
		return "", err
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: instance id is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
