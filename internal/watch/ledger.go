package watch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// ledger records processed files across restarts.
type ledger struct {
	Files map[string]ledgerEntry `json:"files"`
}

// ledgerEntry describes a file as it was when processed. A file whose size
// or modification time differs is processed again.
type ledgerEntry struct {
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mtime"`
	Batches     int       `json:"batches"`
	Readings    int       `json:"readings"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

func (e ledgerEntry) matches(info os.FileInfo) bool {
	return e.Size == info.Size() && e.ModTime.Equal(info.ModTime())
}

// loadLedger reads the ledger at path. A missing file yields an empty
// ledger.
func loadLedger(path string) (ledger, error) {
	l := ledger{Files: make(map[string]ledgerEntry)}
	if path == "" {
		return l, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return l, err
	}

	if err := json.Unmarshal(data, &l); err != nil {
		// Corrupt ledger; start fresh.
		return ledger{Files: make(map[string]ledgerEntry)}, nil //nolint:nilerr // corrupt ledger is treated as empty state
	}
	if l.Files == nil {
		l.Files = make(map[string]ledgerEntry)
	}
	return l, nil
}

// saveLedger atomically writes the ledger to path.
func saveLedger(path string, l ledger) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
