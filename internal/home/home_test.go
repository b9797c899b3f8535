package home

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew(t *testing.T) {
	d := New("/tmp/test-home")
	if d.Root() != "/tmp/test-home" {
		t.Errorf("Root() = %q, want %q", d.Root(), "/tmp/test-home")
	}
}

func TestDefault(t *testing.T) {
	d, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if filepath.Base(d.Root()) != "meterflow" {
		t.Errorf("Default root %q does not end in meterflow", d.Root())
	}
}

func TestPaths(t *testing.T) {
	d := New("/data")
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"config", d.ConfigPath(), "/data/config.yaml"},
		{"state", d.StateDir(), "/data/state"},
		{"ledger", d.LedgerPath(), "/data/state/watch-ledger.json"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "home")
	d := New(root)

	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}

	// Calling again should be idempotent.
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists (idempotent): %v", err)
	}
}

func TestInstanceID(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "home"))

	id, err := d.InstanceID()
	if err != nil {
		t.Fatalf("InstanceID: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("InstanceID %q is not a UUID: %v", id, err)
	}

	again, err := d.InstanceID()
	if err != nil {
		t.Fatalf("InstanceID (second): %v", err)
	}
	if again != id {
		t.Errorf("InstanceID changed: %q then %q", id, again)
	}
}

func TestInstanceIDExisting(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "instance_id"), []byte("  edge-01 \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	id, err := New(root).InstanceID()
	if err != nil {
		t.Fatalf("InstanceID: %v", err)
	}
	if id != "edge-01" {
		t.Errorf("InstanceID = %q, want %q", id, "edge-01")
	}
}

func TestInstanceIDEmptyFileRegenerates(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "instance_id")
	if err := os.WriteFile(p, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	id, err := New(root).InstanceID()
	if err != nil {
		t.Fatalf("InstanceID: %v", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != id {
		t.Errorf("persisted %q, returned %q", data, id)
	}
}
