package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWritesDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != Defaults().Port {
		t.Errorf("expected default port %d, got %d", Defaults().Port, cfg.Port)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected defaults to be written to %s: %v", path, err)
	}
}

func TestLoadDecodesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg := Defaults()
	cfg.InstanceName = "studio-a"
	cfg.Port = 9999
	if err := Save(path, cfg); err != nil {
		t.Fatalf("unexpected error saving: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error loading: %v", err)
	}
	if got.InstanceName != "studio-a" || got.Port != 9999 {
		t.Errorf("got %+v, want InstanceName=studio-a Port=9999", got)
	}
}

func TestSaveCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "loom", "config.toml")
	if err := Save(path, Defaults()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file to exist at %s: %v", path, err)
	}
}

func TestWatcherEmitsChangeAfterDebouncedWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := Save(path, Defaults()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Close()

	updated := Defaults()
	updated.InstanceName = "changed"
	if err := Save(path, updated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case cfg := <-w.Changes():
		if cfg.InstanceName != "changed" {
			t.Errorf("got InstanceName %q, want changed", cfg.InstanceName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher to emit the change")
	}
}
