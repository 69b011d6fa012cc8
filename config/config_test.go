package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/usb-gadget/adbd/config"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
	return dir
}

func TestLoadUsesDefaultsWithNoFile(t *testing.T) {
	chdirTemp(t)
	c, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := config.Defaults()
	if c != want {
		t.Errorf("got %+v, want defaults %+v", c, want)
	}
}

func TestLoadAppliesFileOverride(t *testing.T) {
	dir := chdirTemp(t)
	yml := "statusaddr: 127.0.0.1:9999\nloglevel: debug\n"
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.StatusAddr != "127.0.0.1:9999" || c.LogLevel != "debug" {
		t.Errorf("got %+v, want overrides applied", c)
	}
	if c.Banner != config.Defaults().Banner {
		t.Errorf("unset field should keep its default, got %q", c.Banner)
	}
}

func TestWatchReloadsOnWriteAndIgnoresBadConfig(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, config.FileName)
	if err := os.WriteFile(path, []byte("loglevel: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}

	initial, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	live := config.NewLive(initial)
	if err := live.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("loglevel: warn\n"), 0644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for live.Get().LogLevel != "warn" {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for hot reload")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A malformed rewrite must not clobber the last-good config.
	if err := os.WriteFile(path, []byte("loglevel: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := live.Get().LogLevel; got != "warn" {
		t.Errorf("malformed reload should keep previous value, got %q", got)
	}
}
