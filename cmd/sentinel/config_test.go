package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
units:
  - name: web
    path: /usr/bin/web-server
`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DataDir != "/var/lib/sentinel" {
		t.Fatalf("expected default DataDir to survive, got %q", cfg.DataDir)
	}
	if cfg.Controller != "panic" {
		t.Fatalf("expected default Controller 'panic', got %q", cfg.Controller)
	}
	if len(cfg.Units) != 1 || cfg.Units[0].Name != "web" {
		t.Fatalf("expected one unit 'web', got %+v", cfg.Units)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
dataDir: /tmp/custom
controller: always
stepPeriod: 5s
units:
  - name: worker
    path: /usr/bin/worker
    watchdog:
      type: timed
      heartbeatTimeout: 3s
`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DataDir != "/tmp/custom" {
		t.Fatalf("expected dataDir override, got %q", cfg.DataDir)
	}
	if cfg.Controller != "always" {
		t.Fatalf("expected controller override, got %q", cfg.Controller)
	}
	if cfg.StepPeriod != 5*time.Second {
		t.Fatalf("expected stepPeriod override, got %s", cfg.StepPeriod)
	}
	if cfg.Units[0].Watchdog.Type != WatchdogTimed {
		t.Fatalf("expected watchdog type timed, got %q", cfg.Units[0].Watchdog.Type)
	}
	if cfg.Units[0].Watchdog.HeartbeatTimeout != 3*time.Second {
		t.Fatalf("expected heartbeatTimeout 3s, got %s", cfg.Units[0].Watchdog.HeartbeatTimeout)
	}
}

func TestLoadConfigRejectsNoUnits(t *testing.T) {
	path := writeConfig(t, `dataDir: /tmp/x`)

	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected an error for a config with no declared units")
	}
}

func TestNeedsEtcdDetectsLeaseWatchdog(t *testing.T) {
	units := []UnitSpec{
		{Name: "a", Watchdog: WatchdogSpec{Type: WatchdogNone}},
		{Name: "b", Watchdog: WatchdogSpec{Type: WatchdogLease}},
	}
	if !needsEtcd(units) {
		t.Fatal("expected needsEtcd to detect a lease watchdog")
	}
}

func TestNeedsEtcdFalseWithoutLease(t *testing.T) {
	units := []UnitSpec{
		{Name: "a", Watchdog: WatchdogSpec{Type: WatchdogNone}},
		{Name: "b", Watchdog: WatchdogSpec{Type: WatchdogTimed}},
	}
	if needsEtcd(units) {
		t.Fatal("expected needsEtcd to be false without a lease watchdog")
	}
}

func TestBuildWatchdogUnknownTypeErrors(t *testing.T) {
	_, err := buildWatchdog(t.TempDir(), "x", WatchdogSpec{Type: "bogus"}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown watchdog type")
	}
}

func TestBuildWatchdogNoneAndTimed(t *testing.T) {
	dir := t.TempDir()

	none, err := buildWatchdog(dir, "a", WatchdogSpec{}, nil)
	if err != nil {
		t.Fatalf("buildWatchdog none: %v", err)
	}
	if !none.IsAlive() {
		t.Fatal("expected an inert watchdog to report alive")
	}

	timed, err := buildWatchdog(dir, "b", WatchdogSpec{Type: WatchdogTimed, HeartbeatTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("buildWatchdog timed: %v", err)
	}
	if timed == nil {
		t.Fatal("expected a non-nil timed watchdog")
	}
}
