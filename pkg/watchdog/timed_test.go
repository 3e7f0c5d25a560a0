package watchdog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestTimedIsAliveFreshHeartbeat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wd")
	wd, err := NewTimed(path, time.Minute)
	if err != nil {
		t.Fatalf("NewTimed: %v", err)
	}
	defer wd.Remove()

	if !wd.IsAlive() {
		t.Fatal("expected fresh watchdog to be alive")
	}
}

func TestTimedStaleHeartbeatIsNotAlive(t *testing.T) {
	// heartbeat_timeout=0 makes every observation after the first
	// heartbeat stale.
	path := filepath.Join(t.TempDir(), "wd")
	wd, err := NewTimed(path, 0)
	if err != nil {
		t.Fatalf("NewTimed: %v", err)
	}
	defer wd.Remove()

	time.Sleep(2 * time.Millisecond)
	if wd.IsAlive() {
		t.Fatal("expected stale watchdog (timeout=0) to be not alive")
	}
}

func TestTimedMarkFailedIsSticky(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wd")
	wd, err := NewTimed(path, time.Minute)
	if err != nil {
		t.Fatalf("NewTimed: %v", err)
	}
	defer wd.Remove()

	wd.MarkFailed()
	if wd.IsAlive() {
		t.Fatal("expected marked-failed watchdog to be not alive")
	}
	if err := wd.GenerateHeartbeat(); err != nil {
		t.Fatalf("GenerateHeartbeat: %v", err)
	}
	if wd.IsAlive() {
		t.Fatal("expected marked-failed watchdog to remain not alive after a fresh heartbeat")
	}
}

func TestTimedEnterExitCrossProcessVisibility(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wd")
	owner, err := NewTimed(path, time.Minute)
	if err != nil {
		t.Fatalf("NewTimed: %v", err)
	}
	defer owner.Remove()

	attached, err := OpenTimed(path, time.Minute)
	if err != nil {
		t.Fatalf("OpenTimed: %v", err)
	}
	defer attached.Close()

	if attached.InContext() {
		t.Fatal("expected not in context before Enter")
	}

	if err := owner.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !attached.InContext() {
		t.Fatal("expected the shared in-context flag to be visible from a second handle")
	}

	if err := owner.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if attached.InContext() {
		t.Fatal("expected in-context flag to clear after Exit")
	}
}

func TestTimedEnterFailureClearsLocalFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wd")
	wd, err := NewTimed(path, time.Minute)
	if err != nil {
		t.Fatalf("NewTimed: %v", err)
	}
	defer wd.Remove()

	wd.MarkFailed()
	if err := wd.Enter(context.Background()); err == nil {
		t.Fatal("expected Enter to fail for a marked-failed watchdog")
	}
	if wd.inContextLocal.Load() {
		t.Fatal("expected local in-context flag cleared after a failed Enter")
	}
	if v, _ := wd.inContext.Load(); v {
		t.Fatal("expected shared in-context flag never set after a failed Enter")
	}
}

func TestNoneWatchdogAlwaysAliveUnlessMarked(t *testing.T) {
	wd := NewNone()
	if !wd.IsAlive() {
		t.Fatal("expected inert watchdog to be alive")
	}
	if err := wd.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := wd.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	wd.MarkFailed()
	if wd.IsAlive() {
		t.Fatal("expected marked-failed inert watchdog to be not alive")
	}
	if err := wd.Enter(context.Background()); err == nil {
		t.Fatal("expected Enter to fail once marked failed")
	}
}
