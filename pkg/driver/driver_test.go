package driver

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/sentinel/pkg/service"
	"github.com/cuemby/sentinel/pkg/shm"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/cuemby/sentinel/pkg/watchdog"
)

type noopStepper struct{}

func (noopStepper) Step(ctx context.Context) error { return nil }

func sleeper(seconds string) types.ProcessFactory {
	return types.ProcessFactory{Path: "/bin/sh", Args: []string{"-c", "sleep " + seconds}}
}

func cleanExit() types.ProcessFactory {
	return types.ProcessFactory{Path: "/bin/sh", Args: []string{"-c", "exit 0"}}
}

func failingExit() types.ProcessFactory {
	return types.ProcessFactory{Path: "/bin/sh", Args: []string{"-c", "exit 7"}}
}

func TestAddServiceDuplicateRejected(t *testing.T) {
	d := New(t.TempDir())
	id := uuid.New()
	if err := d.AddService(id, sleeper("5"), watchdog.NewNone()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := d.AddService(id, sleeper("5"), watchdog.NewNone()); err == nil {
		t.Fatal("expected a duplicate AddService to be rejected")
	}
}

func TestValidateTargetStateRejectsObservationOnly(t *testing.T) {
	d := New(t.TempDir())
	if err := d.ValidateTargetState(types.StateNumb); err == nil {
		t.Fatal("expected NUMB to be rejected as a target state")
	}
	if err := d.ValidateTargetState(types.StateRunning); err != nil {
		t.Fatalf("expected RUNNING to be a valid target state, got %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	d := New(t.TempDir())
	id := uuid.New()
	if err := d.AddService(id, sleeper("5"), watchdog.NewNone()); err != nil {
		t.Fatalf("AddService: %v", err)
	}

	states := d.GetStates()
	if states[id] != types.StateInitial {
		t.Fatalf("expected INITIAL before start, got %s", states[id])
	}

	if err := d.SetState(id, types.StateInitial, types.StateRunning); err != nil {
		t.Fatalf("SetState to RUNNING: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := d.GetStates()[id]; got != types.StateRunning {
		t.Fatalf("expected RUNNING after start, got %s", got)
	}

	if err := d.SetState(id, types.StateRunning, types.StateStopped); err != nil {
		t.Fatalf("SetState to STOPPED: %v", err)
	}
	if err := d.WaitService(id, time.Second); err != nil {
		t.Fatalf("WaitService: %v", err)
	}
	if got := d.GetStates()[id]; got != types.StateStopped {
		t.Fatalf("expected STOPPED after SIGTERM, got %s", got)
	}
}

func TestCleanExitObservedAsStopped(t *testing.T) {
	d := New(t.TempDir())
	id := uuid.New()
	if err := d.AddService(id, cleanExit(), watchdog.NewNone()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := d.SetState(id, types.StateInitial, types.StateRunning); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := d.WaitService(id, time.Second); err != nil {
		t.Fatalf("WaitService: %v", err)
	}
	if got := d.GetStates()[id]; got != types.StateStopped {
		t.Fatalf("expected a clean exit to be observed as STOPPED, got %s", got)
	}
}

func TestAbnormalExitObservedAsFailed(t *testing.T) {
	d := New(t.TempDir())
	id := uuid.New()
	if err := d.AddService(id, failingExit(), watchdog.NewNone()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := d.SetState(id, types.StateInitial, types.StateRunning); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := d.WaitService(id, time.Second); err != nil {
		t.Fatalf("WaitService: %v", err)
	}
	if got := d.GetStates()[id]; got != types.StateFailed {
		t.Fatalf("expected a non-zero exit to be observed as FAILED, got %s", got)
	}
}

func TestForciblyStoppedOverridesExitCode(t *testing.T) {
	d := New(t.TempDir())
	id := uuid.New()
	if err := d.AddService(id, failingExit(), watchdog.NewNone()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	// INITIAL -> STOPPED without ever starting: forcibly_stopped=true.
	if err := d.SetState(id, types.StateInitial, types.StateStopped); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if got := d.GetStates()[id]; got != types.StateStopped {
		t.Fatalf("expected forcibly-stopped unstarted unit to read STOPPED, got %s", got)
	}
}

func TestNumbOverrideFromStaleWatchdog(t *testing.T) {
	path := t.TempDir() + "/wd"
	wd, err := watchdog.NewTimed(path, 0)
	if err != nil {
		t.Fatalf("NewTimed: %v", err)
	}

	d := New(t.TempDir())
	id := uuid.New()
	if err := d.AddService(id, sleeper("5"), wd); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := d.SetState(id, types.StateInitial, types.StateRunning); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// heartbeat_timeout=0: any observation after the first heartbeat is
	// stale, so a still-RUNNING process reads NUMB.
	if got := d.GetStates()[id]; got != types.StateNumb {
		t.Fatalf("expected NUMB for a running process with a stale watchdog, got %s", got)
	}

	if err := d.SetState(id, types.StateNumb, types.StateStopped); err != nil {
		t.Fatalf("SetState NUMB -> STOPPED: %v", err)
	}
	_ = d.WaitService(id, time.Second)
}

func TestSetStateNoopWhenOldEqualsNew(t *testing.T) {
	d := New(t.TempDir())
	id := uuid.New()
	if err := d.AddService(id, sleeper("5"), watchdog.NewNone()); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := d.SetState(id, types.StateRunning, types.StateRunning); err != nil {
		t.Fatalf("expected old==new to be a silent no-op, got %v", err)
	}
	if got := d.GetStates()[id]; got != types.StateInitial {
		t.Fatalf("expected no state change, got %s", got)
	}
}

func TestUnlistedTransitionPanics(t *testing.T) {
	d := New(t.TempDir())
	id := uuid.New()
	if err := d.AddService(id, sleeper("5"), watchdog.NewNone()); err != nil {
		t.Fatalf("AddService: %v", err)
	}

	// Every (old, new) pair with new a valid target state is actually
	// covered by the real table, so the panic path is defensive only;
	// exercise it by knocking out one row, simulating an incomplete
	// table.
	delete(d.handlers[types.StateRunning], types.StateStopped)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected an unlisted transition to panic")
		}
	}()
	_ = d.SetState(id, types.StateRunning, types.StateStopped)
}

func TestSendSignalStoresIntoUnitSignalCell(t *testing.T) {
	d := New(t.TempDir())
	id := uuid.New()
	if err := d.AddService(id, sleeper("5"), watchdog.NewNone()); err != nil {
		t.Fatalf("AddService: %v", err)
	}

	if err := d.SendSignal(id, syscall.SIGHUP); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	d.mu.Lock()
	entry := d.entries[id]
	d.mu.Unlock()

	v, err := entry.signalCell.Load()
	if err != nil {
		t.Fatalf("Load signal cell: %v", err)
	}
	if v != int64(syscall.SIGHUP) {
		t.Fatalf("expected signal cell to hold SIGHUP (%d), got %d", syscall.SIGHUP, v)
	}
}

func TestSendSignalUnknownUnitNotFound(t *testing.T) {
	d := New(t.TempDir())
	if err := d.SendSignal(uuid.New(), syscall.SIGHUP); err == nil {
		t.Fatal("expected SendSignal on an unregistered unit to fail")
	}
}

// TestSendSignalRelayedToWorkerDispatch exercises the full cross-process
// relay this package only half-owns: the driver writes a signal number
// into a unit's signal cell, and a service.Service attached to the same
// cell (standing in for the worker process that would open it via
// SENTINEL_SIGNAL_SHM) drains and dispatches it on its next iteration.
func TestSendSignalRelayedToWorkerDispatch(t *testing.T) {
	d := New(t.TempDir())
	id := uuid.New()
	if err := d.AddService(id, sleeper("5"), watchdog.NewNone()); err != nil {
		t.Fatalf("AddService: %v", err)
	}

	d.mu.Lock()
	entry := d.entries[id]
	d.mu.Unlock()

	workerCell, err := shm.OpenInt64Cell(entry.signalPath)
	if err != nil {
		t.Fatalf("OpenInt64Cell: %v", err)
	}
	defer workerCell.Close()

	var hupCalls atomic.Int32
	svc, err := service.New(noopStepper{}, watchdog.NewNone(), service.Config{
		Operate:    true,
		StepPeriod: 5 * time.Millisecond,
		SignalCell: workerCell,
		SignumHandlers: map[syscall.Signal]func(){
			syscall.SIGHUP: func() { hupCalls.Add(1) },
		},
	})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go svc.Serve(ctx)

	if err := d.SendSignal(id, syscall.SIGHUP); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for hupCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svc.Stop()

	if hupCalls.Load() == 0 {
		t.Fatal("expected the worker's SIGHUP handler to be invoked via the relayed signal cell")
	}
}
