package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/sentinel/pkg/events"
	"github.com/cuemby/sentinel/pkg/watchdog"
)

type countingStepper struct {
	count  atomic.Int64
	stepErr error
	svc    *Service
	stopAt int64
}

func (s *countingStepper) Step(ctx context.Context) error {
	n := s.count.Add(1)
	if s.stopAt != 0 && n >= s.stopAt {
		s.svc.Stop()
	}
	return s.stepErr
}

func TestServiceOperateFalseRefusesNonInertWatchdog(t *testing.T) {
	wd, err := watchdog.NewTimed(t.TempDir()+"/wd", time.Minute)
	if err != nil {
		t.Fatalf("NewTimed: %v", err)
	}
	defer wd.Remove()

	_, err = New(&countingStepper{}, wd, Config{Operate: false})
	if err == nil {
		t.Fatal("expected New to refuse operate=false with a non-inert watchdog")
	}
}

func TestServiceOperateFalseAllowsNoneWatchdog(t *testing.T) {
	svc, err := New(&countingStepper{}, watchdog.NewNone(), Config{Operate: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Serve(ctx); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServiceRunsStepsUntilStop(t *testing.T) {
	stepper := &countingStepper{stopAt: 3}
	svc, err := New(stepper, watchdog.NewNone(), Config{
		Operate:    true,
		StepPeriod: time.Millisecond,
		LoopPeriod: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stepper.svc = svc

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Serve(ctx); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if stepper.count.Load() < 3 {
		t.Fatalf("expected at least 3 steps, got %d", stepper.count.Load())
	}
}

func TestServiceEmitsStepEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	stepper := &countingStepper{stopAt: 1}
	svc, err := New(stepper, watchdog.NewNone(), Config{
		Name:       "test",
		Operate:    true,
		StepPeriod: time.Millisecond,
		LoopPeriod: time.Millisecond,
		Sender:     broker,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stepper.svc = svc

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Serve(ctx); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Type != events.EventStep {
			t.Fatalf("expected a step event, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a step event")
	}
}

func TestServiceStepErrorDoesNotStopLoop(t *testing.T) {
	stepper := &countingStepper{stepErr: errors.New("boom"), stopAt: 3}
	svc, err := New(stepper, watchdog.NewNone(), Config{
		Operate:    true,
		StepPeriod: time.Millisecond,
		LoopPeriod: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stepper.svc = svc

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Serve(ctx); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if stepper.count.Load() < 3 {
		t.Fatalf("expected the loop to keep running despite step errors, got %d steps", stepper.count.Load())
	}
}
