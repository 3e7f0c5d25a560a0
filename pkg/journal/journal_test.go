package journal

import (
	"testing"

	"github.com/cuemby/sentinel/pkg/events"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSendThenEventsRoundTrips(t *testing.T) {
	j := openTestJournal(t)

	e := events.Event{
		Type:      events.EventStep,
		Service:   "unit-a",
		LaunchID:  "launch-1",
		Iteration: 3,
	}
	j.Send(e)

	got, err := j.Events("unit-a")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Type != events.EventStep || got[0].Iteration != 3 {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestEventsOrderedByLaunchThenIteration(t *testing.T) {
	j := openTestJournal(t)

	j.Send(events.Event{Service: "unit-a", LaunchID: "launch-1", Iteration: 2})
	j.Send(events.Event{Service: "unit-a", LaunchID: "launch-1", Iteration: 10})
	j.Send(events.Event{Service: "unit-a", LaunchID: "launch-1", Iteration: 1})

	got, err := j.Events("unit-a")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Iteration != 1 || got[1].Iteration != 2 || got[2].Iteration != 10 {
		t.Fatalf("expected iterations sorted 1,2,10, got %d,%d,%d",
			got[0].Iteration, got[1].Iteration, got[2].Iteration)
	}
}

func TestEventsUnknownUnitReturnsEmpty(t *testing.T) {
	j := openTestJournal(t)

	got, err := j.Events("never-seen")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}

func TestUnitsListsDistinctBuckets(t *testing.T) {
	j := openTestJournal(t)

	j.Send(events.Event{Service: "unit-b", LaunchID: "l", Iteration: 1})
	j.Send(events.Event{Service: "unit-a", LaunchID: "l", Iteration: 1})
	j.Send(events.Event{Service: "unit-a", LaunchID: "l", Iteration: 2})

	units, err := j.Units()
	if err != nil {
		t.Fatalf("Units: %v", err)
	}
	if len(units) != 2 || units[0] != "unit-a" || units[1] != "unit-b" {
		t.Fatalf("expected [unit-a unit-b], got %v", units)
	}
}

func TestJournalSatisfiesEventsSender(t *testing.T) {
	var _ events.Sender = (*Journal)(nil)
}
