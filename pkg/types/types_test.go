package types

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewUnitAssignsUUIDWhenNil(t *testing.T) {
	u := NewUnit(ProcessFactory{Path: "/bin/true"}, StateRunning, uuid.Nil)
	if u.UUID() == uuid.Nil {
		t.Fatal("NewUnit did not assign a UUID")
	}
}

func TestNewUnitKeepsSuppliedUUID(t *testing.T) {
	id := uuid.New()
	u := NewUnit(ProcessFactory{Path: "/bin/true"}, StateRunning, id)
	if u.UUID() != id {
		t.Fatalf("UUID() = %s, want %s", u.UUID(), id)
	}
}

func TestSetStateMutatesOnlyState(t *testing.T) {
	factory := ProcessFactory{Path: "/bin/true", Args: []string{"a"}}
	u := NewUnit(factory, StateInitial, uuid.Nil)
	u.SetState(StateRunning)

	if u.State() != StateRunning {
		t.Fatalf("State() = %s, want %s", u.State(), StateRunning)
	}
	if !u.Factory().Equal(factory) {
		t.Fatal("SetState mutated the factory")
	}
}

func TestProcessFactoryEqual(t *testing.T) {
	a := ProcessFactory{Path: "/bin/worker", Args: []string{"--id", "1"}, Env: []string{"A=1"}}
	b := ProcessFactory{Path: "/bin/worker", Args: []string{"--id", "1"}, Env: []string{"A=1"}}
	c := ProcessFactory{Path: "/bin/worker", Args: []string{"--id", "2"}, Env: []string{"A=1"}}

	if !a.Equal(b) {
		t.Fatal("expected equal factories to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected differing factories to compare unequal")
	}
}

func TestUnitStringIsStable(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	u := NewUnit(ProcessFactory{Path: "/bin/true"}, StateRunning, id)
	want := u.String()
	if got := u.String(); got != want {
		t.Fatalf("String() not stable across calls: %q vs %q", got, want)
	}
}
