package model

import (
	"testing"
	"time"
)

func TestTransitionTableCoversAllStates(t *testing.T) {
	for _, s := range AllStates {
		if !s.Valid() {
			t.Errorf("state %q missing from transition table", s)
		}
	}
	if len(transitions) != len(AllStates) {
		t.Errorf("transition table has %d entries, AllStates has %d", len(transitions), len(AllStates))
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateAwaitingTaskName, true},
		{StateIdle, StateAwaitingAuthCode, true},
		{StateAwaitingTaskName, StateAwaitingTaskDate, true},
		{StateAwaitingTaskDate, StateIdle, true},
		{StateAwaitingDeleteDay, StateAwaitingDeleteChoice, true},
		{StateAwaitingAuthCode, StateAwaitingAuthCode, true},
		{StateIdle, StateAwaitingTaskDate, false},
		{StateAwaitingListDay, StateAwaitingDeleteChoice, false},
		{StateIdle, State("bogus"), false},
		{State("bogus"), StateIdle, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestExpectsDate(t *testing.T) {
	for _, s := range AllStates {
		want := s == StateAwaitingTaskDate || s == StateAwaitingListDay || s == StateAwaitingDeleteDay
		if got := s.ExpectsDate(); got != want {
			t.Errorf("%s.ExpectsDate() = %v, want %v", s, got, want)
		}
	}
}

func TestSessionDefaults(t *testing.T) {
	s := NewSession(7)
	if s.State != StateIdle || s.TimezoneName != "UTC" {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.Location() != time.UTC {
		t.Errorf("Location: got %v", s.Location())
	}
	s.TimezoneName = "Not/AZone"
	if s.Location() != time.UTC {
		t.Errorf("unknown zone should fall back to UTC")
	}
}
