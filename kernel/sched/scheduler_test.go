package sched

import (
	"novakernel/kernel/proc"
	"testing"
)

func TestScheduleFIFO(t *testing.T) {
	s := New()
	p1 := proc.New(1, "a", true, nil)
	p2 := proc.New(2, "b", true, nil)
	s.AcceptNewProcess(p1)
	s.AcceptNewProcess(p2)

	got := s.Schedule(0)
	if got == nil || got.PID != 1 {
		t.Fatalf("Schedule() = %v, want pid 1", got)
	}
	got = s.Schedule(0)
	if got == nil || got.PID != 2 {
		t.Fatalf("Schedule() = %v, want pid 2", got)
	}
	if got := s.Schedule(0); got != nil {
		t.Fatalf("Schedule() on empty ready queue = %v, want nil", got)
	}
}

func TestReleaseAndScheduleRequeues(t *testing.T) {
	s := New()
	p1 := proc.New(1, "a", true, nil)
	s.AcceptNewProcess(p1)

	curr := s.Schedule(0)
	if curr == nil {
		t.Fatalf("expected a process to schedule")
	}

	next := s.ReleaseAndSchedule(0, curr, proc.SavedCPUState{Kind: proc.StateNone}, nil)
	if next == nil || next.PID != 1 {
		t.Fatalf("expected pid 1 to be requeued and rescheduled immediately, got %v", next)
	}
}

func TestReleaseAndScheduleSleeps(t *testing.T) {
	s := New()
	p1 := proc.New(1, "a", true, nil)
	s.AcceptNewProcess(p1)
	curr := s.Schedule(0)

	cond := &SleepCondition{IsTimed: true, WakeAt: 100}
	next := s.ReleaseAndSchedule(0, curr, proc.SavedCPUState{Kind: proc.StateNone}, cond)
	if next != nil {
		t.Fatalf("expected no process ready while pid 1 sleeps, got %v", next)
	}

	s.WakeSleeping(50)
	if got := s.Schedule(0); got != nil {
		t.Fatalf("expected pid 1 to still be asleep at t=50, got %v", got)
	}

	s.WakeSleeping(150)
	if got := s.Schedule(0); got == nil || got.PID != 1 {
		t.Fatalf("expected pid 1 to wake and schedule at t=150, got %v", got)
	}
}

func TestRemoveProcessPurgesOnRelease(t *testing.T) {
	s := New()
	p1 := proc.New(1, "a", true, nil)
	s.AcceptNewProcess(p1)
	curr := s.Schedule(0)

	s.RemoveProcess(1)
	next := s.ReleaseAndSchedule(0, curr, proc.SavedCPUState{Kind: proc.StateNone}, nil)
	if next != nil {
		t.Fatalf("expected removed process not to be rescheduled, got %v", next)
	}
	if _, ok := s.ProcessByPID(1); ok {
		t.Fatalf("expected pid 1 to be purged from the task table")
	}
}

func TestWakeProcessDirect(t *testing.T) {
	s := New()
	p1 := proc.New(1, "a", true, nil)
	s.AcceptNewProcess(p1)
	curr := s.Schedule(0)

	// Event-based sleep: IsTimed is false, so WakeSleeping never wakes it.
	s.ReleaseAndSchedule(0, curr, proc.SavedCPUState{Kind: proc.StateNone}, &SleepCondition{})
	s.WakeSleeping(1 << 40)
	if got := s.Schedule(0); got != nil {
		t.Fatalf("expected event-sleeper to stay asleep through WakeSleeping, got %v", got)
	}

	if !s.WakeProcess(1) {
		t.Fatalf("expected WakeProcess to find pid 1")
	}
	if got := s.Schedule(0); got == nil || got.PID != 1 {
		t.Fatalf("expected pid 1 scheduled after WakeProcess, got %v", got)
	}
}
