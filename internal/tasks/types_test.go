package tasks

import (
	"errors"
	"testing"
	"time"
)

func TestPageTaskForwardLifecycle(t *testing.T) {
	now := time.Now().UTC()
	task := New(4, 1, now)
	if task.Status != StatusPending {
		t.Fatalf("Status = %q, want %q", task.Status, StatusPending)
	}

	if err := task.Start(now); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if task.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", task.Attempts)
	}
	if err := task.AddAttempt(); err != nil {
		t.Fatalf("AddAttempt() error = %v", err)
	}
	if err := task.Complete("ref-4", now); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if task.Status != StatusCompleted || task.ResultRef != "ref-4" || task.Attempts != 2 {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if !task.Terminal() {
		t.Fatalf("Terminal() = false, want true")
	}
}

func TestPageTaskRejectsBackwardMoves(t *testing.T) {
	now := time.Now().UTC()

	pending := New(1, 1, now)
	if err := pending.Complete("x", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Complete() from pending error = %v, want ErrInvalidTransition", err)
	}
	if err := pending.AddAttempt(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("AddAttempt() from pending error = %v, want ErrInvalidTransition", err)
	}

	done := New(2, 2, now)
	_ = done.Start(now)
	_ = done.Fail("boom", now)
	if err := done.Start(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Start() from failed error = %v, want ErrInvalidTransition", err)
	}
	if err := done.Complete("late", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Complete() from failed error = %v, want ErrInvalidTransition", err)
	}
	if done.Status != StatusFailed || done.Error != "boom" {
		t.Fatalf("failed task mutated: %+v", done)
	}
}

func TestCanTransitionTable(t *testing.T) {
	all := []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusInProgress}:   true,
		{StatusInProgress, StatusCompleted}: true,
		{StatusInProgress, StatusFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			if want && !NotBefore(from, to) {
				t.Fatalf("NotBefore(%s, %s) = false for an allowed move", from, to)
			}
		}
	}
}
