package domain

import "testing"

func TestTaskTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskRunning, true},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskPending, TaskCompleted, false},
		{TaskCompleted, TaskPending, false},
		{TaskFailed, TaskPending, false},
		{TaskFailed, TaskRunning, false},
		{TaskCompleted, TaskRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransitionTask(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestTaskRetryEligibility(t *testing.T) {
	task := OrchestrationTask{Status: TaskFailed, RetryCount: 1, MaxRetries: 2}
	if !task.CanRetry() {
		t.Fatal("expected failed task with retries left to be retryable")
	}
	task.RetryCount = 2
	if task.CanRetry() {
		t.Fatal("expected exhausted task to be non-retryable")
	}
	if !task.Exhausted() {
		t.Fatal("expected exhausted flag")
	}
	task.Status = TaskCompleted
	if task.CanRetry() || task.Exhausted() {
		t.Fatal("completed task must be neither retryable nor exhausted")
	}
}

func TestActionTransitions(t *testing.T) {
	cases := []struct {
		from, to ActionStatus
		want     bool
	}{
		{ActionPending, ActionExecuting, true},
		{ActionPending, ActionCancelled, true},
		{ActionExecuting, ActionCompleted, true},
		{ActionExecuting, ActionFailed, true},
		{ActionExecuting, ActionCancelled, false},
		{ActionCompleted, ActionPending, false},
		{ActionCancelled, ActionExecuting, false},
		{ActionFailed, ActionExecuting, false},
	}
	for _, tc := range cases {
		if got := CanTransitionAction(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
	for _, s := range []ActionStatus{ActionCompleted, ActionFailed, ActionCancelled} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	if ActionPending.Terminal() {
		t.Fatal("pending must not be terminal")
	}
}
