package engine

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func todoTask(assignee string) Task {
	return Task{
		ID:        "task-1",
		Title:     "Design spec",
		Assignee:  assignee,
		Priority:  PriorityMedium,
		Status:    StatusTodo,
		Progress:  0,
		CreatedBy: "user-creator",
		Version:   1,
	}
}

func TestTransition_CreateDefaults(t *testing.T) {
	task, err := transition(Task{}, CreateMutation(TaskInput{Title: "  Design spec  "}), testNow)
	if err != nil {
		t.Fatalf("create returned error: %v", err)
	}
	if task.Title != "Design spec" {
		t.Fatalf("title not trimmed: %q", task.Title)
	}
	if task.Status != StatusTodo || task.Progress != 0 {
		t.Fatalf("new task not Todo/0: %s/%d", task.Status, task.Progress)
	}
	if task.Priority != PriorityMedium {
		t.Fatalf("default priority not medium: %s", task.Priority)
	}
}

func TestTransition_CreateRequiresTitle(t *testing.T) {
	_, err := transition(Task{}, CreateMutation(TaskInput{Title: "   "}), testNow)
	if !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
}

func TestTransition_StartRequiresAssignee(t *testing.T) {
	_, err := transition(todoTask(""), SetStatusMutation("task-1", StatusInProgress), testNow)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	task, err := transition(todoTask("user-42"), SetStatusMutation("task-1", StatusInProgress), testNow)
	if err != nil {
		t.Fatalf("start with assignee failed: %v", err)
	}
	if task.Status != StatusInProgress || task.Progress != 0 {
		t.Fatalf("expected In Progress/0, got %s/%d", task.Status, task.Progress)
	}
}

func TestTransition_StatusTable(t *testing.T) {
	inProgress := todoTask("user-42")
	inProgress.Status = StatusInProgress
	inProgress.Progress = 40

	completed := todoTask("user-42")
	completed.Status = StatusCompleted
	completed.Progress = 100

	cases := []struct {
		name       string
		from       Task
		target     Status
		wantStatus Status
		wantProg   int
		wantErr    bool
	}{
		{"complete from in progress", inProgress, StatusCompleted, StatusCompleted, 100, false},
		{"reopen from completed", completed, StatusTodo, StatusTodo, 0, false},
		{"todo straight to completed", todoTask("user-42"), StatusCompleted, "", 0, true},
		{"in progress back to todo", inProgress, StatusTodo, "", 0, true},
		{"complete twice", completed, StatusCompleted, "", 0, true},
		{"reopen a todo", todoTask("user-42"), StatusTodo, "", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := transition(tc.from, SetStatusMutation(tc.from.ID, tc.target), testNow)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != tc.wantStatus || got.Progress != tc.wantProg {
				t.Fatalf("got %s/%d, want %s/%d", got.Status, got.Progress, tc.wantStatus, tc.wantProg)
			}
		})
	}
}

func TestTransition_ProgressRecomputesStatus(t *testing.T) {
	started := todoTask("user-42")
	started.Status = StatusInProgress

	completed := todoTask("user-42")
	completed.Status = StatusCompleted
	completed.Progress = 100

	cases := []struct {
		name       string
		from       Task
		progress   int
		wantStatus Status
	}{
		{"todo stays todo at zero", todoTask(""), 0, StatusTodo},
		{"started stays in progress at zero", started, 0, StatusInProgress},
		{"midway forces in progress", todoTask(""), 55, StatusInProgress},
		{"hundred forces completed", started, 100, StatusCompleted},
		{"completed drops back on partial", completed, 60, StatusInProgress},
		{"completed drops to todo on zero", completed, 0, StatusTodo},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := transition(tc.from, SetProgressMutation(tc.from.ID, tc.progress), testNow)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != tc.wantStatus || got.Progress != tc.progress {
				t.Fatalf("got %s/%d, want %s/%d", got.Status, got.Progress, tc.wantStatus, tc.progress)
			}
		})
	}
}

func TestTransition_ProgressOutOfRange(t *testing.T) {
	for _, p := range []int{-1, 101, 1000} {
		before := todoTask("user-42")
		_, err := transition(before, SetProgressMutation("task-1", p), testNow)
		if !errors.Is(err, ErrInvalidProgress) {
			t.Fatalf("progress %d: expected ErrInvalidProgress, got %v", p, err)
		}
	}
}

func TestTransition_ReassignAndEditKeepStatus(t *testing.T) {
	started := todoTask("user-42")
	started.Status = StatusInProgress
	started.Progress = 30

	got, err := transition(started, ReassignMutation("task-1", "user-7"), testNow)
	if err != nil {
		t.Fatalf("reassign failed: %v", err)
	}
	if got.Assignee != "user-7" || got.Status != StatusInProgress || got.Progress != 30 {
		t.Fatalf("reassign changed lifecycle fields: %+v", got)
	}

	title := "Revised title"
	high := PriorityHigh
	got, err = transition(started, EditMutation("task-1", EditFields{Title: &title, Priority: &high}), testNow)
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if got.Title != "Revised title" || got.Priority != PriorityHigh {
		t.Fatalf("edit not applied: %+v", got)
	}
	if got.Status != StatusInProgress || got.Progress != 30 {
		t.Fatalf("edit changed lifecycle fields: %+v", got)
	}
}

// The core invariant: Completed and progress 100 imply each other after
// any sequence of valid mutations.
func TestStatusProgressNeverDiverge(t *testing.T) {
	task := todoTask("user-42")
	mutations := []Mutation{
		SetProgressMutation("task-1", 10),
		SetProgressMutation("task-1", 0),
		SetStatusMutation("task-1", StatusCompleted),
		SetStatusMutation("task-1", StatusTodo),
		SetProgressMutation("task-1", 100),
		SetProgressMutation("task-1", 50),
		ReassignMutation("task-1", "user-7"),
		SetProgressMutation("task-1", 100),
	}
	for i, m := range mutations {
		next, err := transition(task, m, testNow)
		if err != nil {
			// Invalid transitions leave the snapshot untouched.
			continue
		}
		task = next
		completed := task.Status == StatusCompleted
		full := task.Progress == 100
		if completed != full {
			t.Fatalf("step %d: status %s with progress %d", i, task.Status, task.Progress)
		}
	}
}
