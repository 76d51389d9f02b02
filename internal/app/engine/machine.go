package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTitleRequired     = errors.New("title is required")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidProgress   = errors.New("progress must be between 0 and 100")
	ErrUnsupportedOp     = errors.New("unsupported mutation op")
)

// transition applies one mutation to a snapshot and returns the next
// snapshot without touching any store. All status/progress writes funnel
// through normalize so the two fields can never contradict each other.
func transition(cur Task, m Mutation, now time.Time) (Task, error) {
	switch m.Op {
	case OpCreate:
		return newTask(m.Input, now)
	case OpSetStatus:
		return applyStatus(cur, m.Status)
	case OpSetProgress:
		return applyProgress(cur, m.Progress)
	case OpReassign:
		next := cur
		next.Assignee = strings.TrimSpace(m.Assignee)
		return next, nil
	case OpEdit:
		return applyEdit(cur, m.Edit), nil
	default:
		return Task{}, fmt.Errorf("%w: %q", ErrUnsupportedOp, m.Op)
	}
}

func newTask(input TaskInput, now time.Time) (Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return Task{}, ErrTitleRequired
	}
	priority := input.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	t := Task{
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Assignee:    strings.TrimSpace(input.Assignee),
		Priority:    priority,
		Status:      StatusTodo,
		Progress:    0,
		DueDate:     input.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	normalize(&t)
	return t, nil
}

// applyStatus implements the explicit transitions: start, complete, reopen.
// Anything outside the table is rejected before any write happens.
func applyStatus(cur Task, target Status) (Task, error) {
	next := cur
	switch {
	case cur.Status == StatusTodo && target == StatusInProgress:
		if cur.Assignee == "" {
			return Task{}, fmt.Errorf("%w: cannot start a task with no assignee", ErrInvalidTransition)
		}
		next.Status = StatusInProgress
	case cur.Status == StatusInProgress && target == StatusCompleted:
		next.Status = StatusCompleted
		next.Progress = 100
	case cur.Status == StatusCompleted && target == StatusTodo:
		next.Status = StatusTodo
		next.Progress = 0
	default:
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, target)
	}
	normalize(&next)
	return next, nil
}

// applyProgress recomputes status from the new progress value. Progress 0
// keeps an explicitly started task In Progress; anything else derives the
// status directly.
func applyProgress(cur Task, progress int) (Task, error) {
	if progress < 0 || progress > 100 {
		return Task{}, fmt.Errorf("%w: got %d", ErrInvalidProgress, progress)
	}
	next := cur
	next.Progress = progress
	switch {
	case progress == 100:
		next.Status = StatusCompleted
	case progress > 0:
		next.Status = StatusInProgress
	case cur.Status == StatusCompleted:
		next.Status = StatusTodo
	}
	normalize(&next)
	return next, nil
}

func applyEdit(cur Task, edit EditFields) Task {
	next := cur
	if edit.Title != nil {
		if title := strings.TrimSpace(*edit.Title); title != "" {
			next.Title = title
		}
	}
	if edit.Description != nil {
		next.Description = strings.TrimSpace(*edit.Description)
	}
	if edit.Priority != nil {
		next.Priority = *edit.Priority
	}
	if edit.DueDate != nil {
		due := *edit.DueDate
		next.DueDate = &due
	}
	return next
}

// normalize is the single place that couples status and progress:
// Completed always means 100, 1-99 always means In Progress, and 0 means
// Todo unless the task was explicitly started.
func normalize(t *Task) {
	if t.Status == StatusCompleted {
		t.Progress = 100
		return
	}
	switch {
	case t.Progress >= 100:
		t.Progress = 100
		t.Status = StatusCompleted
	case t.Progress > 0:
		t.Status = StatusInProgress
	case t.Status != StatusInProgress:
		t.Status = StatusTodo
	}
}
