package engine

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("task was modified concurrently")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	Assignee string
	Status   Status
}

// Store is the engine's only shared mutable resource. All concurrency
// control is delegated to its optimistic-versioning contract: PutTask
// rejects a stale Version with ErrConflict.
type Store interface {
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)

	// PutTask inserts (Version == 0) or updates (Version > 0, checked
	// against the stored row) and returns the stored snapshot with its
	// bumped version and timestamps.
	PutTask(ctx context.Context, task Task) (Task, error)

	// PutNotifications persists a batch atomically, silently skipping
	// records whose dedupe key is already present.
	PutNotifications(ctx context.Context, batch []Notification) error

	ListNotifications(ctx context.Context, recipient string, unreadOnly bool) ([]Notification, error)
	MarkRead(ctx context.Context, recipient, notificationID string, at time.Time) error

	// DueSoonCandidates lists unfinished tasks whose due date falls within
	// the window after now. Consumed by the scheduled sweep.
	DueSoonCandidates(ctx context.Context, now time.Time, window time.Duration) ([]Task, error)
}
