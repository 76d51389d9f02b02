package engine

import (
	"errors"
	"strings"
	"time"
)

// Status values use the original schema's wire strings so the persisted
// layout stays a stable contract for the view layer.
type Status string

const (
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

var ErrUnknownStatus = errors.New("unknown status")

func ParseStatus(raw string) (Status, error) {
	switch strings.TrimSpace(raw) {
	case string(StatusTodo):
		return StatusTodo, nil
	case string(StatusInProgress):
		return StatusInProgress, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	default:
		return "", ErrUnknownStatus
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var ErrUnknownPriority = errors.New("unknown priority")

func ParsePriority(raw string) (Priority, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "":
		return PriorityMedium, nil
	case string(PriorityLow):
		return PriorityLow, nil
	case string(PriorityMedium):
		return PriorityMedium, nil
	case string(PriorityHigh):
		return PriorityHigh, nil
	default:
		return "", ErrUnknownPriority
	}
}

// Task is the full snapshot returned to callers. Version is the optimistic
// concurrency counter maintained by the store; a stale Version on write
// surfaces as ErrConflict.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Version     int64      `json:"version"`
}

// User is the resolved reference the engine keeps for notification
// rendering; identity ownership lives elsewhere.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type NotificationKind string

const (
	KindAssigned        NotificationKind = "assigned"
	KindReassigned      NotificationKind = "reassigned"
	KindStatusChanged   NotificationKind = "status_changed"
	KindProgressUpdated NotificationKind = "progress_updated"
	KindDueSoon         NotificationKind = "due_soon"
)

type Notification struct {
	ID        string           `json:"id"`
	Recipient string           `json:"recipient"`
	TaskID    string           `json:"task_id"`
	Kind      NotificationKind `json:"kind"`
	Message   string           `json:"message"`
	DedupeKey string           `json:"dedupe_key"`
	CreatedAt time.Time        `json:"created_at"`
	ReadAt    *time.Time       `json:"read_at,omitempty"`
}

type Op string

const (
	OpCreate      Op = "create"
	OpSetStatus   Op = "set-status"
	OpSetProgress Op = "set-progress"
	OpReassign    Op = "reassign"
	OpEdit        Op = "edit"
)

type TaskInput struct {
	Title       string
	Description string
	Assignee    string
	Priority    Priority
	DueDate     *time.Time
}

// EditFields patches descriptive fields only. Nil pointers leave the field
// unchanged; status and progress are deliberately absent (they go through
// OpSetStatus / OpSetProgress so they can never diverge).
type EditFields struct {
	Title       *string
	Description *string
	Priority    *Priority
	DueDate     *time.Time
}

// Mutation is the closed tagged variant accepted by Apply. Exactly the
// fields for the given Op are read; there is no free-form patch.
type Mutation struct {
	Op       Op
	TaskID   string
	Input    TaskInput
	Status   Status
	Progress int
	Assignee string
	Edit     EditFields
}

func CreateMutation(input TaskInput) Mutation {
	return Mutation{Op: OpCreate, Input: input}
}

func SetStatusMutation(taskID string, status Status) Mutation {
	return Mutation{Op: OpSetStatus, TaskID: taskID, Status: status}
}

func SetProgressMutation(taskID string, progress int) Mutation {
	return Mutation{Op: OpSetProgress, TaskID: taskID, Progress: progress}
}

func ReassignMutation(taskID, assignee string) Mutation {
	return Mutation{Op: OpReassign, TaskID: taskID, Assignee: assignee}
}

func EditMutation(taskID string, edit EditFields) Mutation {
	return Mutation{Op: OpEdit, TaskID: taskID, Edit: edit}
}
