package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fintask/engine/internal/contracts"
	"github.com/fintask/engine/internal/messaging"
)

type fakeStore struct {
	mu            sync.Mutex
	tasks         map[string]Task
	notifications []Notification
	dedupe        map[string]bool

	putTaskConflicts int
	putNotifErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:  map[string]Task{},
		dedupe: map[string]bool{},
	}
}

func (f *fakeStore) GetTask(_ context.Context, id string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (f *fakeStore) ListTasks(_ context.Context, filter TaskFilter) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, t := range f.tasks {
		if filter.Assignee != "" && t.Assignee != filter.Assignee {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) PutTask(_ context.Context, task Task) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putTaskConflicts > 0 {
		f.putTaskConflicts--
		return Task{}, fmt.Errorf("task %s: %w", task.ID, ErrConflict)
	}
	stored, ok := f.tasks[task.ID]
	if task.Version == 0 {
		if ok {
			return Task{}, fmt.Errorf("task %s: %w", task.ID, ErrConflict)
		}
		task.Version = 1
	} else {
		if !ok {
			return Task{}, fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
		}
		if stored.Version != task.Version {
			return Task{}, fmt.Errorf("task %s: %w", task.ID, ErrConflict)
		}
		task.Version++
	}
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeStore) PutNotifications(_ context.Context, batch []Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putNotifErr != nil {
		return f.putNotifErr
	}
	for _, n := range batch {
		if f.dedupe[n.DedupeKey] {
			continue
		}
		f.dedupe[n.DedupeKey] = true
		f.notifications = append(f.notifications, n)
	}
	return nil
}

func (f *fakeStore) ListNotifications(_ context.Context, recipient string, unreadOnly bool) ([]Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notification
	for _, n := range f.notifications {
		if n.Recipient != recipient {
			continue
		}
		if unreadOnly && n.ReadAt != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeStore) MarkRead(_ context.Context, recipient, notificationID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.notifications {
		if n.ID == notificationID && n.Recipient == recipient {
			if n.ReadAt == nil {
				f.notifications[i].ReadAt = &at
			}
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
}

func (f *fakeStore) DueSoonCandidates(_ context.Context, now time.Time, window time.Duration) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, t := range f.tasks {
		if t.DueDate == nil || t.Status == StatusCompleted {
			continue
		}
		if !t.DueDate.After(now.Add(window)) {
			out = append(out, t)
		}
	}
	return out, nil
}

type publishRecord struct {
	subject string
	payload []byte
}

func testService(store *fakeStore, dir UserDirectory, published *[]publishRecord) *Service {
	seq := 0
	svc := NewService(store, dir, func(subject string, payload []byte) error {
		if published != nil {
			*published = append(*published, publishRecord{subject: subject, payload: payload})
		}
		return nil
	})
	svc.Now = func() time.Time { return testNow }
	svc.NewID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	svc.Dispatcher.NewID = svc.NewID
	svc.RetryBackoff = time.Millisecond
	return svc
}

func TestApply_CreateWithAssigneeNotifies(t *testing.T) {
	store := newFakeStore()
	dir := newFakeDirectory(userAlice, userCreator)
	var published []publishRecord
	svc := testService(store, dir, &published)

	task, err := svc.CreateTask(context.Background(), userCreator.ID, TaskInput{
		Title:    "Design spec",
		Assignee: userAlice.ID,
	})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}
	if task.Status != StatusTodo || task.Progress != 0 || task.CreatedBy != userCreator.ID {
		t.Fatalf("unexpected snapshot: %+v", task)
	}
	if task.Version != 1 {
		t.Fatalf("expected version 1, got %d", task.Version)
	}

	inbox, _ := store.ListNotifications(context.Background(), userAlice.ID, false)
	if len(inbox) != 1 || inbox[0].Kind != KindAssigned {
		t.Fatalf("expected one Assigned notification for assignee, got %+v", inbox)
	}
	creatorInbox, _ := store.ListNotifications(context.Background(), userCreator.ID, false)
	if len(creatorInbox) != 0 {
		t.Fatalf("actor must not notify themselves: %+v", creatorInbox)
	}

	found := false
	for _, p := range published {
		if p.subject == messaging.UserSubject(userAlice.ID) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected live publish to %s, got %+v", messaging.UserSubject(userAlice.ID), published)
	}
}

func TestApply_UnknownActor(t *testing.T) {
	svc := testService(newFakeStore(), newFakeDirectory(), nil)
	_, err := svc.CreateTask(context.Background(), "user-ghost", TaskInput{Title: "x"})
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestApply_ValidationFailsBeforeWrite(t *testing.T) {
	store := newFakeStore()
	dir := newFakeDirectory(userAlice, userCreator)
	svc := testService(store, dir, nil)

	task, err := svc.CreateTask(context.Background(), userCreator.ID, TaskInput{Title: "Design spec"})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	_, err = svc.UpdateProgress(context.Background(), userCreator.ID, task.ID, 250)
	if !errors.Is(err, ErrInvalidProgress) {
		t.Fatalf("expected ErrInvalidProgress, got %v", err)
	}
	unchanged, _ := store.GetTask(context.Background(), task.ID)
	if unchanged.Progress != 0 || unchanged.Version != 1 {
		t.Fatalf("invalid mutation was partially applied: %+v", unchanged)
	}
}

func TestApply_ConflictRetriesThenSucceeds(t *testing.T) {
	store := newFakeStore()
	dir := newFakeDirectory(userAlice, userCreator)
	svc := testService(store, dir, nil)

	task, err := svc.CreateTask(context.Background(), userCreator.ID, TaskInput{Title: "Design spec", Assignee: userAlice.ID})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	store.putTaskConflicts = 2
	got, err := svc.UpdateProgress(context.Background(), userAlice.ID, task.ID, 40)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got.Progress != 40 || got.Status != StatusInProgress {
		t.Fatalf("unexpected snapshot after retry: %+v", got)
	}
}

func TestApply_ConflictExhaustsRetries(t *testing.T) {
	store := newFakeStore()
	dir := newFakeDirectory(userAlice, userCreator)
	svc := testService(store, dir, nil)

	task, err := svc.CreateTask(context.Background(), userCreator.ID, TaskInput{Title: "Design spec", Assignee: userAlice.ID})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	store.putTaskConflicts = 10
	_, err = svc.UpdateProgress(context.Background(), userAlice.ID, task.ID, 40)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict after exhausted retries, got %v", err)
	}
}

func TestApply_NotificationFailureQueuesRedeliveryAndSucceeds(t *testing.T) {
	store := newFakeStore()
	dir := newFakeDirectory(userAlice, userBob, userCreator)
	var published []publishRecord
	svc := testService(store, dir, &published)

	task, err := svc.CreateTask(context.Background(), userCreator.ID, TaskInput{Title: "Design spec", Assignee: userAlice.ID})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	published = published[:0]
	store.putNotifErr = errors.New("inbox write refused")
	got, err := svc.Reassign(context.Background(), userCreator.ID, task.ID, userBob.ID)
	if err != nil {
		t.Fatalf("mutation must survive a notification write failure: %v", err)
	}
	if got.Assignee != userBob.ID {
		t.Fatalf("reassign not applied: %+v", got)
	}

	if len(published) != 1 || published[0].subject != messaging.RedeliverySubject {
		t.Fatalf("expected one redelivery publish, got %+v", published)
	}
	var batch contracts.NotificationBatch
	if err := json.Unmarshal(published[0].payload, &batch); err != nil {
		t.Fatalf("redelivery payload invalid JSON: %v", err)
	}
	if batch.TaskID != task.ID || len(batch.Notifications) != 2 {
		t.Fatalf("unexpected redelivery batch: %+v", batch)
	}
}

func TestApply_ReplayedBatchDedupesAtStore(t *testing.T) {
	store := newFakeStore()
	dir := newFakeDirectory(userAlice, userBob, userCreator)
	svc := testService(store, dir, nil)

	task, err := svc.CreateTask(context.Background(), userCreator.ID, TaskInput{Title: "Design spec", Assignee: userAlice.ID})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}
	if _, err := svc.Reassign(context.Background(), userCreator.ID, task.ID, userBob.ID); err != nil {
		t.Fatalf("Reassign returned error: %v", err)
	}

	// Re-insert the same batch as the redelivery consumer would.
	before := len(store.notifications)
	replay := make([]Notification, len(store.notifications))
	copy(replay, store.notifications)
	if err := store.PutNotifications(context.Background(), replay); err != nil {
		t.Fatalf("replay insert failed: %v", err)
	}
	if len(store.notifications) != before {
		t.Fatalf("replay duplicated notifications: %d -> %d", before, len(store.notifications))
	}
}

func TestSweepDueSoon(t *testing.T) {
	store := newFakeStore()
	dir := newFakeDirectory(userAlice, userCreator)
	svc := testService(store, dir, nil)

	due := testNow.Add(6 * time.Hour)
	task, err := svc.CreateTask(context.Background(), userCreator.ID, TaskInput{
		Title:    "Design spec",
		Assignee: userAlice.ID,
		DueDate:  &due,
	})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	emitted, err := svc.SweepDueSoon(context.Background())
	if err != nil {
		t.Fatalf("SweepDueSoon returned error: %v", err)
	}
	if emitted != 1 {
		t.Fatalf("expected 1 due-soon notification, got %d", emitted)
	}

	inbox, _ := store.ListNotifications(context.Background(), userAlice.ID, true)
	dueSoon := 0
	for _, n := range inbox {
		if n.Kind == KindDueSoon && n.TaskID == task.ID {
			dueSoon++
		}
	}
	if dueSoon != 1 {
		t.Fatalf("expected one DueSoon in inbox, got %+v", inbox)
	}

	// A second sweep in the same window must not add another record.
	if _, err := svc.SweepDueSoon(context.Background()); err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	inbox, _ = store.ListNotifications(context.Background(), userAlice.ID, true)
	dueSoon = 0
	for _, n := range inbox {
		if n.Kind == KindDueSoon {
			dueSoon++
		}
	}
	if dueSoon != 1 {
		t.Fatalf("repeated sweep duplicated DueSoon: %+v", inbox)
	}
}

func TestMarkRead(t *testing.T) {
	store := newFakeStore()
	dir := newFakeDirectory(userAlice, userCreator)
	svc := testService(store, dir, nil)

	if _, err := svc.CreateTask(context.Background(), userCreator.ID, TaskInput{Title: "Design spec", Assignee: userAlice.ID}); err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	inbox, _ := svc.ListNotifications(context.Background(), userAlice.ID, true)
	if len(inbox) != 1 {
		t.Fatalf("expected one unread notification, got %+v", inbox)
	}
	if err := svc.MarkRead(context.Background(), userAlice.ID, inbox[0].ID); err != nil {
		t.Fatalf("MarkRead returned error: %v", err)
	}
	unread, _ := svc.ListNotifications(context.Background(), userAlice.ID, true)
	if len(unread) != 0 {
		t.Fatalf("notification still unread: %+v", unread)
	}

	if err := svc.MarkRead(context.Background(), userCreator.ID, inbox[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign recipient should get ErrNotFound, got %v", err)
	}
}

// Full lifecycle: create, reassign, start, finish, reopen.
func TestTaskLifecycleEndToEnd(t *testing.T) {
	store := newFakeStore()
	u42 := User{ID: "user-42", Name: "Uma", Email: "uma@example.com"}
	dir := newFakeDirectory(u42, userCreator)
	svc := testService(store, dir, nil)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, userCreator.ID, TaskInput{Title: "Design spec"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != StatusTodo || task.Progress != 0 {
		t.Fatalf("fresh task not Todo/0: %+v", task)
	}

	// Starting an unassigned task fails.
	if _, err := svc.UpdateStatus(ctx, userCreator.ID, task.ID, StatusInProgress); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start without assignee: expected ErrInvalidTransition, got %v", err)
	}

	task, err = svc.Reassign(ctx, userCreator.ID, task.ID, u42.ID)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	inbox, _ := store.ListNotifications(ctx, u42.ID, true)
	if len(inbox) != 1 || inbox[0].Kind != KindAssigned {
		t.Fatalf("expected Assigned queued for user-42, got %+v", inbox)
	}

	task, err = svc.UpdateStatus(ctx, u42.ID, task.ID, StatusInProgress)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.Status != StatusInProgress {
		t.Fatalf("expected In Progress, got %s", task.Status)
	}

	task, err = svc.UpdateProgress(ctx, u42.ID, task.ID, 100)
	if err != nil {
		t.Fatalf("setProgress(100): %v", err)
	}
	if task.Status != StatusCompleted || task.Progress != 100 {
		t.Fatalf("expected Completed/100, got %s/%d", task.Status, task.Progress)
	}

	// The creator hears about the completion as a status change, not a
	// progress update.
	creatorInbox, _ := store.ListNotifications(ctx, userCreator.ID, true)
	var kinds []NotificationKind
	for _, n := range creatorInbox {
		if n.TaskID == task.ID {
			kinds = append(kinds, n.Kind)
		}
	}
	sawCompletion := false
	for _, k := range kinds {
		if k == KindProgressUpdated {
			t.Fatalf("ProgressUpdated should be suppressed on completion: %v", kinds)
		}
		if k == KindStatusChanged {
			sawCompletion = true
		}
	}
	if !sawCompletion {
		t.Fatalf("creator never saw a StatusChanged: %v", kinds)
	}

	task, err = svc.UpdateStatus(ctx, u42.ID, task.ID, StatusTodo)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if task.Status != StatusTodo || task.Progress != 0 {
		t.Fatalf("reopen expected Todo/0, got %s/%d", task.Status, task.Progress)
	}
}
