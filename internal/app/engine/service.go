package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nuid"

	"github.com/fintask/engine/internal/contracts"
	"github.com/fintask/engine/internal/messaging"
	"github.com/fintask/engine/internal/platform/metrics"
)

var (
	mutationsApplied = metrics.NewCounterVec(metrics.Opts{
		Name: "engine_mutations_total",
		Help: "Task mutations applied, by operation.",
	}, []string{"op"})
	conflictRetries = metrics.NewCounter(metrics.Opts{
		Name: "engine_conflict_retries_total",
		Help: "Optimistic-concurrency conflicts that triggered a retry.",
	})
	notificationsEmitted = metrics.NewCounterVec(metrics.Opts{
		Name: "engine_notifications_total",
		Help: "Notifications persisted, by kind.",
	}, []string{"kind"})
	redeliveriesQueued = metrics.NewCounter(metrics.Opts{
		Name: "engine_notification_redeliveries_total",
		Help: "Notification batches queued for out-of-band redelivery.",
	})
)

func init() {
	metrics.Default.MustRegister(mutationsApplied, conflictRetries, notificationsEmitted, redeliveriesQueued)
}

type PublishFunc func(subject string, payload []byte) error

// Service is the engine facade: the single entry point the HTTP layer
// calls. It orchestrates the state machine, the assignment resolver and
// the notification dispatcher around one task mutation as one logical
// unit, retrying the full read-validate-write cycle on write conflicts.
type Service struct {
	Store      Store
	Directory  UserDirectory
	Dispatcher *Dispatcher

	// Publish feeds the live notification channel and the redelivery
	// queue. Nil disables both; mutations still succeed.
	Publish PublishFunc

	Now   func() time.Time
	NewID func() string

	MaxAttempts   int
	RetryBackoff  time.Duration
	DueSoonWindow time.Duration
}

func NewService(store Store, directory UserDirectory, publish PublishFunc) *Service {
	return &Service{
		Store:         store,
		Directory:     directory,
		Dispatcher:    &Dispatcher{NewID: nuid.Next},
		Publish:       publish,
		Now:           func() time.Time { return time.Now().UTC() },
		NewID:         nuid.Next,
		MaxAttempts:   3,
		RetryBackoff:  25 * time.Millisecond,
		DueSoonWindow: 24 * time.Hour,
	}
}

// Apply validates and applies one mutation on behalf of actorID and
// returns the stored snapshot. Validation failures surface before any
// write; ErrConflict is retried up to MaxAttempts with backoff.
func (s *Service) Apply(ctx context.Context, actorID string, m Mutation) (Task, error) {
	actor, err := s.Directory.Resolve(ctx, actorID)
	if err != nil {
		return Task{}, fmt.Errorf("resolve actor %q: %w", actorID, err)
	}

	var lastErr error
	for attempt := 0; attempt < s.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Task{}, ctx.Err()
			case <-time.After(s.RetryBackoff * time.Duration(attempt)):
			}
		}

		snapshot, err := s.applyOnce(ctx, actor, m)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				conflictRetries.Inc()
				lastErr = err
				continue
			}
			return Task{}, err
		}
		mutationsApplied.WithLabelValues(string(m.Op)).Inc()
		return snapshot, nil
	}
	return Task{}, lastErr
}

func (s *Service) applyOnce(ctx context.Context, actor User, m Mutation) (Task, error) {
	var cur Task
	if m.Op != OpCreate {
		var err error
		cur, err = s.Store.GetTask(ctx, m.TaskID)
		if err != nil {
			return Task{}, err
		}
	}

	now := s.Now()
	next, err := transition(cur, m, now)
	if err != nil {
		return Task{}, err
	}
	base := cur
	if m.Op == OpCreate {
		next.ID = s.NewID()
		next.CreatedBy = actor.ID
		base = Task{Status: StatusTodo}
	}

	parties, err := resolveParties(ctx, s.Directory, cur, next, m)
	if err != nil {
		return Task{}, err
	}

	stored, err := s.Store.PutTask(ctx, next)
	if err != nil {
		return Task{}, err
	}

	// The task write is final from here on; notification persistence may
	// only partially succeed and is then redelivered out of band.
	batch := s.Dispatcher.Dispatch(base, stored, parties, actor, now)
	s.deliver(ctx, stored.ID, batch)

	return stored, nil
}

func (s *Service) deliver(ctx context.Context, taskID string, batch []Notification) {
	if len(batch) == 0 {
		return
	}
	if err := s.Store.PutNotifications(ctx, batch); err != nil {
		log.Printf("notification write failed for task %s, queueing redelivery: %v", taskID, err)
		s.queueRedelivery(taskID, batch)
		return
	}
	for _, n := range batch {
		notificationsEmitted.WithLabelValues(string(n.Kind)).Inc()
	}
	s.publishLive(batch)
}

func (s *Service) queueRedelivery(taskID string, batch []Notification) {
	redeliveriesQueued.Inc()
	if s.Publish == nil {
		log.Printf("no redelivery queue configured, dropping %d notifications for task %s", len(batch), taskID)
		return
	}
	wire := contracts.NotificationBatch{TaskID: taskID, Notifications: toEvents(batch)}
	payload, err := json.Marshal(wire)
	if err != nil {
		log.Printf("marshal redelivery batch for task %s: %v", taskID, err)
		return
	}
	if err := s.Publish(messaging.RedeliverySubject, payload); err != nil {
		log.Printf("queue redelivery batch for task %s: %v", taskID, err)
	}
}

func (s *Service) publishLive(batch []Notification) {
	if s.Publish == nil {
		return
	}
	for _, n := range batch {
		payload, err := json.Marshal(toEvent(n))
		if err != nil {
			continue
		}
		if err := s.Publish(messaging.UserSubject(n.Recipient), payload); err != nil {
			log.Printf("live notification publish to %s failed: %v", n.Recipient, err)
		}
	}
}

func (s *Service) CreateTask(ctx context.Context, actorID string, input TaskInput) (Task, error) {
	return s.Apply(ctx, actorID, CreateMutation(input))
}

func (s *Service) UpdateStatus(ctx context.Context, actorID, taskID string, status Status) (Task, error) {
	return s.Apply(ctx, actorID, SetStatusMutation(taskID, status))
}

func (s *Service) UpdateProgress(ctx context.Context, actorID, taskID string, progress int) (Task, error) {
	return s.Apply(ctx, actorID, SetProgressMutation(taskID, progress))
}

func (s *Service) Reassign(ctx context.Context, actorID, taskID, assignee string) (Task, error) {
	return s.Apply(ctx, actorID, ReassignMutation(taskID, assignee))
}

func (s *Service) EditTask(ctx context.Context, actorID, taskID string, edit EditFields) (Task, error) {
	return s.Apply(ctx, actorID, EditMutation(taskID, edit))
}

func (s *Service) GetTask(ctx context.Context, id string) (Task, error) {
	return s.Store.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	return s.Store.ListTasks(ctx, filter)
}

func (s *Service) ListNotifications(ctx context.Context, recipient string, unreadOnly bool) ([]Notification, error) {
	return s.Store.ListNotifications(ctx, recipient, unreadOnly)
}

func (s *Service) MarkRead(ctx context.Context, recipient, notificationID string) error {
	return s.Store.MarkRead(ctx, recipient, notificationID, s.Now())
}

func (s *Service) DueSoonCandidates(ctx context.Context, now time.Time) ([]Task, error) {
	return s.Store.DueSoonCandidates(ctx, now, s.DueSoonWindow)
}

// SweepDueSoon emits DueSoon reminders for every unfinished task whose due
// date falls inside the window. Run by the scheduled sweep, not by
// mutations. Returns the number of notifications persisted.
func (s *Service) SweepDueSoon(ctx context.Context) (int, error) {
	now := s.Now()
	candidates, err := s.Store.DueSoonCandidates(ctx, now, s.DueSoonWindow)
	if err != nil {
		return 0, err
	}

	batch := make([]Notification, 0, len(candidates))
	for _, task := range candidates {
		recipientID := task.Assignee
		if recipientID == "" {
			recipientID = task.CreatedBy
		}
		recipient, err := s.Directory.Resolve(ctx, recipientID)
		if err != nil {
			log.Printf("due-soon sweep: skipping task %s, recipient %q: %v", task.ID, recipientID, err)
			continue
		}
		batch = append(batch, s.Dispatcher.DueSoon(task, recipient, now))
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := s.Store.PutNotifications(ctx, batch); err != nil {
		return 0, err
	}
	for _, n := range batch {
		notificationsEmitted.WithLabelValues(string(n.Kind)).Inc()
	}
	s.publishLive(batch)
	return len(batch), nil
}

func toEvent(n Notification) contracts.NotificationEvent {
	return contracts.NotificationEvent{
		NotificationID: n.ID,
		Recipient:      n.Recipient,
		TaskID:         n.TaskID,
		Kind:           string(n.Kind),
		Message:        n.Message,
		DedupeKey:      n.DedupeKey,
		CreatedAt:      n.CreatedAt,
	}
}

func toEvents(batch []Notification) []contracts.NotificationEvent {
	events := make([]contracts.NotificationEvent, 0, len(batch))
	for _, n := range batch {
		events = append(events, toEvent(n))
	}
	return events
}

// FromEvent rebuilds a notification record from its wire form; used by the
// redelivery consumer to re-insert a failed batch.
func FromEvent(e contracts.NotificationEvent) Notification {
	return Notification{
		ID:        e.NotificationID,
		Recipient: e.Recipient,
		TaskID:    e.TaskID,
		Kind:      NotificationKind(e.Kind),
		Message:   e.Message,
		DedupeKey: e.DedupeKey,
		CreatedAt: e.CreatedAt,
	}
}
