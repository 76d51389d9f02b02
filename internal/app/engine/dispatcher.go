package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Dispatcher turns a computed task transition into notification records.
// It is pure apart from ID generation; persistence and delivery belong to
// the facade.
type Dispatcher struct {
	NewID func() string
}

// Dispatch emits the notifications for one committed mutation. The actor
// never notifies themselves, and a status change suppresses the progress
// notification for the same mutation. Each record carries a deterministic
// dedupe key so a replayed mutation can never double-notify (the store
// enforces uniqueness on the key).
func (d *Dispatcher) Dispatch(old, next Task, parties Parties, actor User, now time.Time) []Notification {
	statusChanged := old.Status != next.Status
	assigneeChanged := old.Assignee != next.Assignee
	progressChanged := old.Progress != next.Progress

	var out []Notification
	seen := map[string]bool{}

	// The dedupe key is deterministic over (task, kind, recipient, the
	// transition fields for that kind, new version), so replaying the same
	// logical mutation regenerates identical keys.
	add := func(recipient User, kind NotificationKind, message string, fields ...string) {
		if recipient.ID == "" || recipient.ID == actor.ID {
			return
		}
		// One notification per (mutation, recipient, kind).
		mark := string(kind) + "|" + recipient.ID
		if seen[mark] {
			return
		}
		seen[mark] = true
		keyParts := append([]string{next.ID, string(kind), recipient.ID}, fields...)
		keyParts = append(keyParts, versionTag(next))
		out = append(out, Notification{
			ID:        d.NewID(),
			Recipient: recipient.ID,
			TaskID:    next.ID,
			Kind:      kind,
			Message:   message,
			DedupeKey: dedupeKey(keyParts...),
			CreatedAt: now,
		})
	}

	if assigneeChanged {
		add(parties.OldAssignee, KindReassigned,
			fmt.Sprintf("Task %q was reassigned to %s", next.Title, displayName(parties.Assignee)),
			old.Assignee, next.Assignee)
		add(parties.Assignee, KindAssigned,
			fmt.Sprintf("%s assigned you task %q", displayName(actor), next.Title),
			old.Assignee, next.Assignee)
	}

	if statusChanged {
		message := fmt.Sprintf("Task %q moved from %s to %s", next.Title, old.Status, next.Status)
		add(parties.Assignee, KindStatusChanged, message, string(old.Status), string(next.Status))
		add(parties.CreatedBy, KindStatusChanged, message, string(old.Status), string(next.Status))
	} else if progressChanged {
		add(parties.CreatedBy, KindProgressUpdated,
			fmt.Sprintf("Task %q progress is now %d%%", next.Title, next.Progress),
			strconv.Itoa(old.Progress), strconv.Itoa(next.Progress))
	}

	return out
}

// DueSoon builds the reminder emitted by the scheduled sweep. The dedupe
// key buckets by the due date itself so repeated sweeps inside one window
// produce at most one record per recipient.
func (d *Dispatcher) DueSoon(task Task, recipient User, now time.Time) Notification {
	due := ""
	if task.DueDate != nil {
		due = task.DueDate.UTC().Format(time.RFC3339)
	}
	return Notification{
		ID:        d.NewID(),
		Recipient: recipient.ID,
		TaskID:    task.ID,
		Kind:      KindDueSoon,
		Message:   fmt.Sprintf("Task %q is due soon (%s)", task.Title, due),
		DedupeKey: dedupeKey(task.ID, string(KindDueSoon), recipient.ID, due),
		CreatedAt: now,
	}
}

func displayName(u User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

func versionTag(t Task) string {
	return strconv.FormatInt(t.Version, 10)
}

func dedupeKey(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
