package contracts

import "time"

// NotificationEvent is the wire form of a notification, published per
// recipient on the live channel and consumed by the SSE streamer.
type NotificationEvent struct {
	NotificationID string    `json:"notification_id"`
	Recipient      string    `json:"recipient"`
	TaskID         string    `json:"task_id"`
	Kind           string    `json:"kind"`
	Message        string    `json:"message"`
	DedupeKey      string    `json:"dedupe_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// NotificationBatch is queued for out-of-band redelivery when the inbox
// write fails after the task write has already committed. Re-inserting it
// is idempotent: the store skips records whose dedupe key already exists.
type NotificationBatch struct {
	TaskID        string              `json:"task_id"`
	Notifications []NotificationEvent `json:"notifications"`
}
