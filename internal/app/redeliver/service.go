package redeliver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fintask/engine/internal/app/engine"
	"github.com/fintask/engine/internal/contracts"
)

var ErrInvalidBatchPayload = errors.New("invalid redelivery batch payload")
var ErrEmptyBatch = errors.New("redelivery batch is empty")

type Inbox interface {
	PutNotifications(ctx context.Context, batch []engine.Notification) error
}

// Service re-inserts notification batches whose inbox write failed after
// the task write had already committed. The insert is idempotent: records
// whose dedupe key landed in the meantime are skipped by the store.
type Service struct {
	Inbox Inbox
}

func NewService(inbox Inbox) *Service {
	return &Service{Inbox: inbox}
}

func (s *Service) Handle(ctx context.Context, payload []byte) error {
	var batch contracts.NotificationBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return ErrInvalidBatchPayload
	}
	if len(batch.Notifications) == 0 {
		return ErrEmptyBatch
	}

	records := make([]engine.Notification, 0, len(batch.Notifications))
	for _, event := range batch.Notifications {
		records = append(records, engine.FromEvent(event))
	}
	return s.Inbox.PutNotifications(ctx, records)
}
