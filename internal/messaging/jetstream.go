package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	notificationsStream = "NOTIFICATIONS"
	redeliveryStream    = "NOTIFY_REDELIVERY"

	liveRetention = 10 * time.Minute
)

// EnsureStreams creates (or validates) the two streams the engine needs:
// - notify.user.> carries live per-recipient events; short retention, the
//   inbox in Postgres is the durable copy.
// - notify.redeliver holds failed inbox batches until a redeliver worker
//   acknowledges the re-insert.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(notificationsStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      notificationsStream,
				Subjects:  []string{LiveSubjectPrefix + ">"},
				Retention: nats.LimitsPolicy,
				MaxAge:    liveRetention,
				Storage:   nats.MemoryStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}

	if _, err := js.StreamInfo(redeliveryStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      redeliveryStream,
				Subjects:  []string{RedeliverySubject},
				Retention: nats.WorkQueuePolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}

	return nil
}
