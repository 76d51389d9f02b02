package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fintask/engine/internal/app/redeliver"
	"github.com/fintask/engine/internal/app/taskstore"
	"github.com/fintask/engine/internal/messaging"
	"github.com/fintask/engine/internal/platform/dbpool"
	"github.com/fintask/engine/internal/platform/env"
	"github.com/fintask/engine/internal/platform/natsutil"
)

func main() {
	ctx := context.Background()

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)

	pool, err := dbpool.New(ctx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	repo := taskstore.NewRepository(pool)
	if err := waitForPostgres(ctx, repo, 30*time.Second); err != nil {
		log.Fatal(err)
	}
	service := redeliver.NewService(repo)

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe(messaging.RedeliverySubject, "notify-redeliver", func(msg *nats.Msg) {
		insertCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := service.Handle(insertCtx, msg.Data); err != nil {
			if errors.Is(err, redeliver.ErrInvalidBatchPayload) || errors.Is(err, redeliver.ErrEmptyBatch) {
				log.Printf("discarding bad redelivery batch: %v", err)
				_ = msg.Term()
				return
			}
			log.Printf("notification re-insert failed: %v", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Notification redeliverer listening on subject:", sub.Subject)

	// Keep alive
	select {}
}

func waitForPostgres(ctx context.Context, repo *taskstore.Repository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = repo.Pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = repo.EnsureSchema(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for postgres readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
