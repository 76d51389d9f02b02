package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fintask/engine/internal/app/engine"
	"github.com/fintask/engine/internal/app/identity"
	"github.com/fintask/engine/internal/app/taskstore"
	"github.com/fintask/engine/internal/platform/dbpool"
	"github.com/fintask/engine/internal/platform/env"
	"github.com/fintask/engine/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	sweepSpec := env.String("DUE_SWEEP_SPEC", "@every 15m")

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	taskRepo := taskstore.NewRepository(pool)
	identityRepo := identity.NewPostgresRepository(pool)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	engineSvc := engine.NewService(taskRepo, identity.NewDirectory(identityRepo), publisher.Publish)
	engineSvc.DueSoonWindow = env.Duration("DUE_SOON_WINDOW", 24*time.Hour)

	sweep := func() {
		sweepCtx, cancel := context.WithTimeout(runCtx, 2*time.Minute)
		defer cancel()
		emitted, err := engineSvc.SweepDueSoon(sweepCtx)
		if err != nil {
			log.Printf("due-soon sweep failed: %v", err)
			return
		}
		if emitted > 0 {
			log.Printf("due-soon sweep emitted %d notifications", emitted)
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(sweepSpec, sweep); err != nil {
		log.Fatalf("invalid DUE_SWEEP_SPEC %q: %v", sweepSpec, err)
	}
	c.Start()
	log.Printf("Due sweeper running with schedule %q", sweepSpec)

	// One pass at startup so a restart never misses a window.
	sweep()

	<-runCtx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
}
