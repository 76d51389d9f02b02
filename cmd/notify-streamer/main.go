package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fintask/engine/internal/app/engine"
	"github.com/fintask/engine/internal/app/identity"
	"github.com/fintask/engine/internal/app/taskstore"
	"github.com/fintask/engine/internal/contracts"
	"github.com/fintask/engine/internal/messaging"
	platformauth "github.com/fintask/engine/internal/platform/auth"
	"github.com/fintask/engine/internal/platform/dbpool"
	"github.com/fintask/engine/internal/platform/env"
	"github.com/fintask/engine/internal/platform/metrics"
	"github.com/fintask/engine/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamAddr := env.String("NOTIFY_STREAMER_ADDR", env.DefaultStreamAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	tokenManager := identity.NewTokenManager(jwtSecret)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	repo := taskstore.NewRepository(pool)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	js := client.JS

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if client.Conn.Status() != nats.CONNECTED {
			http.Error(w, "nats is not connected", http.StatusServiceUnavailable)
			return
		}
		checkCtx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
		defer cancel()
		if err := pool.Ping(checkCtx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			http.Error(w, "token is required", http.StatusUnauthorized)
			return
		}
		claims, err := tokenManager.Parse(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		send := func(payload []byte) {
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", payload)
			flusher.Flush()
		}

		// Unread backlog first, then live events only.
		backlog, err := repo.ListNotifications(r.Context(), claims.Subject, true)
		if err != nil {
			log.Printf("backlog load for %s failed: %v", claims.Subject, err)
		}
		for i := len(backlog) - 1; i >= 0; i-- {
			if payload, err := json.Marshal(toWire(backlog[i])); err == nil {
				send(payload)
			}
		}

		live := make(chan []byte, 64)
		sub, err := js.Subscribe(messaging.UserSubject(claims.Subject), func(msg *nats.Msg) {
			select {
			case live <- msg.Data:
			default:
				// Slow consumer; the durable copy is in the inbox anyway.
			}
		}, nats.DeliverNew())
		if err != nil {
			http.Error(w, "subscribe failed", http.StatusInternalServerError)
			return
		}
		defer func() { _ = sub.Unsubscribe() }()

		keepalive := time.NewTicker(25 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case payload := <-live:
				send(payload)
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			}
		}
	})

	server := &http.Server{
		Addr:              streamAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Notification streamer listening on %s\n", streamAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("notify-streamer graceful shutdown failed: %v", err)
	}
}

func toWire(n engine.Notification) contracts.NotificationEvent {
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
