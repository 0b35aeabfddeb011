package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"riskmate-sync/internal/config"
	"riskmate-sync/internal/events"
	"riskmate-sync/internal/queue"
	"riskmate-sync/internal/reconcile"
	"riskmate-sync/internal/remote"
	"riskmate-sync/internal/store"
	"riskmate-sync/internal/syncer"
	"riskmate-sync/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewPendingQueue(cfg)

	backend, err := remote.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)
	if err != nil {
		log.Fatalf("upstream client: %v", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	// After each confirmed flush, re-run a reconciled load for the
	// entity so the snapshot cache reflects the freshly synced state.
	loader := reconcile.NewLoader(backend, st, q)
	go func() {
		for ev := range bus.Subscribe() {
			if _, err := loader.LoadReconciled(ctx, ev.EntityType, ev.EntityID); err != nil {
				log.Printf("refresh after sync %s/%s: %v", ev.EntityType, ev.EntityID, err)
			}
		}
	}()

	evidence, err := syncer.NewEvidenceProcessor(ctx, cfg)
	if err != nil {
		log.Fatalf("init evidence processor: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	flusher := syncer.NewFlusher(cfg, q, st, backend, bus, evidence)
	log.Printf("syncer started with flush_interval=%s max_attempts=%d", cfg.FlushInterval, cfg.MaxFlushAttempts)
	if err := flusher.Run(ctx); err != nil {
		log.Printf("syncer stopped: %v", err)
	}
}
