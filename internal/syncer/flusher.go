// Package syncer flushes the pending mutation queue to the upstream
// backend. It is the only component allowed to clear queue entries, and
// it clears an entry only after the upstream write it represents has
// been durably acknowledged.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"riskmate-sync/internal/config"
	"riskmate-sync/internal/events"
	"riskmate-sync/internal/models"
	"riskmate-sync/internal/queue"
	"riskmate-sync/internal/remote"
	"riskmate-sync/internal/telemetry"
)

const dueBatchSize = 100

// Auditor records sync outcomes in the local audit feed. Satisfied by
// *store.Store.
type Auditor interface {
	AppendAudit(ctx context.Context, entityType, entityID, event, detail string) error
}

// Flusher drives the background flush loop.
type Flusher struct {
	cfg      config.Config
	queue    *queue.PendingQueue
	store    Auditor
	backend  remote.Backend
	bus      *events.Bus
	evidence *EvidenceProcessor
}

// NewFlusher wires the flush loop's collaborators.
func NewFlusher(cfg config.Config, q *queue.PendingQueue, st Auditor, backend remote.Backend, bus *events.Bus, ev *EvidenceProcessor) *Flusher {
	return &Flusher{
		cfg:      cfg,
		queue:    q,
		store:    st,
		backend:  backend,
		bus:      bus,
		evidence: ev,
	}
}

// Run processes due entities until context cancellation.
func (f *Flusher) Run(ctx context.Context) error {
	interval := f.cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if depth, err := f.queue.PendingDepth(ctx); err == nil {
			telemetry.PendingDepthGauge.Set(float64(depth))
		}

		members, err := f.queue.DueEntities(ctx, time.Now(), dueBatchSize)
		if err != nil {
			log.Printf("read flush queue: %v", err)
		}
		for _, member := range members {
			kind, entityType, id, err := queue.ParseRetryMember(member)
			if err != nil {
				log.Printf("dropping malformed flush member: %v", err)
				continue
			}
			switch kind {
			case queue.KindUpdate:
				f.flushUpdates(ctx, entityType, id)
			case queue.KindCreation:
				f.flushCreations(ctx, entityType, id)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// flushUpdates sends an entity's pending edits strictly in queue order.
// The drain aborts on the first transient failure so a later edit to the
// same field can never overtake an earlier one upstream.
func (f *Flusher) flushUpdates(ctx context.Context, entityType, entityID string) {
	muts, err := f.queue.PendingUpdates(ctx, entityType, entityID)
	if err != nil {
		log.Printf("read updates for %s/%s: %v", entityType, entityID, err)
		return
	}

	flushed := 0
	for _, m := range muts {
		err := f.backend.PushUpdate(ctx, m)
		switch {
		case err == nil:
			f.ack(ctx, m, "update_flushed", fmt.Sprintf("field=%s", m.Field))
			flushed++

		case errors.Is(err, remote.ErrNotFound):
			// The entity no longer exists upstream; the edit can never
			// land. Park it for inspection instead of retrying forever.
			f.park(ctx, m, "entity missing upstream")

		default:
			telemetry.FlushFailures.Inc()
			attempts, aerr := f.queue.IncrAttempt(ctx, m.Seq)
			if aerr != nil {
				log.Printf("track attempts for %s: %v", m.Seq, aerr)
			}
			if attempts >= f.cfg.MaxFlushAttempts {
				f.park(ctx, m, err.Error())
				continue
			}
			delay := backoffWithJitter(f.cfg.BackoffInitial, f.cfg.BackoffMax, attempts)
			member := queue.RetryMember(queue.KindUpdate, entityType, entityID)
			if rerr := f.queue.ScheduleRetry(ctx, member, time.Now().Add(delay)); rerr != nil {
				log.Printf("schedule retry for %s/%s: %v", entityType, entityID, rerr)
			}
			f.announce(entityType, entityID, flushed)
			return
		}
	}

	if err := f.queue.DrainedIfEmpty(ctx, queue.KindUpdate, entityType, entityID); err != nil {
		log.Printf("mark drained %s/%s: %v", entityType, entityID, err)
	}
	f.announce(entityType, entityID, flushed)
}

// flushCreations sends drafts queued under one parent, running each
// through the evidence pipeline first.
func (f *Flusher) flushCreations(ctx context.Context, entityType, parentID string) {
	creations, err := f.queue.PendingCreations(ctx, entityType, parentID)
	if err != nil {
		log.Printf("read drafts for %s under %s: %v", entityType, parentID, err)
		return
	}

	for _, c := range creations {
		prepared, err := f.evidence.Process(ctx, c)
		if err == nil {
			err = f.backend.PushCreation(ctx, prepared)
		}
		switch {
		case err == nil, errors.Is(err, remote.ErrConflict):
			// A conflict means upstream already holds this id, so the
			// canonical copy wins and the draft is done either way.
			if cerr := f.queue.ClearCreation(ctx, entityType, parentID, c.Seq, c.Entity.ID); cerr != nil {
				log.Printf("clear draft %s: %v", c.Seq, cerr)
				continue
			}
			if aerr := f.store.AppendAudit(ctx, entityType, c.Entity.ID, "draft_flushed", fmt.Sprintf("parent=%s", parentID)); aerr != nil {
				log.Printf("audit draft %s: %v", c.Seq, aerr)
			}
			telemetry.FlushSuccess.Inc()
			f.bus.Publish(events.SyncEvent{EntityType: entityType, EntityID: c.Entity.ID})

		default:
			telemetry.FlushFailures.Inc()
			attempts, aerr := f.queue.IncrAttempt(ctx, c.Seq)
			if aerr != nil {
				log.Printf("track attempts for %s: %v", c.Seq, aerr)
			}
			if attempts >= f.cfg.MaxFlushAttempts {
				if derr := f.queue.DeadLetterPush(ctx, c); derr != nil {
					log.Printf("dead letter draft %s: %v", c.Seq, derr)
					continue
				}
				if cerr := f.queue.ClearCreation(ctx, entityType, parentID, c.Seq, c.Entity.ID); cerr != nil {
					log.Printf("clear parked draft %s: %v", c.Seq, cerr)
				}
				_ = f.store.AppendAudit(ctx, entityType, c.Entity.ID, "draft_dead_letter", err.Error())
				telemetry.FlushDeadLetter.Inc()
				continue
			}
			delay := backoffWithJitter(f.cfg.BackoffInitial, f.cfg.BackoffMax, attempts)
			member := queue.RetryMember(queue.KindCreation, entityType, parentID)
			if rerr := f.queue.ScheduleRetry(ctx, member, time.Now().Add(delay)); rerr != nil {
				log.Printf("schedule retry for drafts %s/%s: %v", entityType, parentID, rerr)
			}
			return
		}
	}

	if err := f.queue.DrainedIfEmpty(ctx, queue.KindCreation, entityType, parentID); err != nil {
		log.Printf("mark drafts drained %s/%s: %v", entityType, parentID, err)
	}
}

// ack clears one flushed edit and records the outcome. Clearing happens
// only here, after the upstream write is acknowledged: clearing earlier
// could let a concurrent read show a value that was never actually sent.
func (f *Flusher) ack(ctx context.Context, m models.PendingMutation, event, detail string) {
	if err := f.queue.ClearUpdate(ctx, m.EntityType, m.EntityID, m.Seq, m.Field); err != nil {
		log.Printf("clear update %s: %v", m.Seq, err)
		return
	}
	if err := f.store.AppendAudit(ctx, m.EntityType, m.EntityID, event, detail); err != nil {
		log.Printf("audit update %s: %v", m.Seq, err)
	}
	telemetry.FlushSuccess.Inc()
}

// park moves an edit that can never succeed to the dead-letter list.
func (f *Flusher) park(ctx context.Context, m models.PendingMutation, reason string) {
	if err := f.queue.DeadLetterPush(ctx, m); err != nil {
		log.Printf("dead letter update %s: %v", m.Seq, err)
		return
	}
	if err := f.queue.ClearUpdate(ctx, m.EntityType, m.EntityID, m.Seq, m.Field); err != nil {
		log.Printf("clear parked update %s: %v", m.Seq, err)
	}
	_ = f.store.AppendAudit(ctx, m.EntityType, m.EntityID, "update_dead_letter", reason)
	telemetry.FlushDeadLetter.Inc()
}

func (f *Flusher) announce(entityType, entityID string, flushed int) {
	if flushed == 0 {
		return
	}
	f.bus.Publish(events.SyncEvent{EntityType: entityType, EntityID: entityID})
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
