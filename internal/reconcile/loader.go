package reconcile

import (
	"context"
	"errors"
	"log"
	"sync"

	"riskmate-sync/internal/models"
	"riskmate-sync/internal/remote"
	"riskmate-sync/internal/telemetry"
)

// ErrNotFound is the only load failure surfaced to callers: no canonical
// data, no cached snapshot, and no pending draft matched the id. Every
// other failure is absorbed by the fallback cascade.
var ErrNotFound = errors.New("entity not found")

// Snapshots is the slice of the persistent store the loader needs.
type Snapshots interface {
	UpsertSnapshot(ctx context.Context, e models.Entity) error
	GetSnapshot(ctx context.Context, entityType, entityID string) (models.Entity, bool, error)
	SnapshotsByParent(ctx context.Context, entityType, parentID string) ([]models.Entity, error)
	DeleteSnapshot(ctx context.Context, entityType, entityID string) error
}

// Pending is the read-only slice of the mutation queue the loader needs.
// The loader never clears queue entries; that is the syncer's job alone.
type Pending interface {
	PendingUpdates(ctx context.Context, entityType, entityID string) ([]models.PendingMutation, error)
	PendingCreations(ctx context.Context, entityType, parentID string) ([]models.PendingCreation, error)
	CreationByID(ctx context.Context, entityType, entityID string) (models.PendingCreation, bool, error)
}

// Loader serves reconciled entity reads through the fallback cascade:
// live upstream fetch, then cached snapshot, then pending draft alone.
// The full cascade runs from the top on every call, so a later
// successful fetch always supersedes whatever was cached before.
type Loader struct {
	backend remote.Backend
	cache   Snapshots
	pending Pending

	mu        sync.Mutex
	nextGen   uint64
	committed map[string]uint64
}

// NewLoader wires the loader's collaborators explicitly; there is no
// process-wide shared instance.
func NewLoader(backend remote.Backend, cache Snapshots, pending Pending) *Loader {
	return &Loader{
		backend:   backend,
		cache:     cache,
		pending:   pending,
		committed: make(map[string]uint64),
	}
}

// LoadReconciled returns the entity as the user should see it: canonical
// state overlaid with every still-pending local edit. Used identically
// on initial load, refresh, and sync-completion events.
func (l *Loader) LoadReconciled(ctx context.Context, entityType, entityID string) (models.Entity, error) {
	gen := l.issueGen()

	canonical, ok, err := l.fetchCanonical(ctx, entityType, entityID, gen)
	if err != nil {
		return models.Entity{}, err
	}
	if !ok {
		// Pending-only: the entity exists nowhere but the local queue.
		draft, found, err := l.pending.CreationByID(ctx, entityType, entityID)
		if err != nil {
			return models.Entity{}, err
		}
		if !found {
			return models.Entity{}, ErrNotFound
		}
		telemetry.CascadePendingOnly.Inc()
		canonical = draft.Entity
	}

	muts, err := l.pending.PendingUpdates(ctx, entityType, entityID)
	if err != nil {
		return models.Entity{}, err
	}
	telemetry.Reconciles.Inc()
	return Reconcile(canonical, muts), nil
}

// LoadReconciledList returns the entities under a parent: pending drafts
// first, then canonical items each overlaid with their own pending
// edits. Drafts confirmed by canonical data are suppressed.
func (l *Loader) LoadReconciledList(ctx context.Context, entityType, parentID string) ([]models.Entity, error) {
	gen := l.issueGen()
	canonical, err := l.backend.FetchList(ctx, entityType, parentID)
	if err != nil {
		telemetry.FetchFailures.Inc()
		log.Printf("live list fetch failed for %s under %s, serving cache: %v", entityType, parentID, err)
		canonical, err = l.cache.SnapshotsByParent(ctx, entityType, parentID)
		if err != nil {
			return nil, err
		}
		if len(canonical) > 0 {
			telemetry.CascadeCacheHits.Inc()
		}
	} else {
		for _, e := range canonical {
			l.commitSnapshot(ctx, e, e.Type, e.ID, gen)
		}
	}

	creations, err := l.pending.PendingCreations(ctx, entityType, parentID)
	if err != nil {
		return nil, err
	}
	drafts := make([]models.Entity, 0, len(creations))
	for _, c := range creations {
		drafts = append(drafts, c.Entity)
	}

	merged := ReconcileList(canonical, drafts)
	for i, e := range merged {
		muts, err := l.pending.PendingUpdates(ctx, entityType, e.ID)
		if err != nil {
			return nil, err
		}
		merged[i] = Reconcile(e, muts)
	}
	telemetry.Reconciles.Inc()
	return merged, nil
}

// fetchCanonical runs the Live and Cached stages. The boolean reports
// whether any canonical data was found; a false return with nil error
// sends the caller to the pending-only stage.
func (l *Loader) fetchCanonical(ctx context.Context, entityType, entityID string, gen uint64) (models.Entity, bool, error) {
	e, err := l.backend.FetchEntity(ctx, entityType, entityID)
	if err == nil {
		l.commitSnapshot(ctx, e, entityType, entityID, gen)
		return e, true, nil
	}

	if errors.Is(err, remote.ErrNotFound) {
		// Upstream says the entity does not exist. A cached snapshot
		// would be stale, so it is dropped rather than served.
		if derr := l.cache.DeleteSnapshot(ctx, entityType, entityID); derr != nil {
			log.Printf("drop stale snapshot %s/%s: %v", entityType, entityID, derr)
		}
		return models.Entity{}, false, nil
	}

	telemetry.FetchFailures.Inc()
	log.Printf("live fetch failed for %s/%s, falling back to cache: %v", entityType, entityID, err)

	cached, found, cerr := l.cache.GetSnapshot(ctx, entityType, entityID)
	if cerr != nil {
		return models.Entity{}, false, cerr
	}
	if found {
		telemetry.CascadeCacheHits.Inc()
		return cached, true, nil
	}
	return models.Entity{}, false, nil
}

// issueGen hands out a loader-wide request generation at fetch start.
// Overlapping loads (pull-to-refresh racing an in-flight load, a list
// fetch racing a single-entity fetch) each get their own token; per
// entity, only results from the newest request may write the snapshot
// cache, so a slow stale response can never clobber fresher data.
func (l *Loader) issueGen() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextGen++
	return l.nextGen
}

// commitSnapshot writes a fetched entity to the cache unless an entity
// fetched by a newer request already landed. The committed map holds one
// word per entity ever cached; its growth is bounded by the entity
// cardinality of the upstream dataset, same as the snapshot table.
func (l *Loader) commitSnapshot(ctx context.Context, e models.Entity, entityType, entityID string, gen uint64) {
	l.mu.Lock()
	key := entityType + "/" + entityID
	stale := gen < l.committed[key]
	if !stale {
		l.committed[key] = gen
	}
	l.mu.Unlock()

	if stale {
		return
	}
	if err := l.cache.UpsertSnapshot(ctx, e); err != nil {
		log.Printf("cache snapshot %s/%s: %v", entityType, entityID, err)
	}
}
