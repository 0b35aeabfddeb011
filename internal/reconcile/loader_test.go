package reconcile

import (
	"context"
	"errors"
	"testing"

	"riskmate-sync/internal/models"
	"riskmate-sync/internal/remote"
)

type fakeBackend struct {
	entities map[string]models.Entity
	err      error
	fetches  int
	listFn   func(entityType, parentID string) ([]models.Entity, error)
}

func (f *fakeBackend) FetchEntity(_ context.Context, entityType, entityID string) (models.Entity, error) {
	f.fetches++
	if f.err != nil {
		return models.Entity{}, f.err
	}
	e, ok := f.entities[entityID]
	if !ok {
		return models.Entity{}, remote.ErrNotFound
	}
	return e, nil
}

func (f *fakeBackend) FetchList(_ context.Context, entityType, parentID string) ([]models.Entity, error) {
	if f.listFn != nil {
		return f.listFn(entityType, parentID)
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Entity
	for _, e := range f.entities {
		if e.Type == entityType && e.ParentID == parentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeBackend) PushUpdate(context.Context, models.PendingMutation) error { return nil }
func (f *fakeBackend) PushCreation(context.Context, models.PendingCreation) error { return nil }

type fakeCache struct {
	snapshots map[string]models.Entity
}

func newFakeCache() *fakeCache {
	return &fakeCache{snapshots: make(map[string]models.Entity)}
}

func (f *fakeCache) key(t, id string) string { return t + "/" + id }

func (f *fakeCache) UpsertSnapshot(_ context.Context, e models.Entity) error {
	f.snapshots[f.key(e.Type, e.ID)] = e
	return nil
}

func (f *fakeCache) GetSnapshot(_ context.Context, entityType, entityID string) (models.Entity, bool, error) {
	e, ok := f.snapshots[f.key(entityType, entityID)]
	return e, ok, nil
}

func (f *fakeCache) SnapshotsByParent(_ context.Context, entityType, parentID string) ([]models.Entity, error) {
	var out []models.Entity
	for _, e := range f.snapshots {
		if e.Type == entityType && e.ParentID == parentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeCache) DeleteSnapshot(_ context.Context, entityType, entityID string) error {
	delete(f.snapshots, f.key(entityType, entityID))
	return nil
}

type fakePending struct {
	updates   map[string][]models.PendingMutation
	creations map[string][]models.PendingCreation
}

func newFakePending() *fakePending {
	return &fakePending{
		updates:   make(map[string][]models.PendingMutation),
		creations: make(map[string][]models.PendingCreation),
	}
}

func (f *fakePending) PendingUpdates(_ context.Context, entityType, entityID string) ([]models.PendingMutation, error) {
	return f.updates[entityType+"/"+entityID], nil
}

func (f *fakePending) PendingCreations(_ context.Context, entityType, parentID string) ([]models.PendingCreation, error) {
	return f.creations[entityType+"/"+parentID], nil
}

func (f *fakePending) CreationByID(_ context.Context, entityType, entityID string) (models.PendingCreation, bool, error) {
	for _, list := range f.creations {
		for _, c := range list {
			if c.Entity.Type == entityType && c.Entity.ID == entityID {
				return c, true, nil
			}
		}
	}
	return models.PendingCreation{}, false, nil
}

var errUpstreamDown = errors.New("upstream unreachable")

func TestLoadReconciledLiveSuccess(t *testing.T) {
	backend := &fakeBackend{entities: map[string]models.Entity{
		"J1": {ID: "J1", Type: models.TypeJob, Fields: map[string]any{"status": "active"}},
	}}
	cache := newFakeCache()
	pending := newFakePending()
	pending.updates["job/J1"] = []models.PendingMutation{
		{EntityType: models.TypeJob, EntityID: "J1", Field: "status", NewValue: "completed"},
	}

	loader := NewLoader(backend, cache, pending)
	got, err := loader.LoadReconciled(context.Background(), models.TypeJob, "J1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Fields["status"] != "completed" {
		t.Fatalf("pending edit not applied: %v", got.Fields["status"])
	}
	if _, ok, _ := cache.GetSnapshot(context.Background(), models.TypeJob, "J1"); !ok {
		t.Fatal("live fetch did not populate the snapshot cache")
	}
	// The cached snapshot must hold canonical state, not the merged view.
	snap, _, _ := cache.GetSnapshot(context.Background(), models.TypeJob, "J1")
	if snap.Fields["status"] != "active" {
		t.Fatalf("cache holds merged state: %v", snap.Fields["status"])
	}
}

func TestLoadReconciledFallsBackToCache(t *testing.T) {
	backend := &fakeBackend{err: errUpstreamDown}
	cache := newFakeCache()
	_ = cache.UpsertSnapshot(context.Background(), models.Entity{
		ID: "J1", Type: models.TypeJob, Fields: map[string]any{"status": "active"},
	})
	pending := newFakePending()
	pending.updates["job/J1"] = []models.PendingMutation{
		{EntityType: models.TypeJob, EntityID: "J1", Field: "status", NewValue: "on_hold"},
	}

	loader := NewLoader(backend, cache, pending)
	got, err := loader.LoadReconciled(context.Background(), models.TypeJob, "J1")
	if err != nil {
		t.Fatalf("cascade surfaced an error despite cached data: %v", err)
	}
	if got.Fields["status"] != "on_hold" {
		t.Fatalf("cached-plus-reconciled wrong: %v", got.Fields["status"])
	}

	// The live stage must be re-attempted on the next call, and a
	// recovered upstream must supersede the cache.
	backend.err = nil
	backend.entities = map[string]models.Entity{
		"J1": {ID: "J1", Type: models.TypeJob, Fields: map[string]any{"status": "archived"}},
	}
	fetchesBefore := backend.fetches
	got, err = loader.LoadReconciled(context.Background(), models.TypeJob, "J1")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if backend.fetches != fetchesBefore+1 {
		t.Fatal("live stage was not re-attempted")
	}
	if got.Fields["status"] != "on_hold" {
		t.Fatalf("pending edit lost after recovery: %v", got.Fields["status"])
	}
	snap, _, _ := cache.GetSnapshot(context.Background(), models.TypeJob, "J1")
	if snap.Fields["status"] != "archived" {
		t.Fatalf("fresh fetch did not replace cached snapshot: %v", snap.Fields["status"])
	}
}

func TestLoadReconciledPendingOnly(t *testing.T) {
	backend := &fakeBackend{err: errUpstreamDown}
	cache := newFakeCache()
	pending := newFakePending()
	pending.creations["hazard/J1"] = []models.PendingCreation{{
		Seq:      "s1",
		ParentID: "J1",
		Entity: models.Entity{
			ID: "H9", Type: models.TypeHazard, ParentID: "J1",
			Fields: map[string]any{"title": "exposed wiring"},
		},
	}}
	pending.updates["hazard/H9"] = []models.PendingMutation{
		{EntityType: models.TypeHazard, EntityID: "H9", Field: "severity", NewValue: "high"},
	}

	loader := NewLoader(backend, cache, pending)
	got, err := loader.LoadReconciled(context.Background(), models.TypeHazard, "H9")
	if err != nil {
		t.Fatalf("pending-only load failed: %v", err)
	}
	if got.Fields["title"] != "exposed wiring" {
		t.Fatalf("draft fields missing: %+v", got.Fields)
	}
	if got.Fields["severity"] != "high" {
		t.Fatalf("pending update not applied to draft: %+v", got.Fields)
	}
}

func TestLoadReconciledHardNotFound(t *testing.T) {
	loader := NewLoader(&fakeBackend{err: errUpstreamDown}, newFakeCache(), newFakePending())
	_, err := loader.LoadReconciled(context.Background(), models.TypeJob, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadReconciledUpstreamGoneDropsSnapshot(t *testing.T) {
	backend := &fakeBackend{entities: map[string]models.Entity{}}
	cache := newFakeCache()
	_ = cache.UpsertSnapshot(context.Background(), models.Entity{
		ID: "J1", Type: models.TypeJob, Fields: map[string]any{"status": "active"},
	})

	loader := NewLoader(backend, cache, newFakePending())
	_, err := loader.LoadReconciled(context.Background(), models.TypeJob, "J1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for upstream-deleted entity", err)
	}
	if _, ok, _ := cache.GetSnapshot(context.Background(), models.TypeJob, "J1"); ok {
		t.Fatal("stale snapshot survived an authoritative not-found")
	}
}

func TestLoadReconciledListMergesDrafts(t *testing.T) {
	backend := &fakeBackend{entities: map[string]models.Entity{
		"H9": {ID: "H9", Type: models.TypeHazard, ParentID: "J1", Fields: map[string]any{"title": "confirmed"}},
	}}
	cache := newFakeCache()
	pending := newFakePending()
	pending.creations["hazard/J1"] = []models.PendingCreation{
		{Seq: "s1", ParentID: "J1", Entity: models.Entity{ID: "H9", Type: models.TypeHazard, ParentID: "J1", Fields: map[string]any{"title": "draft copy"}}},
		{Seq: "s2", ParentID: "J1", Entity: models.Entity{ID: "H5", Type: models.TypeHazard, ParentID: "J1", Fields: map[string]any{"title": "new hazard"}}},
	}

	loader := NewLoader(backend, cache, pending)
	got, err := loader.LoadReconciledList(context.Background(), models.TypeHazard, "J1")
	if err != nil {
		t.Fatalf("list load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (confirmed draft suppressed)", len(got))
	}
	if got[0].ID != "H5" {
		t.Fatalf("drafts must come first, got %s", got[0].ID)
	}
	for _, e := range got {
		if e.ID == "H9" && e.Fields["title"] != "confirmed" {
			t.Fatalf("canonical H9 lost to draft: %v", e.Fields["title"])
		}
	}
}

func TestLoadReconciledListTopLevelCacheFallback(t *testing.T) {
	backend := &fakeBackend{err: errUpstreamDown}
	cache := newFakeCache()
	_ = cache.UpsertSnapshot(context.Background(), models.Entity{
		ID: "J1", Type: models.TypeJob, Fields: map[string]any{"status": "active"},
	})
	_ = cache.UpsertSnapshot(context.Background(), models.Entity{
		ID: "J2", Type: models.TypeJob, Fields: map[string]any{"status": "on_hold"},
	})

	// Top-level entities have no parent; the cached stage must still
	// find them under the empty parent key.
	loader := NewLoader(backend, cache, newFakePending())
	got, err := loader.LoadReconciledList(context.Background(), models.TypeJob, "")
	if err != nil {
		t.Fatalf("list load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 cached jobs", len(got))
	}
}

func TestLoadReconciledListStaleResponseDiscarded(t *testing.T) {
	fresh := models.Entity{ID: "H9", Type: models.TypeHazard, ParentID: "J1", Fields: map[string]any{"title": "fresh"}}
	stale := models.Entity{ID: "H9", Type: models.TypeHazard, ParentID: "J1", Fields: map[string]any{"title": "stale"}}

	backend := &fakeBackend{entities: map[string]models.Entity{"H9": fresh}}
	cache := newFakeCache()
	loader := NewLoader(backend, cache, newFakePending())

	started := make(chan struct{})
	release := make(chan struct{})
	backend.listFn = func(string, string) ([]models.Entity, error) {
		close(started)
		<-release
		return []models.Entity{stale}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := loader.LoadReconciledList(context.Background(), models.TypeHazard, "J1")
		done <- err
	}()

	// While the list fetch is in flight, a newer single-entity load
	// completes and caches the fresh state.
	<-started
	if _, err := loader.LoadReconciled(context.Background(), models.TypeHazard, "H9"); err != nil {
		t.Fatalf("entity load: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("list load: %v", err)
	}

	snap, ok, _ := cache.GetSnapshot(context.Background(), models.TypeHazard, "H9")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.Fields["title"] != "fresh" {
		t.Fatalf("stale list response overwrote fresher snapshot: %v", snap.Fields["title"])
	}
}

func TestCommitSnapshotDiscardsStaleGeneration(t *testing.T) {
	cache := newFakeCache()
	loader := NewLoader(&fakeBackend{}, cache, newFakePending())

	gen1 := loader.issueGen()
	gen2 := loader.issueGen()

	// The later-issued fetch finishes first; the earlier one straggles
	// in afterwards and must not overwrite the newer snapshot.
	loader.commitSnapshot(context.Background(), models.Entity{
		ID: "J1", Type: models.TypeJob, Fields: map[string]any{"status": "completed"},
	}, models.TypeJob, "J1", gen2)
	loader.commitSnapshot(context.Background(), models.Entity{
		ID: "J1", Type: models.TypeJob, Fields: map[string]any{"status": "active"},
	}, models.TypeJob, "J1", gen1)

	snap, ok, _ := cache.GetSnapshot(context.Background(), models.TypeJob, "J1")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.Fields["status"] != "completed" {
		t.Fatalf("stale in-flight result won: %v", snap.Fields["status"])
	}
}
