package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/fleetcore/pkg/containerengine"
	"github.com/cuemby/fleetcore/pkg/events"
	"github.com/cuemby/fleetcore/pkg/provider"
	"github.com/cuemby/fleetcore/pkg/types"
)

type fakeEngine struct {
	mu         sync.Mutex
	logs       map[string]string
	inspect    map[string]containerengine.InspectResult
	stopped    []string
	removed    []string
	started    []string
	listResult []containerengine.Summary
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		logs:    make(map[string]string),
		inspect: make(map[string]containerengine.InspectResult),
	}
}

func (f *fakeEngine) CreateContainer(ctx context.Context, spec containerengine.Spec) (string, error) {
	return spec.Name + "-id", nil
}
func (f *fakeEngine) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}
func (f *fakeEngine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}
func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}
func (f *fakeEngine) InspectContainer(ctx context.Context, id string) (containerengine.InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspect[id], nil
}
func (f *fakeEngine) ListContainers(ctx context.Context, labelFilter map[string]string) ([]containerengine.Summary, error) {
	return f.listResult, nil
}
func (f *fakeEngine) ContainerLogs(ctx context.Context, id string, tailLines int) ([]byte, error) {
	return []byte(f.logs[id]), nil
}
func (f *fakeEngine) ContainerStats(ctx context.Context, id string) (containerengine.Stats, error) {
	return containerengine.Stats{}, nil
}

type fakeProvider struct {
	provider.Provider
	mu           sync.Mutex
	workers      []provider.WorkerInfo
	deregistered []string
}

func (f *fakeProvider) ListWorkers(ctx context.Context, repoSlug string) ([]provider.WorkerInfo, error) {
	return f.workers, nil
}
func (f *fakeProvider) DeregisterWorker(ctx context.Context, repoSlug, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, workerID)
	return nil
}

type fakeCallback struct {
	mu             sync.Mutex
	reregistered   []string
	removedWorkers []string
	reregisterErr  error
}

func (f *fakeCallback) Reregister(ctx context.Context, workerName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reregisterErr != nil {
		return f.reregisterErr
	}
	f.reregistered = append(f.reregistered, workerName)
	return nil
}

func (f *fakeCallback) HandleWorkerRemoved(ctx context.Context, workerName string, isLeader bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedWorkers = append(f.removedWorkers, workerName)
	return nil
}

func newTestReconciler(engine *fakeEngine, prov provider.Provider, leader bool) (*Reconciler, *events.Broker) {
	broker := events.NewBroker()
	broker.Start()
	return New(engine, prov, broker, func() bool { return leader }, Config{
		ManagedPrefix: "orchestrator",
		HealthPeriod:  time.Hour,
		SyncPeriod:    time.Hour,
		StopGrace:     time.Second,
		LogTailLines:  50,
	}), broker
}

func testWorker(name, repoID string) *types.Worker {
	return &types.Worker{
		Name:        name,
		RepoID:      repoID,
		RepoSlug:    "cuemby/" + repoID,
		ContainerID: name + "-id",
		ProviderID:  name + "-provider-id",
		Health:      types.HealthHealthy,
	}
}

func TestCleanupIsIdempotentAndNotifiesCallback(t *testing.T) {
	engine := newFakeEngine()
	prov := &fakeProvider{}
	r, broker := newTestReconciler(engine, prov, true)
	defer broker.Stop()

	cb := &fakeCallback{}
	r.SetCallbackLookup(func(repoID string) (RepoCallback, bool) { return cb, true })

	w := testWorker("w1", "r1")
	r.Track(w)

	r.Cleanup(context.Background(), w)
	r.Cleanup(context.Background(), w) // idempotent: no panic, no error path

	assert.Len(t, engine.stopped, 2)
	assert.Len(t, engine.removed, 2)
	assert.Len(t, prov.deregistered, 2)
	assert.Equal(t, []string{"w1", "w1"}, cb.removedWorkers)

	_, tracked := r.Snapshot()["w1"]
	assert.False(t, tracked)
}

func TestDiagnoseOfflineAuthExpirySignalReregisters(t *testing.T) {
	engine := newFakeEngine()
	w := testWorker("w1", "r1")
	engine.logs[w.ContainerID] = "runner: registration failed: Unauthorized"
	prov := &fakeProvider{}
	r, broker := newTestReconciler(engine, prov, true)
	defer broker.Stop()

	cb := &fakeCallback{}
	r.SetCallbackLookup(func(repoID string) (RepoCallback, bool) { return cb, true })
	r.Track(w)

	r.diagnoseOffline(context.Background(), w)

	assert.Equal(t, []string{"w1"}, cb.reregistered)
	assert.Len(t, engine.stopped, 1)
	assert.Len(t, engine.removed, 1)
}

func TestDiagnoseOfflineCrashSignalRestarts(t *testing.T) {
	engine := newFakeEngine()
	w := testWorker("w1", "r1")
	engine.logs[w.ContainerID] = "process exited: listener exited unexpectedly"
	prov := &fakeProvider{}
	r, broker := newTestReconciler(engine, prov, true)
	defer broker.Stop()
	r.Track(w)

	r.diagnoseOffline(context.Background(), w)

	assert.Equal(t, []string{w.ContainerID}, engine.stopped)
	assert.Equal(t, []string{w.ContainerID}, engine.started)
}

func TestDiagnoseOfflineUnknownSignalCleansUp(t *testing.T) {
	engine := newFakeEngine()
	w := testWorker("w1", "r1")
	engine.logs[w.ContainerID] = "some unrelated log line"
	prov := &fakeProvider{}
	r, broker := newTestReconciler(engine, prov, true)
	defer broker.Stop()
	r.Track(w)

	r.diagnoseOffline(context.Background(), w)

	_, tracked := r.Snapshot()["w1"]
	assert.False(t, tracked, "an undiagnosable offline worker should be cleaned up")
}

func TestReregisterFallsBackToCleanupOnCallbackFailure(t *testing.T) {
	engine := newFakeEngine()
	w := testWorker("w1", "r1")
	engine.logs[w.ContainerID] = "Unauthorized"
	prov := &fakeProvider{}
	r, broker := newTestReconciler(engine, prov, true)
	defer broker.Stop()

	cb := &fakeCallback{reregisterErr: assertErr("boom")}
	r.SetCallbackLookup(func(repoID string) (RepoCallback, bool) { return cb, true })
	r.Track(w)

	r.diagnoseOffline(context.Background(), w)

	_, tracked := r.Snapshot()["w1"]
	assert.False(t, tracked, "a failed reregistration should fall back to cleanup")
}

func TestSyncRepoSkipsMutationsWhenNotLeader(t *testing.T) {
	engine := newFakeEngine()
	prov := &fakeProvider{}
	r, broker := newTestReconciler(engine, prov, false)
	defer broker.Stop()

	w := testWorker("w1", "r1")
	r.Track(w)

	r.syncRepo(context.Background(), types.Repository{ID: "r1", Owner: "cuemby", Name: "r1"})
	assert.Empty(t, engine.stopped)
	assert.Empty(t, prov.deregistered)
}

func TestSyncRepoLeavesHealthyRegisteredWorkerAlone(t *testing.T) {
	engine := newFakeEngine()
	w := testWorker("w1", "r1")
	w.ProviderID = "" // production reality: never set by perrepo.spawnNamed
	prov := &fakeProvider{workers: []provider.WorkerInfo{
		{ID: "999", Name: "w1", Status: provider.WorkerOnline, Busy: true},
	}}
	r, broker := newTestReconciler(engine, prov, true)
	defer broker.Stop()

	cb := &fakeCallback{}
	r.SetCallbackLookup(func(repoID string) (RepoCallback, bool) { return cb, true })
	r.Track(w)

	r.syncRepo(context.Background(), types.Repository{ID: "r1", Owner: "cuemby", Name: "r1"})

	assert.Empty(t, cb.removedWorkers, "a worker registered under the same name must not be cleaned up")
	assert.Empty(t, engine.stopped)
	assert.Equal(t, "999", w.ProviderID, "ProviderID should be learned from the matching provider listing")
	_, tracked := r.Snapshot()["w1"]
	assert.True(t, tracked)
}

func TestSyncRepoDiagnosesOfflineWorkerCorrelatedByName(t *testing.T) {
	engine := newFakeEngine()
	w := testWorker("w1", "r1")
	w.ProviderID = "" // production reality: never set by perrepo.spawnNamed
	engine.logs[w.ContainerID] = "runner: registration failed: Unauthorized"
	prov := &fakeProvider{workers: []provider.WorkerInfo{
		{ID: "555", Name: "w1", Status: provider.WorkerOffline, Busy: false},
	}}
	r, broker := newTestReconciler(engine, prov, true)
	defer broker.Stop()

	cb := &fakeCallback{}
	r.SetCallbackLookup(func(repoID string) (RepoCallback, bool) { return cb, true })
	r.Track(w)

	r.syncRepo(context.Background(), types.Repository{ID: "r1", Owner: "cuemby", Name: "r1"})

	assert.Equal(t, []string{"w1"}, cb.reregistered, "an offline worker registered under the same name must be diagnosed, not cleaned up")
	assert.Empty(t, cb.removedWorkers)
	assert.Equal(t, "555", w.ProviderID)
}

func TestSyncRepoCleansUpWorkerNoLongerRegistered(t *testing.T) {
	engine := newFakeEngine()
	prov := &fakeProvider{} // no workers registered at all
	r, broker := newTestReconciler(engine, prov, true)
	defer broker.Stop()

	cb := &fakeCallback{}
	r.SetCallbackLookup(func(repoID string) (RepoCallback, bool) { return cb, true })
	w := testWorker("w1", "r1")
	r.Track(w)

	r.syncRepo(context.Background(), types.Repository{ID: "r1", Owner: "cuemby", Name: "r1"})

	assert.Equal(t, []string{"w1"}, cb.removedWorkers, "a tracked worker absent from the provider listing must be cleaned up")
}

func TestReapOrphansRemovesUntrackedManagedContainers(t *testing.T) {
	engine := newFakeEngine()
	engine.listResult = []containerengine.Summary{
		{ID: "orphan-id", Name: "orchestrator-r1-abc12345"},
		{ID: "tracked-id", Name: "tracked-worker"},
	}
	prov := &fakeProvider{}
	r, broker := newTestReconciler(engine, prov, true)
	defer broker.Stop()
	r.Track(&types.Worker{Name: "tracked-worker"})

	r.reapOrphans(context.Background(), []types.Repository{{ID: "r1", Owner: "cuemby", Name: "r1"}})

	assert.Equal(t, []string{"orphan-id"}, engine.stopped)
	assert.Equal(t, []string{"orphan-id"}, engine.removed)
}

// assertErr is a trivial error helper to avoid importing "errors" just for one literal.
type assertErr string

func (e assertErr) Error() string { return string(e) }
