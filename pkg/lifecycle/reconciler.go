// Package lifecycle implements the LifecycleReconciler: two cooperating
// sub-loops that reconcile the truth known by the local tracking map, the
// ContainerEngine, and the Provider, detecting and repairing drift.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/fleetcore/pkg/containerengine"
	"github.com/cuemby/fleetcore/pkg/events"
	"github.com/cuemby/fleetcore/pkg/health"
	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/provider"
	"github.com/cuemby/fleetcore/pkg/types"
)

// Component names the reconciler's health registry tracks: the two external
// adapters whose liveness gates whether a tick's calls are worth attempting.
const (
	ComponentContainerEngine = "containerengine"
	ComponentProvider        = "provider"
)

// LeaderCheck reports whether this instance currently holds leadership;
// non-leaders run health observation but never issue mutating calls.
type LeaderCheck func() bool

// RepoCallback is the subset of a PerRepoController's API the reconciler
// needs once it has diagnosed drift for one of that repo's workers: recreate
// in place after an auth-expiry signal, or drop from RepoState (and schedule
// dedicated recreation) after a confirmed out-of-band removal.
type RepoCallback interface {
	Reregister(ctx context.Context, workerName string) error
	HandleWorkerRemoved(ctx context.Context, workerName string, isLeader bool) error
}

// CallbackLookup resolves a repository ID to its owning controller's
// RepoCallback. Supplied by the supervisor once every per-repo controller has
// been constructed (the reconciler is built first and cannot import them
// without a cycle).
type CallbackLookup func(repoID string) (RepoCallback, bool)

// Reconciler is the LifecycleReconciler. It reads RepoState via snapshot
// queries and never mutates another component's state directly, only emits
// events and mutates its own weak tracking map.
type Reconciler struct {
	engine   containerengine.Engine
	prov     provider.Provider
	broker   *events.Broker
	isLeader LeaderCheck

	managedPrefix string
	healthPeriod  time.Duration
	syncPeriod    time.Duration
	stopGrace     time.Duration
	logTailLines  int

	mu      sync.RWMutex
	tracked map[string]*types.Worker // keyed by worker name

	lookup   CallbackLookup
	registry *health.Registry

	stopCh        chan struct{}
	healthRunning atomic.Bool
	syncRunning   atomic.Bool
}

// ComponentHealth returns the current health snapshot of the ContainerEngine
// and Provider adapters this reconciler probes, for the status surface.
func (r *Reconciler) ComponentHealth() []types.ComponentHealth {
	return r.registry.All()
}

// Config tunes the reconciler's tick periods and cleanup behavior.
type Config struct {
	ManagedPrefix string
	HealthPeriod  time.Duration // default 30s
	SyncPeriod    time.Duration // default 60s
	StopGrace     time.Duration // default 10s
	LogTailLines  int           // default 50
}

// New creates a Reconciler. isLeader gates every mutating operation.
func New(engine containerengine.Engine, prov provider.Provider, broker *events.Broker, isLeader LeaderCheck, cfg Config) *Reconciler {
	registry := health.NewRegistry(health.DefaultConfig())
	registry.Register(ComponentContainerEngine)
	registry.Register(ComponentProvider)
	return &Reconciler{
		engine:        engine,
		prov:          prov,
		broker:        broker,
		isLeader:      isLeader,
		managedPrefix: cfg.ManagedPrefix,
		healthPeriod:  cfg.HealthPeriod,
		syncPeriod:    cfg.SyncPeriod,
		stopGrace:     cfg.StopGrace,
		logTailLines:  cfg.LogTailLines,
		tracked:       make(map[string]*types.Worker),
		registry:      registry,
		stopCh:        make(chan struct{}),
	}
}

// SetCallbackLookup installs the repo-ID-to-controller resolver used to route
// recreate/drop decisions back to the owning PerRepoController. Must be
// called before Start.
func (r *Reconciler) SetCallbackLookup(lookup CallbackLookup) {
	r.lookup = lookup
}

// Track registers a worker in the reconciler's weak back-reference map. Called
// by PerRepoController whenever it creates or learns of a worker.
func (r *Reconciler) Track(w *types.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[w.Name] = w
}

// Untrack removes a worker from the tracking map (e.g. after cleanup).
func (r *Reconciler) Untrack(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, name)
}

// Snapshot returns a shallow copy of the tracking map for read-only use.
func (r *Reconciler) Snapshot() map[string]*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*types.Worker, len(r.tracked))
	for k, v := range r.tracked {
		out[k] = v
	}
	return out
}

// Start runs the orphan reaper once, then launches the health and state-sync loops.
func (r *Reconciler) Start(ctx context.Context, repos []types.Repository) {
	r.reapOrphans(ctx, repos)
	go r.healthLoop(ctx)
	go r.stateSyncLoop(ctx, repos)
}

// Stop halts both loops.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// healthLoop queries ContainerEngine for each tracked worker's running state
// and resource stats every HealthPeriod, dropping (not queueing) a tick if the
// previous one is still in flight.
func (r *Reconciler) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.healthPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !r.healthRunning.CompareAndSwap(false, true) {
				metrics.TicksDroppedTotal.WithLabelValues("health").Inc()
				continue
			}
			func() {
				defer r.healthRunning.Store(false)
				timer := metrics.NewTimer()
				r.runHealthCycle(ctx)
				timer.ObserveDurationVec(metrics.ReconciliationDuration, "health")
				metrics.ReconciliationCyclesTotal.WithLabelValues("health").Inc()
			}()
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) runHealthCycle(ctx context.Context) {
	now := time.Now()
	if !r.registry.AllowProbe(ComponentContainerEngine, now) {
		return // circuit open: known-bad ContainerEngine, skip this cycle
	}

	for _, w := range r.Snapshot() {
		logger := log.WithWorker(w.Name)

		result, err := r.engine.InspectContainer(ctx, w.ContainerID)
		if err != nil {
			r.registry.RecordFailure(ComponentContainerEngine, now)
			logger.Warn().Err(err).Msg("inspect failed during health loop")
			continue
		}
		r.registry.RecordSuccess(ComponentContainerEngine, now)

		if !result.Running {
			w.Health = types.HealthUnhealthy
			r.broker.Publish(events.NewWorkerUnhealthy(events.WorkerUnhealthy{
				RepoID: w.RepoID, WorkerName: w.Name, Reason: "ContainerStopped",
			}))
			continue
		}
		w.Health = types.HealthHealthy

		stats, err := r.engine.ContainerStats(ctx, w.ContainerID)
		if err != nil {
			continue
		}
		if stats.CPUUsagePercent > 90 {
			r.broker.Publish(events.NewWorkerHighCPU(events.WorkerResourcePressure{
				RepoID: w.RepoID, WorkerName: w.Name, Percent: stats.CPUUsagePercent,
			}))
		}
		if stats.MemoryUsagePercent > 90 {
			r.broker.Publish(events.NewWorkerHighMemory(events.WorkerResourcePressure{
				RepoID: w.RepoID, WorkerName: w.Name, Percent: stats.MemoryUsagePercent,
			}))
		}
	}
}

// stateSyncLoop lists Provider-registered workers per repository every
// SyncPeriod and reconciles three sets against the tracking map.
func (r *Reconciler) stateSyncLoop(ctx context.Context, repos []types.Repository) {
	ticker := time.NewTicker(r.syncPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !r.syncRunning.CompareAndSwap(false, true) {
				metrics.TicksDroppedTotal.WithLabelValues("state_sync").Inc()
				continue
			}
			func() {
				defer r.syncRunning.Store(false)
				timer := metrics.NewTimer()
				for _, repo := range repos {
					r.syncRepo(ctx, repo)
				}
				timer.ObserveDurationVec(metrics.ReconciliationDuration, "state_sync")
				metrics.ReconciliationCyclesTotal.WithLabelValues("state_sync").Inc()
			}()
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) syncRepo(ctx context.Context, repo types.Repository) {
	if !r.isLeader() {
		return // non-leader: observability only, no mutating calls
	}
	now := time.Now()
	if !r.registry.AllowProbe(ComponentProvider, now) {
		return // circuit open: known-bad Provider, skip this repo's sync
	}

	registered, err := r.prov.ListWorkers(ctx, repo.Slug())
	if err != nil {
		r.registry.RecordFailure(ComponentProvider, now)
		log.WithRepo(repo.ID).Warn().Err(err).Msg("listing provider workers failed")
		return
	}
	r.registry.RecordSuccess(ComponentProvider, now)
	registeredByName := make(map[string]provider.WorkerInfo, len(registered))
	for _, w := range registered {
		registeredByName[w.Name] = w
	}

	// Correlate tracked <-> registered by Name, the same key the worker
	// registers under (RUNNER_NAME = worker.Name, see perrepo's spawnNamed)
	// and the same key the orphan-deregistration pass below already uses.
	// ProviderID is opaque to this system until a worker is first seen
	// registered, so it can never be used as the join key.
	tracked := r.Snapshot()
	for _, w := range tracked {
		if w.RepoID != repo.ID {
			continue
		}
		info, isRegistered := registeredByName[w.Name]
		if isRegistered && w.ProviderID != info.ID {
			w.ProviderID = info.ID
		}

		switch {
		case !isRegistered:
			r.Cleanup(ctx, w)
		case info.Status == provider.WorkerOffline && w.Health == types.HealthHealthy:
			r.diagnoseOffline(ctx, w)
		}
	}

	for _, info := range registered {
		matchesPrefix := strings.HasPrefix(info.Name, r.managedPrefix+"-")
		if !matchesPrefix {
			continue
		}
		found := false
		for _, w := range tracked {
			if w.Name == info.Name {
				found = true
				break
			}
		}
		if !found {
			if err := r.prov.DeregisterWorker(ctx, repo.Slug(), info.ID); err != nil {
				log.WithRepo(repo.ID).Warn().Err(err).Str("worker", info.Name).Msg("failed to deregister orphan")
			}
		}
	}
}

// diagnoseOffline inspects a bounded log tail and acts on the decision table:
// an auth-expiry signal recreates the container with a fresh token, a crash
// signal restarts it, and no known signal gives up and cleans the worker up.
func (r *Reconciler) diagnoseOffline(ctx context.Context, w *types.Worker) {
	logs, err := r.engine.ContainerLogs(ctx, w.ContainerID, r.logTailLines)
	if err != nil {
		r.Cleanup(ctx, w)
		return
	}
	text := string(logs)

	switch {
	case strings.Contains(text, "registration failed") || strings.Contains(text, "Unauthorized"):
		r.reregister(ctx, w)
	case strings.Contains(text, "listener exited"):
		r.restart(ctx, w)
	default:
		r.Cleanup(ctx, w)
	}
}

func (r *Reconciler) restart(ctx context.Context, w *types.Worker) {
	if err := r.engine.StopContainer(ctx, w.ContainerID, r.stopGrace); err != nil {
		log.WithWorker(w.Name).Warn().Err(err).Msg("failed to stop container for restart")
		return
	}
	if err := r.engine.StartContainer(ctx, w.ContainerID); err != nil {
		log.WithWorker(w.Name).Warn().Err(err).Msg("failed to start container for restart")
		return
	}
	r.broker.Publish(events.NewWorkerRestarted(events.WorkerRestarted{RepoID: w.RepoID, WorkerName: w.Name}))
}

// reregister stops, removes, and deregisters a worker's old container once an
// auth-expiry signal is diagnosed, then hands off to the owning
// PerRepoController to recreate it under the same name with a fresh token, so
// RepoState and the tracking map keep one stable key across the sequence.
// If no callback is registered for the repo, or recreation fails, this falls
// back to Cleanup so the worker does not linger half-torn-down.
func (r *Reconciler) reregister(ctx context.Context, w *types.Worker) {
	if err := r.engine.StopContainer(ctx, w.ContainerID, r.stopGrace); err != nil {
		log.WithWorker(w.Name).Warn().Err(err).Msg("failed to stop container before reregistration")
	}
	if err := r.engine.RemoveContainer(ctx, w.ContainerID); err != nil {
		log.WithWorker(w.Name).Warn().Err(err).Msg("failed to remove container before reregistration")
	}
	if w.ProviderID != "" {
		if err := r.prov.DeregisterWorker(ctx, w.RepoSlug, w.ProviderID); err != nil {
			log.WithWorker(w.Name).Warn().Err(err).Msg("reregistration: deregister failed (tolerated if NotFound)")
		}
	}

	cb, ok := r.callbackFor(w.RepoID)
	if !ok {
		log.WithWorker(w.Name).Warn().Msg("no callback registered for repo; falling back to cleanup")
		r.Cleanup(ctx, w)
		return
	}
	if err := cb.Reregister(ctx, w.Name); err != nil {
		log.WithWorker(w.Name).Warn().Err(err).Msg("reregistration failed; falling back to cleanup")
		r.Cleanup(ctx, w)
		return
	}
}

// callbackFor resolves the owning controller's RepoCallback, if a lookup has
// been installed.
func (r *Reconciler) callbackFor(repoID string) (RepoCallback, bool) {
	if r.lookup == nil {
		return nil, false
	}
	return r.lookup(repoID)
}

// Cleanup stops, removes, and deregisters a worker, tolerating an
// already-removed container and an already-deregistered Provider worker, and
// is idempotent: calling it twice for the same worker produces no error. It
// then hands off to the owning PerRepoController so RepoState drops the
// worker too (and, for a Dedicated worker while this instance is leader,
// schedules recreation).
func (r *Reconciler) Cleanup(ctx context.Context, w *types.Worker) {
	if err := r.engine.StopContainer(ctx, w.ContainerID, r.stopGrace); err != nil {
		log.WithWorker(w.Name).Warn().Err(err).Msg("cleanup: stop failed")
	}
	if err := r.engine.RemoveContainer(ctx, w.ContainerID); err != nil {
		log.WithWorker(w.Name).Warn().Err(err).Msg("cleanup: remove failed")
	}
	if w.ProviderID != "" {
		if err := r.prov.DeregisterWorker(ctx, w.RepoSlug, w.ProviderID); err != nil {
			log.WithWorker(w.Name).Warn().Err(err).Msg("cleanup: deregister failed (tolerated if NotFound)")
		}
	}
	r.Untrack(w.Name)
	r.broker.Publish(events.NewWorkerRemoved(events.WorkerRemoved{RepoID: w.RepoID, WorkerName: w.Name, Reason: "cleanup"}))

	if cb, ok := r.callbackFor(w.RepoID); ok {
		if err := cb.HandleWorkerRemoved(ctx, w.Name, r.isLeader()); err != nil {
			log.WithWorker(w.Name).Warn().Err(err).Msg("repo callback failed to process removal")
		}
	}
}

// reapOrphans removes, once at startup before the first monitoring tick, any
// container whose orchestrator.repo label names a configured repository and
// whose name is not in the tracking map, to prevent zombie workers from
// surviving process restarts.
func (r *Reconciler) reapOrphans(ctx context.Context, repos []types.Repository) {
	for _, repo := range repos {
		summaries, err := r.engine.ListContainers(ctx, map[string]string{
			containerengine.LabelRepo: repo.ID,
		})
		if err != nil {
			log.WithRepo(repo.ID).Warn().Err(err).Msg("orphan reaper: listing containers failed")
			continue
		}
		tracked := r.Snapshot()
		for _, s := range summaries {
			if _, ok := tracked[s.Name]; ok {
				continue
			}
			if err := r.engine.StopContainer(ctx, s.ID, r.stopGrace); err != nil {
				log.WithRepo(repo.ID).Warn().Err(err).Str("container", s.ID).Msg("orphan reaper: stop failed")
			}
			if err := r.engine.RemoveContainer(ctx, s.ID); err != nil {
				log.WithRepo(repo.ID).Warn().Err(err).Str("container", s.ID).Msg("orphan reaper: remove failed")
			}
		}
	}
}
