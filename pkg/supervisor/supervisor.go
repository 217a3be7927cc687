// Package supervisor implements the ScalerSupervisor: the top-level
// lifecycle owner that starts/stops the fleet, drives the monitoring and
// idle-cleanup tickers, and gates every mutating decision on leadership.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/fleetcore/pkg/containerengine"
	"github.com/cuemby/fleetcore/pkg/events"
	"github.com/cuemby/fleetcore/pkg/leader"
	"github.com/cuemby/fleetcore/pkg/lifecycle"
	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/perrepo"
	"github.com/cuemby/fleetcore/pkg/provider"
	"github.com/cuemby/fleetcore/pkg/tokenbroker"
	"github.com/cuemby/fleetcore/pkg/types"
)

// FatalInitError signals that a required dependency was unreachable at
// startup in a way that prevents creating the minimum fleet; the process
// must exit with code 1 on this error.
type FatalInitError struct {
	Cause error
}

func (e *FatalInitError) Error() string { return fmt.Sprintf("fatal init: %v", e.Cause) }
func (e *FatalInitError) Unwrap() error { return e.Cause }

// Config tunes the supervisor's own tick periods and shutdown bound.
type Config struct {
	MonitorInterval time.Duration // default 30s
	CleanupInterval time.Duration // default 60s
	ShutdownTimeout time.Duration // default 30s
}

// Supervisor is the ScalerSupervisor. It exclusively owns the map of
// PerRepoControllers and the LeaderElector.
type Supervisor struct {
	cfg        Config
	repos      []types.Repository
	engine     containerengine.Engine
	prov       provider.Provider
	tokens     *tokenbroker.Broker
	broker     *events.Broker
	reconciler *lifecycle.Reconciler
	elector    *leader.Elector

	controllers map[string]*perrepo.Controller

	monitoringInProgress atomic.Bool

	mu          sync.RWMutex
	lastMonitor time.Time
	lastCleanup time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Supervisor from already-constructed adapters and per-repo
// controllers; use New with controllers built via perrepo.New for each
// configured repository.
func New(cfg Config, repos []types.Repository, engine containerengine.Engine, prov provider.Provider, tokens *tokenbroker.Broker, broker *events.Broker, reconciler *lifecycle.Reconciler, elector *leader.Elector, controllers map[string]*perrepo.Controller) *Supervisor {
	reconciler.SetCallbackLookup(func(repoID string) (lifecycle.RepoCallback, bool) {
		ctrl, ok := controllers[repoID]
		if !ok {
			return nil, false
		}
		return ctrl, true
	})
	tokens.SetLeaderGate(elector.IsLeader)
	return &Supervisor{
		cfg:         cfg,
		repos:       repos,
		engine:      engine,
		prov:        prov,
		tokens:      tokens,
		broker:      broker,
		reconciler:  reconciler,
		elector:     elector,
		controllers: controllers,
	}
}

// Start starts the leader elector, each repository's controller and token
// refresher, the lifecycle reconciler, and the monitoring/cleanup tickers. If
// this instance already holds leadership at that point it also ensures every
// repository's dedicated worker; otherwise the first monitor tick after it
// wins an election does. Returns a *FatalInitError if the elector cannot
// subscribe, a repository has no controller, or that initial EnsureDedicated
// fails.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.broker.Start()

	if err := s.elector.Start(ctx); err != nil {
		cancel()
		return &FatalInitError{Cause: fmt.Errorf("starting leader elector: %w", err)}
	}

	for _, repo := range s.repos {
		ctrl, ok := s.controllers[repo.ID]
		if !ok {
			cancel()
			return &FatalInitError{Cause: fmt.Errorf("no controller configured for repository %s", repo.Slug())}
		}
		ctrl.Start()
		s.tokens.StartRefresher(ctx, repo.ID)

		if s.elector.IsLeader() {
			if err := ctrl.EnsureDedicated(ctx); err != nil {
				cancel()
				return &FatalInitError{Cause: fmt.Errorf("ensuring dedicated worker for %s: %w", repo.Slug(), err)}
			}
		}
	}

	s.reconciler.Start(ctx, s.repos)

	s.wg.Add(2)
	go s.monitorLoop(ctx)
	go s.cleanupLoop(ctx)

	log.WithComponent("supervisor").Info().Int("repos", len(s.repos)).Msg("supervisor started")
	return nil
}

// Stop cancels all tickers, stops controllers in reverse-init order, and
// releases the leader lease if held, bounded by ShutdownTimeout.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		log.WithComponent("supervisor").Warn().Msg("shutdown timeout exceeded, abandoning remaining tasks")
	}

	for i := len(s.repos) - 1; i >= 0; i-- {
		if ctrl, ok := s.controllers[s.repos[i].ID]; ok {
			ctrl.Stop()
		}
		s.tokens.StopRefresher(s.repos[i].ID)
	}

	s.reconciler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.elector.Stop(shutdownCtx)

	s.broker.Stop()
	log.WithComponent("supervisor").Info().Msg("supervisor stopped")
}

// monitorLoop periodically evaluates scaling for every repository, dropping
// (not queueing) a tick if the previous iteration is still running.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.MonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.monitoringInProgress.CompareAndSwap(false, true) {
				metrics.TicksDroppedTotal.WithLabelValues("monitor").Inc()
				continue
			}
			func() {
				defer s.monitoringInProgress.Store(false)
				s.monitorOnce(ctx)
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) monitorOnce(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "monitor")
		metrics.ReconciliationCyclesTotal.WithLabelValues("monitor").Inc()
		s.mu.Lock()
		s.lastMonitor = time.Now()
		s.mu.Unlock()
	}()

	isLeader := s.elector.IsLeader()
	metrics.WorkersTotal.Reset()

	for _, repo := range s.repos {
		ctrl := s.controllers[repo.ID]
		snap, err := ctrl.Snapshot(ctx)
		if err != nil {
			log.WithRepo(repo.ID).Warn().Err(err).Msg("snapshot failed during monitor tick")
			continue
		}
		s.recordFleetMetrics(repo, snap, ctrl.MaxDynamic())

		if !isLeader {
			continue // non-leader: local observability only, no mutating calls
		}

		// Re-run on every tick a leader holds the lease, not just at startup:
		// a follower promoted by failover never went through Start's one-time
		// EnsureDedicated call, so its RepoState.Dedicated would otherwise
		// stay nil forever. EnsureDedicated no-ops once a healthy dedicated
		// worker is running, so this costs nothing in steady state.
		if err := ctrl.EnsureDedicated(ctx); err != nil {
			log.WithRepo(repo.ID).Warn().Err(err).Msg("ensure dedicated failed during monitor tick")
			continue
		}

		busy, err := s.busyStatus(ctx, repo, snap)
		if err != nil {
			log.WithRepo(repo.ID).Warn().Err(err).Msg("listing busy status failed")
			continue
		}
		if err := ctrl.EvaluateAndScale(ctx, busy); err != nil {
			log.WithRepo(repo.ID).Warn().Err(err).Msg("evaluate and scale failed")
		}
	}
}

// busyStatus derives per-worker busy status from the Provider's runner list,
// since ListWorkers already reports a busy flag directly. An auth-expired
// response invalidates the repo's cached registration token and the listing
// is retried once with credentials refreshed out of band.
func (s *Supervisor) busyStatus(ctx context.Context, repo types.Repository, snap types.RepoState) (map[string]bool, error) {
	workers, err := s.prov.ListWorkers(ctx, repo.Slug())
	if err != nil && strings.Contains(err.Error(), "auth expired") {
		s.tokens.Invalidate(repo.ID)
		workers, err = s.prov.ListWorkers(ctx, repo.Slug())
	}
	if err != nil {
		return nil, err
	}
	byName := make(map[string]bool, len(workers))
	for _, w := range workers {
		byName[w.Name] = w.Busy
	}
	return byName, nil
}

func (s *Supervisor) recordFleetMetrics(repo types.Repository, snap types.RepoState, maxDynamic int) {
	dedicated := 0.0
	if snap.Dedicated != nil {
		dedicated = 1
	}
	metrics.WorkersTotal.WithLabelValues(repo.ID, "dedicated").Set(dedicated)
	metrics.WorkersTotal.WithLabelValues(repo.ID, "dynamic").Set(float64(len(snap.Dynamic)))

	atCap := 0.0
	if maxDynamic > 0 && len(snap.Dynamic) >= maxDynamic {
		atCap = 1
	}
	metrics.DynamicWorkersAtCap.WithLabelValues(repo.ID).Set(atCap)
}

// cleanupLoop periodically runs idle-cleanup for every repository.
func (s *Supervisor) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.elector.IsLeader() {
				continue
			}
			now := time.Now()
			for _, repo := range s.repos {
				if err := s.controllers[repo.ID].IdleCleanup(ctx, now); err != nil {
					log.WithRepo(repo.ID).Warn().Err(err).Msg("idle cleanup failed")
				}
			}
			s.mu.Lock()
			s.lastCleanup = now
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// Status returns an aggregated, point-in-time snapshot for the status surface.
func (s *Supervisor) Status(ctx context.Context) types.Snapshot {
	s.mu.RLock()
	lastMonitor, lastCleanup := s.lastMonitor, s.lastCleanup
	s.mu.RUnlock()

	snap := types.Snapshot{
		Leader:      s.elector.Status(),
		Components:  s.reconciler.ComponentHealth(),
		LastMonitor: lastMonitor,
		LastCleanup: lastCleanup,
	}
	for _, repo := range s.repos {
		ctrl, ok := s.controllers[repo.ID]
		if !ok {
			continue
		}
		rs, err := ctrl.Snapshot(ctx)
		if err != nil {
			continue
		}
		rsnap := types.RepoSnapshot{RepoID: repo.ID, DynamicCount: len(rs.Dynamic), LastScaleAt: rs.LastScaleAt}
		if rs.Dedicated != nil {
			rsnap.DedicatedName = rs.Dedicated.Name
		}
		snap.Repos = append(snap.Repos, rsnap)
	}
	return snap
}
