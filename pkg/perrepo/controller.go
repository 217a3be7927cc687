// Package perrepo implements the PerRepoController: a single-owner actor that
// maintains one repository's dedicated worker and scales its dynamic worker
// pool between 0 and a configured maximum based on saturation.
package perrepo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fleetcore/pkg/containerengine"
	"github.com/cuemby/fleetcore/pkg/events"
	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/provider"
	"github.com/cuemby/fleetcore/pkg/tokenbroker"
	"github.com/cuemby/fleetcore/pkg/types"
)

// Tracker is the subset of the lifecycle reconciler's API this controller
// needs: registering and forgetting the workers it creates and destroys.
type Tracker interface {
	Track(w *types.Worker)
	Untrack(name string)
}

// Config tunes scaling thresholds and naming.
type Config struct {
	ManagedPrefix    string
	MaxDynamic       int
	IdleTimeout      time.Duration // default 300s
	Image            string
	WorkerEnv        map[string]string
	StopGrace        time.Duration
	MemoryLimitBytes int64
	CPUQuotaMicros   int64
}

// request is the single-writer-discipline envelope: every external call is
// a closure executed exclusively by the owner goroutine against its own
// state, with no other goroutine ever touching RepoState directly.
type request struct {
	fn   func(ctx context.Context) (interface{}, error)
	resp chan response
}

type response struct {
	val interface{}
	err error
}

// Controller is the PerRepoController: it exclusively owns one repository's
// RepoState via its owner goroutine.
type Controller struct {
	repo    types.Repository
	cfg     Config
	engine  containerengine.Engine
	prov    provider.Provider
	tokens  *tokenbroker.Broker
	broker  *events.Broker
	tracker Tracker

	reqCh chan request
	stopCh chan struct{}

	state               *types.RepoState
	consecutiveFailures int

	// degraded is set when the Provider or ContainerEngine rejects a spawn
	// with a quota limit; auto-scaling stays blocked until operator action
	// (a process restart after the quota is raised).
	degraded bool
}

// New creates a PerRepoController for one repository. Call Start before any
// public method.
func New(repo types.Repository, cfg Config, engine containerengine.Engine, prov provider.Provider, tokens *tokenbroker.Broker, broker *events.Broker, tracker Tracker) *Controller {
	return &Controller{
		repo:    repo,
		cfg:     cfg,
		engine:  engine,
		prov:    prov,
		tokens:  tokens,
		broker:  broker,
		tracker: tracker,
		reqCh:   make(chan request),
		stopCh:  make(chan struct{}),
		state:   &types.RepoState{RepoID: repo.ID},
	}
}

// Start launches the owner goroutine. All mutation of RepoState happens only
// on this goroutine, so no locking is needed inside it.
func (c *Controller) Start() {
	go c.run()
}

// Stop halts the owner goroutine.
func (c *Controller) Stop() {
	close(c.stopCh)
}

func (c *Controller) run() {
	for {
		select {
		case req := <-c.reqCh:
			val, err := req.fn(context.Background())
			req.resp <- response{val: val, err: err}
		case <-c.stopCh:
			return
		}
	}
}

// call submits fn to the owner goroutine and blocks for its result.
func (c *Controller) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	req := request{fn: fn, resp: make(chan response, 1)}
	select {
	case c.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, fmt.Errorf("controller for %s stopped", c.repo.Slug())
	}
	select {
	case r := <-req.resp:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MaxDynamic returns the configured dynamic-worker cap for this repository.
func (c *Controller) MaxDynamic() int {
	return c.cfg.MaxDynamic
}

// Snapshot returns a read-only copy of the current RepoState, safe to call
// concurrently (it is itself routed through the owner goroutine).
func (c *Controller) Snapshot(ctx context.Context) (types.RepoState, error) {
	v, err := c.call(ctx, func(ctx context.Context) (interface{}, error) {
		cp := *c.state
		cp.Dynamic = append([]*types.Worker(nil), c.state.Dynamic...)
		return cp, nil
	})
	if err != nil {
		return types.RepoState{}, err
	}
	return v.(types.RepoState), nil
}

// EnsureDedicated is idempotent: RepoState.Dedicated ends up non-nil and
// running, or a DedicatedEnsureFailed error is returned. A second call when
// the dedicated worker already exists and is running performs no work.
func (c *Controller) EnsureDedicated(ctx context.Context) error {
	_, err := c.call(ctx, func(ctx context.Context) (interface{}, error) {
		if c.state.Dedicated != nil && c.state.Dedicated.Running() {
			return nil, nil
		}
		w, err := c.spawn(ctx, types.WorkerKindDedicated)
		if err != nil {
			return nil, fmt.Errorf("DedicatedEnsureFailed: %w", err)
		}
		c.state.Dedicated = w
		return nil, nil
	})
	return err
}

// EvaluateAndScale runs one pass of the saturation rule: if every healthy
// worker in the pool is busy and the dynamic pool has headroom, spawn exactly
// one more dynamic worker. At most one spawn happens per call. Each dynamic
// worker's Busy flag is first updated from busy, and a worker seen going from
// busy to idle has its LastActivityAt set to now, the point IdleCleanup
// measures idle time from.
func (c *Controller) EvaluateAndScale(ctx context.Context, busy map[string]bool) error {
	_, err := c.call(ctx, func(ctx context.Context) (interface{}, error) {
		timer := metrics.NewTimer()
		defer timer.ObserveDuration(metrics.ScaleDecisionDuration)

		now := time.Now()
		for _, w := range c.state.Dynamic {
			if w.Busy && !busy[w.Name] {
				w.LastActivityAt = now
			}
			w.Busy = busy[w.Name]
		}

		if c.degraded {
			return nil, nil // quota exceeded earlier; no auto-scale until operator action
		}
		pool := c.state.HealthyPool()
		if len(pool) == 0 {
			return nil, nil
		}
		busyCount := 0
		for _, w := range pool {
			if busy[w.Name] {
				busyCount++
			}
		}
		saturated := busyCount == len(pool)
		if !saturated || len(c.state.Dynamic) >= c.cfg.MaxDynamic {
			return nil, nil
		}

		w, err := c.spawn(ctx, types.WorkerKindDynamic)
		if err != nil {
			c.consecutiveFailures++
			metrics.WorkerSpawnFailuresTotal.WithLabelValues(c.repo.ID).Inc()
			if isQuotaExceeded(err) {
				c.degraded = true
				c.broker.Publish(events.NewRepoDegraded(events.RepoDegraded{RepoID: c.repo.ID, Reason: err.Error()}))
			} else if c.consecutiveFailures > 3 {
				c.broker.Publish(events.NewRepoDegraded(events.RepoDegraded{RepoID: c.repo.ID, Reason: err.Error()}))
			}
			log.WithRepo(c.repo.ID).Warn().Err(err).Msg("dynamic worker spawn failed")
			return nil, nil // transient: logged and retried next tick, never a retry storm
		}
		c.consecutiveFailures = 0

		c.state.Dynamic = append(c.state.Dynamic, w)
		c.state.LastScaleAt = time.Now()
		metrics.ScaleUpTotal.WithLabelValues(c.repo.ID).Inc()
		c.broker.Publish(events.NewScaleUp(events.ScaleAction{RepoID: c.repo.ID, DynamicLen: len(c.state.Dynamic)}))
		return nil, nil
	})
	return err
}

// IdleCleanup removes dynamic workers idle for longer than IdleTimeout, oldest
// createdAt first. Dedicated workers are never touched by this pass. A
// worker idle for exactly IdleTimeout is not yet eligible; eligibility
// requires the elapsed idle duration to strictly exceed the threshold.
func (c *Controller) IdleCleanup(ctx context.Context, now time.Time) error {
	_, err := c.call(ctx, func(ctx context.Context) (interface{}, error) {
		sort.Slice(c.state.Dynamic, func(i, j int) bool {
			return c.state.Dynamic[i].CreatedAt.Before(c.state.Dynamic[j].CreatedAt)
		})

		remaining := len(c.state.Dynamic)
		var kept []*types.Worker
		for _, w := range c.state.Dynamic {
			idleFor := now.Sub(w.LastActivityAt)
			if !w.Busy && idleFor > c.cfg.IdleTimeout {
				remaining--
				c.removeWorker(ctx, w, "idle", remaining)
				continue
			}
			kept = append(kept, w)
		}
		c.state.Dynamic = kept
		return nil, nil
	})
	return err
}

// HandleWorkerRemoved drops a worker from RepoState after the lifecycle
// reconciler has already torn it down out-of-band (e.g. cleanup after
// Provider deregistration). If the removed worker was Dedicated, a fresh one
// is scheduled for recreation.
func (c *Controller) HandleWorkerRemoved(ctx context.Context, workerName string, isLeader bool) error {
	_, err := c.call(ctx, func(ctx context.Context) (interface{}, error) {
		if c.state.Dedicated != nil && c.state.Dedicated.Name == workerName {
			c.state.Dedicated = nil
			if isLeader {
				w, err := c.spawn(ctx, types.WorkerKindDedicated)
				if err != nil {
					log.WithRepo(c.repo.ID).Warn().Err(err).Msg("dedicated worker recreation failed")
					return nil, nil
				}
				c.state.Dedicated = w
			}
			return nil, nil
		}
		for i, w := range c.state.Dynamic {
			if w.Name == workerName {
				c.state.Dynamic = append(c.state.Dynamic[:i], c.state.Dynamic[i+1:]...)
				break
			}
		}
		return nil, nil
	})
	return err
}

// Reregister recreates a tracked worker's container in place (same name,
// fresh token) after the lifecycle reconciler has torn down the old
// container and deregistered it from the Provider. RepoState and the
// tracking map keep one stable key across the whole stop/remove/recreate
// sequence.
func (c *Controller) Reregister(ctx context.Context, workerName string) error {
	_, err := c.call(ctx, func(ctx context.Context) (interface{}, error) {
		_, kind, found := c.findWorker(workerName)
		if !found {
			return nil, nil // already gone from RepoState; nothing to recreate
		}
		w, err := c.spawnNamed(ctx, kind, workerName)
		if err != nil {
			return nil, fmt.Errorf("reregistering %s: %w", workerName, err)
		}
		c.replaceWorker(kind, w)
		c.broker.Publish(events.NewWorkerReregistered(events.WorkerReregistered{RepoID: c.repo.ID, WorkerName: workerName}))
		return nil, nil
	})
	return err
}

// findWorker locates a tracked worker by name within RepoState.
func (c *Controller) findWorker(name string) (*types.Worker, types.WorkerKind, bool) {
	if c.state.Dedicated != nil && c.state.Dedicated.Name == name {
		return c.state.Dedicated, types.WorkerKindDedicated, true
	}
	for _, w := range c.state.Dynamic {
		if w.Name == name {
			return w, types.WorkerKindDynamic, true
		}
	}
	return nil, "", false
}

// replaceWorker swaps the RepoState slot for an already-known worker name with
// a freshly recreated Worker value (new ContainerID, same name).
func (c *Controller) replaceWorker(kind types.WorkerKind, w *types.Worker) {
	if kind == types.WorkerKindDedicated {
		c.state.Dedicated = w
		return
	}
	for i, d := range c.state.Dynamic {
		if d.Name == w.Name {
			c.state.Dynamic[i] = w
			return
		}
	}
}

// isQuotaExceeded matches the QuotaExceeded error kind by description, the
// same way the provider adapter classifies HTTP status into kinds.
func isQuotaExceeded(err error) bool {
	return err != nil && strings.Contains(err.Error(), "quota exceeded")
}

// isNameConflict matches a container-name collision, which both containerd
// and the provider adapter report as an already-exists condition.
func isNameConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}

// spawn creates and starts a new worker container under a freshly generated
// name, rolling back any partial container if a later step fails.
func (c *Controller) spawn(ctx context.Context, kind types.WorkerKind) (*types.Worker, error) {
	name := fmt.Sprintf("%s-%s-%s-%s", c.cfg.ManagedPrefix, kind, c.repo.Name, uuid.New().String()[:8])
	return c.spawnNamed(ctx, kind, name)
}

// spawnNamed creates and starts a new worker container under an explicit
// name (used both for fresh spawns and for same-name reregistration),
// rolling back any partial container if a later step in the sequence fails.
func (c *Controller) spawnNamed(ctx context.Context, kind types.WorkerKind, name string) (*types.Worker, error) {
	tok, err := c.tokens.GetValid(ctx, c.repo.ID)
	if err != nil {
		return nil, fmt.Errorf("obtaining registration token: %w", err)
	}

	env := make(map[string]string, len(c.cfg.WorkerEnv)+1)
	for k, v := range c.cfg.WorkerEnv {
		env[k] = v
	}
	env["RUNNER_TOKEN"] = tok.Value
	env["RUNNER_NAME"] = name
	env["RUNNER_REPO"] = c.repo.Slug()

	spec := containerengine.Spec{
		Name:  name,
		Image: c.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			containerengine.LabelKind:           string(kind),
			containerengine.LabelRepo:           c.repo.ID,
			containerengine.LabelCreatedAt:      time.Now().Format(time.RFC3339),
			containerengine.LabelTokenExpiresAt: tok.ExpiresAt.Format(time.RFC3339),
		},
		MemoryLimitBytes: c.cfg.MemoryLimitBytes,
		CPUQuotaMicros:   c.cfg.CPUQuotaMicros,
	}

	containerID, err := c.engine.CreateContainer(ctx, spec)
	if isNameConflict(err) {
		// A leftover container squats on the name (e.g. a crashed instance
		// never cleaned up). Reap it and try once more.
		if stopErr := c.engine.StopContainer(ctx, name, c.cfg.StopGrace); stopErr != nil {
			log.WithWorker(name).Warn().Err(stopErr).Msg("stopping squatting container failed")
		}
		if rmErr := c.engine.RemoveContainer(ctx, name); rmErr != nil {
			return nil, fmt.Errorf("reaping squatting container %s: %w", name, rmErr)
		}
		containerID, err = c.engine.CreateContainer(ctx, spec)
	}
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := c.engine.StartContainer(ctx, containerID); err != nil {
		if rmErr := c.engine.RemoveContainer(ctx, containerID); rmErr != nil {
			log.WithRepo(c.repo.ID).Warn().Err(rmErr).Msg("rollback: failed to remove unstarted container")
		}
		return nil, fmt.Errorf("starting container: %w", err)
	}

	w := &types.Worker{
		Name:           name,
		Kind:           kind,
		RepoID:         c.repo.ID,
		RepoSlug:       c.repo.Slug(),
		ContainerID:    containerID,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
		Health:         types.HealthHealthy,
		TokenExpiresAt: tok.ExpiresAt,
	}
	c.tracker.Track(w)
	c.broker.Publish(events.NewWorkerCreated(events.WorkerCreated{RepoID: c.repo.ID, WorkerName: name, Kind: string(kind)}))
	return w, nil
}

// removeWorker stops, removes, and deregisters a worker and drops it from
// tracking; called only from within the owner goroutine. remainingDynamic is
// the dynamic-worker count after this removal, supplied by the caller since
// c.state.Dynamic is not yet updated when a batch (e.g. IdleCleanup) removes
// more than one worker per pass.
func (c *Controller) removeWorker(ctx context.Context, w *types.Worker, reason string, remainingDynamic int) {
	if err := c.engine.StopContainer(ctx, w.ContainerID, c.cfg.StopGrace); err != nil {
		log.WithWorker(w.Name).Warn().Err(err).Msg("idle cleanup: stop failed")
	}
	if err := c.engine.RemoveContainer(ctx, w.ContainerID); err != nil {
		log.WithWorker(w.Name).Warn().Err(err).Msg("idle cleanup: remove failed")
	}
	if w.ProviderID != "" {
		if err := c.prov.DeregisterWorker(ctx, w.RepoSlug, w.ProviderID); err != nil {
			log.WithWorker(w.Name).Warn().Err(err).Msg("idle cleanup: deregister failed (tolerated if NotFound)")
		}
	}
	c.tracker.Untrack(w.Name)
	metrics.ScaleDownTotal.WithLabelValues(c.repo.ID).Inc()
	c.broker.Publish(events.NewWorkerRemoved(events.WorkerRemoved{RepoID: c.repo.ID, WorkerName: w.Name, Reason: reason}))
	c.broker.Publish(events.NewScaleDown(events.ScaleAction{RepoID: c.repo.ID, DynamicLen: remainingDynamic}))
}
