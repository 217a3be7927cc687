package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetcore/pkg/containerengine"
	"github.com/cuemby/fleetcore/pkg/coordination"
	"github.com/cuemby/fleetcore/pkg/events"
	"github.com/cuemby/fleetcore/pkg/leader"
	"github.com/cuemby/fleetcore/pkg/lifecycle"
	"github.com/cuemby/fleetcore/pkg/perrepo"
	"github.com/cuemby/fleetcore/pkg/provider"
	"github.com/cuemby/fleetcore/pkg/tokenbroker"
	"github.com/cuemby/fleetcore/pkg/types"
)

type fakeEngine struct {
	mu    sync.Mutex
	count int
}

func (f *fakeEngine) CreateContainer(ctx context.Context, spec containerengine.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return spec.Name + "-id", nil
}
func (f *fakeEngine) StartContainer(ctx context.Context, id string) error { return nil }
func (f *fakeEngine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	return nil
}
func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error { return nil }
func (f *fakeEngine) InspectContainer(ctx context.Context, id string) (containerengine.InspectResult, error) {
	return containerengine.InspectResult{Running: true}, nil
}
func (f *fakeEngine) ListContainers(ctx context.Context, labelFilter map[string]string) ([]containerengine.Summary, error) {
	return nil, nil
}
func (f *fakeEngine) ContainerLogs(ctx context.Context, id string, tailLines int) ([]byte, error) {
	return nil, nil
}
func (f *fakeEngine) ContainerStats(ctx context.Context, id string) (containerengine.Stats, error) {
	return containerengine.Stats{}, nil
}

type fakeProvider struct {
	provider.Provider

	mu            sync.Mutex
	listCalls     int
	authFailFirst bool
}

func (f *fakeProvider) CreateRegistrationToken(ctx context.Context, repoSlug string) (provider.RegistrationToken, error) {
	return provider.RegistrationToken{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}
func (f *fakeProvider) ListWorkers(ctx context.Context, repoSlug string) ([]provider.WorkerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.authFailFirst && f.listCalls == 1 {
		return nil, errors.New("provider auth expired (status 401)")
	}
	return nil, nil
}
func (f *fakeProvider) DeregisterWorker(ctx context.Context, repoSlug, workerID string) error {
	return nil
}

// memStore is a single-process coordination.Store, enough for one elector to
// win immediately with no contention.
type memStore struct {
	mu      sync.Mutex
	holders map[string]string
}

func newMemStore() *memStore { return &memStore{holders: make(map[string]string)} }

func (s *memStore) TryAcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.holders[key]; taken {
		return false, nil
	}
	s.holders[key] = holderID
	return true, nil
}
func (s *memStore) RenewLease(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders[key] == holderID, nil
}
func (s *memStore) ReleaseLease(ctx context.Context, key, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holders[key] == holderID {
		delete(s.holders, key)
	}
	return nil
}
func (s *memStore) Publish(ctx context.Context, topic string, message []byte) error { return nil }
func (s *memStore) Subscribe(ctx context.Context, topic string) (<-chan coordination.Message, error) {
	ch := make(chan coordination.Message)
	go func() { <-ctx.Done() }()
	return ch, nil
}

// gatedStore denies the first n lease-acquisition attempts, simulating a
// replica that starts as a follower (another instance holds the lease) and
// is only later promoted, e.g. by the original holder's failure.
type gatedStore struct {
	*memStore
	mu   sync.Mutex
	deny int
}

func (s *gatedStore) TryAcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	if s.deny > 0 {
		s.deny--
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()
	return s.memStore.TryAcquireLease(ctx, key, holderID, ttl)
}

func buildTestSupervisorWithStore(t *testing.T, store coordination.Store) *Supervisor {
	t.Helper()
	repo := types.Repository{ID: "r1", Owner: "cuemby", Name: "fleetcore"}
	repos := []types.Repository{repo}

	engine := &fakeEngine{}
	prov := &fakeProvider{}
	broker := events.NewBroker()
	tokens := tokenbroker.New(prov, broker, tokenbroker.DefaultConfig())

	electorCfg := leader.DefaultConfig()
	electorCfg.LeaseKey = "test"
	electorCfg.HeartbeatTopic = "test/heartbeat"
	electorCfg.HolderID = "only-instance"
	electorCfg.ElectionTimeout = 30 * time.Millisecond
	electorCfg.HeartbeatPeriod = 10 * time.Millisecond
	electorCfg.LeaseTTL = time.Second
	elector := leader.New(store, broker, electorCfg)

	reconciler := lifecycle.New(engine, prov, broker, elector.IsLeader, lifecycle.Config{
		ManagedPrefix: "orchestrator",
		HealthPeriod:  time.Hour,
		SyncPeriod:    time.Hour,
		StopGrace:     time.Second,
		LogTailLines:  50,
	})

	controllers := map[string]*perrepo.Controller{
		repo.ID: perrepo.New(repo, perrepo.Config{
			ManagedPrefix: "orchestrator",
			MaxDynamic:    2,
			IdleTimeout:   time.Hour,
			Image:         "runner:latest",
			StopGrace:     time.Second,
		}, engine, prov, tokens, broker, reconciler),
	}

	return New(Config{
		MonitorInterval: 20 * time.Millisecond,
		CleanupInterval: time.Hour,
		ShutdownTimeout: time.Second,
	}, repos, engine, prov, tokens, broker, reconciler, elector, controllers)
}

func buildTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return buildTestSupervisorWithStore(t, newMemStore())
}

func TestSupervisorStartEnsuresDedicatedWorker(t *testing.T) {
	sup := buildTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	assert.Eventually(t, func() bool {
		snap := sup.Status(ctx)
		return len(snap.Repos) == 1 && snap.Repos[0].DedicatedName != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisorStatusReportsLeadership(t *testing.T) {
	sup := buildTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	assert.Eventually(t, func() bool {
		return sup.Status(ctx).Leader.IsLeader
	}, time.Second, 10*time.Millisecond)
}

func TestSupervisorStopIsBounded(t *testing.T) {
	sup := buildTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))

	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return within a reasonable bound")
	}
}

func TestBusyStatusRetriesOnceAfterAuthExpiry(t *testing.T) {
	repo := types.Repository{ID: "r1", Owner: "cuemby", Name: "fleetcore"}
	engine := &fakeEngine{}
	prov := &fakeProvider{authFailFirst: true}
	broker := events.NewBroker()
	tokens := tokenbroker.New(prov, broker, tokenbroker.DefaultConfig())

	electorCfg := leader.DefaultConfig()
	electorCfg.LeaseKey = "test"
	electorCfg.HeartbeatTopic = "test/heartbeat"
	electorCfg.HolderID = "only-instance"
	elector := leader.New(newMemStore(), broker, electorCfg)

	reconciler := lifecycle.New(engine, prov, broker, elector.IsLeader, lifecycle.Config{
		ManagedPrefix: "orchestrator",
		HealthPeriod:  time.Hour,
		SyncPeriod:    time.Hour,
		StopGrace:     time.Second,
		LogTailLines:  50,
	})
	controllers := map[string]*perrepo.Controller{
		repo.ID: perrepo.New(repo, perrepo.Config{ManagedPrefix: "orchestrator", MaxDynamic: 2, IdleTimeout: time.Hour, Image: "runner:latest", StopGrace: time.Second}, engine, prov, tokens, broker, reconciler),
	}
	sup := New(Config{MonitorInterval: time.Hour, CleanupInterval: time.Hour, ShutdownTimeout: time.Second}, []types.Repository{repo}, engine, prov, tokens, broker, reconciler, elector, controllers)

	busy, err := sup.busyStatus(context.Background(), repo, types.RepoState{})
	require.NoError(t, err, "an auth-expired listing must be retried once after invalidating the token")
	assert.NotNil(t, busy)

	prov.mu.Lock()
	defer prov.mu.Unlock()
	assert.Equal(t, 2, prov.listCalls)
}

// TestSupervisorEnsuresDedicatedOnLateLeadershipPromotion: this instance
// starts as a follower (another holder has the lease), so Start's one-time,
// IsLeader-gated EnsureDedicated call never fires. Once promoted later via
// the monitor tick, the dedicated worker must still get created without a
// restart.
func TestSupervisorEnsuresDedicatedOnLateLeadershipPromotion(t *testing.T) {
	store := &gatedStore{memStore: newMemStore(), deny: 3}
	sup := buildTestSupervisorWithStore(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	assert.Eventually(t, func() bool {
		snap := sup.Status(ctx)
		return snap.Leader.IsLeader && len(snap.Repos) == 1 && snap.Repos[0].DedicatedName != ""
	}, 2*time.Second, 10*time.Millisecond)
}
