package leader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetcore/pkg/coordination"
	"github.com/cuemby/fleetcore/pkg/events"
)

// memStore is an in-process coordination.Store backed by a single mutex,
// enough to exercise the election state machine without a real Redis.
type memStore struct {
	mu      sync.Mutex
	holders map[string]string

	subMu sync.Mutex
	subs  map[string][]chan coordination.Message
}

func newMemStore() *memStore {
	return &memStore{
		holders: make(map[string]string),
		subs:    make(map[string][]chan coordination.Message),
	}
}

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

func (s *memStore) Publish(ctx context.Context, topic string, message []byte) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[topic] {
		select {
		case ch <- coordination.Message{Topic: topic, Payload: message}:
		default:
		}
	}
	return nil
}

func (s *memStore) Subscribe(ctx context.Context, topic string) (<-chan coordination.Message, error) {
	ch := make(chan coordination.Message, 16)
	s.subMu.Lock()
	s.subs[topic] = append(s.subs[topic], ch)
	s.subMu.Unlock()
	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}

func testConfig(holderID string) Config {
	cfg := DefaultConfig()
	cfg.LeaseKey = "test-lease"
	cfg.HeartbeatTopic = "test-lease/heartbeat"
	cfg.HolderID = holderID
	cfg.ElectionTimeout = 60 * time.Millisecond
	cfg.HeartbeatPeriod = 20 * time.Millisecond
	cfg.LeaseTTL = time.Second
	return cfg
}

func TestSingleInstanceBecomesLeader(t *testing.T) {
	store := newMemStore()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	e := New(store, broker, testConfig("a"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))

	assert.Eventually(t, e.IsLeader, time.Second, 5*time.Millisecond)
}

func TestOnlyOneOfTwoInstancesBecomesLeader(t *testing.T) {
	store := newMemStore()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	e1 := New(store, broker, testConfig("a"))
	e2 := New(store, broker, testConfig("b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e1.Start(ctx))
	require.NoError(t, e2.Start(ctx))

	assert.Eventually(t, func() bool {
		return e1.IsLeader() != e2.IsLeader()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopReleasesLeaseForFailover(t *testing.T) {
	store := newMemStore()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	e1 := New(store, broker, testConfig("a"))
	e2 := New(store, broker, testConfig("b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e1.Start(ctx))
	require.NoError(t, e2.Start(ctx))

	assert.Eventually(t, func() bool { return e1.IsLeader() || e2.IsLeader() }, time.Second, 5*time.Millisecond)

	var leader, follower *Elector
	if e1.IsLeader() {
		leader, follower = e1, e2
	} else {
		leader, follower = e2, e1
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	leader.Stop(stopCtx)

	assert.Eventually(t, follower.IsLeader, 2*time.Second, 10*time.Millisecond)
}

func TestStatusReflectsLeadershipState(t *testing.T) {
	store := newMemStore()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	e := New(store, broker, testConfig("a"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))

	assert.Eventually(t, func() bool {
		st := e.Status()
		return st.IsLeader && st.HolderID == "a" && st.Term > 0
	}, time.Second, 5*time.Millisecond)
}
