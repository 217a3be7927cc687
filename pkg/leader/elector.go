// Package leader implements the LeaderElector: a Follower/Candidate/Leader
// state machine over a distributed lease and pub/sub channel, guaranteeing at
// most one active leader across orchestrator replicas with fast failover.
package leader

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/fleetcore/pkg/coordination"
	"github.com/cuemby/fleetcore/pkg/events"
	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/types"
)

// State is a position in the election state machine.
type State string

const (
	StateFollower  State = "follower"
	StateCandidate State = "candidate"
	StateLeader    State = "leader"
)

// Config tunes election timing. Defaults: 5s election timeout, 2s heartbeat,
// 10s lease TTL.
type Config struct {
	LeaseKey        string
	HeartbeatTopic  string
	HolderID        string
	ElectionTimeout time.Duration
	HeartbeatPeriod time.Duration
	LeaseTTL        time.Duration
}

// DefaultConfig returns the design's default timings; HolderID and topic/key
// are left for the caller to set.
func DefaultConfig() Config {
	return Config{
		ElectionTimeout: 5 * time.Second,
		HeartbeatPeriod: 2 * time.Second,
		LeaseTTL:        10 * time.Second,
	}
}

type heartbeatMsg struct {
	HolderID string `json:"holderId"`
	Term     int64  `json:"term"`
}

// Elector is the LeaderElector. Its state is mutated only by its own
// goroutines (the election loop and the heartbeat listener); other components
// read leadership through IsLeader/Status, which take a read lock over an
// otherwise-owner-only field set.
type Elector struct {
	store  coordination.Store
	broker *events.Broker
	cfg    Config

	mu            sync.RWMutex
	state         State
	term          int64
	lastHeartbeat time.Time

	stopCh chan struct{}
}

// New creates an Elector. Call Start to begin participating in elections.
func New(store coordination.Store, broker *events.Broker, cfg Config) *Elector {
	return &Elector{
		store:  store,
		broker: broker,
		cfg:    cfg,
		state:  StateFollower,
		stopCh: make(chan struct{}),
	}
}

// IsLeader reports whether this instance currently believes it holds leadership.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateLeader
}

// Status returns an atomic snapshot of leader state for other components.
func (e *Elector) Status() types.LeaderStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	holder := ""
	if e.state == StateLeader {
		holder = e.cfg.HolderID
	}
	return types.LeaderStatus{IsLeader: e.state == StateLeader, HolderID: holder, Term: e.term}
}

// Start subscribes to the heartbeat topic and launches the election loop.
func (e *Elector) Start(ctx context.Context) error {
	msgs, err := e.store.Subscribe(ctx, e.cfg.HeartbeatTopic)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.lastHeartbeat = time.Now()
	e.mu.Unlock()

	go e.listenHeartbeats(msgs)
	go e.run(ctx)
	return nil
}

// Stop releases the lease (if held) and halts the election loop.
func (e *Elector) Stop(ctx context.Context) {
	e.mu.Lock()
	wasLeader := e.state == StateLeader
	e.mu.Unlock()
	if wasLeader {
		if err := e.store.ReleaseLease(ctx, e.cfg.LeaseKey, e.cfg.HolderID); err != nil {
			log.WithComponent("leader").Warn().Err(err).Msg("failed to release lease on shutdown")
		}
	}
	close(e.stopCh)
}

func (e *Elector) listenHeartbeats(msgs <-chan coordination.Message) {
	for msg := range msgs {
		var hb heartbeatMsg
		if err := json.Unmarshal(msg.Payload, &hb); err != nil {
			continue
		}
		if hb.HolderID == e.cfg.HolderID {
			continue // our own heartbeat, already accounted for
		}

		e.mu.Lock()
		if hb.Term >= e.term {
			e.term = hb.Term
			e.lastHeartbeat = time.Now()
			if e.state != StateFollower {
				e.state = StateFollower
				metrics.IsLeader.Set(0)
				e.broker.Publish(events.NewLeaderChanged(events.LeaderChanged{HolderID: hb.HolderID, Term: hb.Term, IsLeader: false}))
			}
		}
		e.mu.Unlock()
	}
}

func (e *Elector) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick(ctx)
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	e.mu.RLock()
	state := e.state
	stale := time.Since(e.lastHeartbeat) > e.cfg.ElectionTimeout
	e.mu.RUnlock()

	switch state {
	case StateLeader:
		e.renew(ctx)
	default:
		if stale {
			e.elect(ctx)
		}
	}
}

// elect attempts to win an election via compare-and-set lease acquisition.
// On success it becomes Leader and increments the term; on failure it stays
// Follower and waits a randomized jitter before the next attempt, avoiding a
// thundering herd of simultaneous candidates.
func (e *Elector) elect(ctx context.Context) {
	e.mu.Lock()
	e.state = StateCandidate
	candidateTerm := e.term + 1
	e.mu.Unlock()

	ok, err := e.store.TryAcquireLease(ctx, e.cfg.LeaseKey, e.cfg.HolderID, e.cfg.LeaseTTL)
	if err != nil || !ok {
		e.mu.Lock()
		e.state = StateFollower
		e.lastHeartbeat = time.Now().Add(-e.cfg.ElectionTimeout + jitter(e.cfg.HeartbeatPeriod))
		e.mu.Unlock()
		if err != nil {
			log.WithComponent("leader").Warn().Err(err).Msg("lease acquisition attempt failed")
		}
		return
	}

	e.mu.Lock()
	e.state = StateLeader
	e.term = candidateTerm
	e.lastHeartbeat = time.Now()
	e.mu.Unlock()

	metrics.IsLeader.Set(1)
	metrics.LeaderTerm.Set(float64(candidateTerm))
	e.broadcastHeartbeat(ctx, candidateTerm)
	e.broker.Publish(events.NewLeaderChanged(events.LeaderChanged{HolderID: e.cfg.HolderID, Term: candidateTerm, IsLeader: true}))
	log.WithComponent("leader").Info().Int64("term", candidateTerm).Msg("won election, now leader")
}

// renew extends the lease every tick; on failure (lost the lease, or a
// network partition prevented the renew) the instance steps down.
func (e *Elector) renew(ctx context.Context) {
	ok, err := e.store.RenewLease(ctx, e.cfg.LeaseKey, e.cfg.HolderID, e.cfg.LeaseTTL)
	if err != nil || !ok {
		e.mu.Lock()
		term := e.term
		e.state = StateFollower
		e.lastHeartbeat = time.Now().Add(-e.cfg.ElectionTimeout + jitter(e.cfg.HeartbeatPeriod))
		e.mu.Unlock()

		metrics.IsLeader.Set(0)
		e.broker.Publish(events.NewLeaderChanged(events.LeaderChanged{HolderID: "", Term: term, IsLeader: false}))
		if err != nil {
			log.WithComponent("leader").Warn().Err(err).Msg("lease renewal failed, stepping down")
		} else {
			log.WithComponent("leader").Warn().Msg("lease renewal lost to another holder, stepping down")
		}
		return
	}

	e.mu.Lock()
	term := e.term
	e.mu.Unlock()
	e.broadcastHeartbeat(ctx, term)
}

func (e *Elector) broadcastHeartbeat(ctx context.Context, term int64) {
	payload, _ := json.Marshal(heartbeatMsg{HolderID: e.cfg.HolderID, Term: term})
	if err := e.store.Publish(ctx, e.cfg.HeartbeatTopic, payload); err != nil {
		log.WithComponent("leader").Warn().Err(err).Msg("failed to broadcast heartbeat")
	}
}

// jitter returns a random duration in [0, d) used to stagger re-election
// attempts after a lost race or a failed renewal.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
