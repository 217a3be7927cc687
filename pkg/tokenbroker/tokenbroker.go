// Package tokenbroker caches and proactively refreshes per-repository Provider
// registration tokens, coalescing concurrent refreshes for the same repository
// onto a single in-flight call and retrying transient failures with backoff.
package tokenbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/fleetcore/pkg/events"
	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/provider"
	"github.com/cuemby/fleetcore/pkg/types"
)

// Config tunes refresh cadence, skew, and retry behavior.
type Config struct {
	Skew                time.Duration // minimum remaining validity, default 5m
	RefreshInterval     time.Duration // proactive refresh period, default 45m
	MaxAttempts         int           // refresh retry attempts, default 3
	InitialRetryDelay   time.Duration // default 5s
}

// DefaultConfig returns the production defaults: 5m skew, 45m refresh
// (strictly under the provider's 60m token TTL), 3 attempts, 5s initial delay.
func DefaultConfig() Config {
	return Config{
		Skew:              5 * time.Minute,
		RefreshInterval:   45 * time.Minute,
		MaxAttempts:       3,
		InitialRetryDelay: 5 * time.Second,
	}
}

// Broker is the TokenBroker: it exclusively owns the repoId -> Token mapping.
type Broker struct {
	provider provider.Provider
	broker   *events.Broker
	cfg      Config

	mu     sync.RWMutex
	tokens map[string]*types.Token

	sf singleflight.Group

	// gate, when set, suppresses proactive refreshes on instances that do not
	// hold leadership: a follower must not call CreateRegistrationToken.
	gate func() bool

	refreshersMu sync.Mutex
	refreshers   map[string]context.CancelFunc
}

// New creates a TokenBroker backed by the given Provider and event broker.
func New(p provider.Provider, eventBroker *events.Broker, cfg Config) *Broker {
	return &Broker{
		provider:   p,
		broker:     eventBroker,
		cfg:        cfg,
		tokens:     make(map[string]*types.Token),
		refreshers: make(map[string]context.CancelFunc),
	}
}

// SetLeaderGate installs the leadership check consulted by the proactive
// refresher. GetValid is not gated: it only runs on spawn paths, which are
// themselves leader-only.
func (b *Broker) SetLeaderGate(gate func() bool) {
	b.gate = gate
}

// Invalidate drops repoID's cached token so the next GetValid mints a fresh
// one. Called when a Provider response signals the credential has expired.
func (b *Broker) Invalidate(repoID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, repoID)
}

// GetValid returns a Token with more than Skew left before expiry, refreshing
// synchronously if the cached token is missing or too close to expiry.
// Concurrent callers for the same repoId coalesce onto one refresh.
func (b *Broker) GetValid(ctx context.Context, repoID string) (*types.Token, error) {
	now := time.Now()

	b.mu.RLock()
	tok := b.tokens[repoID]
	b.mu.RUnlock()

	if tok.Valid(now, b.cfg.Skew) {
		return tok, nil
	}

	v, err, _ := b.sf.Do(repoID, func() (interface{}, error) {
		return b.refresh(ctx, repoID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Token), nil
}

// refresh calls Provider.CreateRegistrationToken with exponential-backoff
// retry (MaxAttempts, initial delay per Config). On total failure it keeps
// the old token and emits TokenRefreshFailed without caching the failure.
func (b *Broker) refresh(ctx context.Context, repoID string) (*types.Token, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TokenRefreshDuration)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.InitialRetryDelay

	result, err := backoff.Retry(ctx, func() (*types.Token, error) {
		rt, err := b.provider.CreateRegistrationToken(ctx, repoID)
		if err != nil {
			return nil, err
		}
		return &types.Token{
			RepoID:    repoID,
			Value:     rt.Value,
			IssuedAt:  time.Now(),
			ExpiresAt: rt.ExpiresAt,
		}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(b.cfg.MaxAttempts)))

	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues(repoID, "failure").Inc()
		if b.broker != nil {
			b.broker.Publish(events.NewTokenRefreshFailed(events.TokenRefreshFailed{RepoID: repoID, Err: err.Error()}))
		}
		b.mu.RLock()
		old := b.tokens[repoID]
		b.mu.RUnlock()
		if old != nil {
			return old, nil
		}
		return nil, fmt.Errorf("refreshing token for %s: %w", repoID, err)
	}

	b.mu.Lock()
	b.tokens[repoID] = result
	b.mu.Unlock()

	metrics.TokenRefreshTotal.WithLabelValues(repoID, "success").Inc()
	if b.broker != nil {
		b.broker.Publish(events.NewTokenRefreshed(events.TokenRefreshed{RepoID: repoID, ExpiresAt: result.ExpiresAt}))
	}
	return result, nil
}

// StartRefresher installs a timer that proactively refreshes repoID's token
// every RefreshInterval, strictly less than the Provider's token TTL.
func (b *Broker) StartRefresher(ctx context.Context, repoID string) {
	b.refreshersMu.Lock()
	defer b.refreshersMu.Unlock()
	if _, exists := b.refreshers[repoID]; exists {
		return
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	b.refreshers[repoID] = cancel

	go func() {
		ticker := time.NewTicker(b.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if b.gate != nil && !b.gate() {
					continue // follower: no mutating Provider calls
				}
				if _, err := b.refresh(refreshCtx, repoID); err != nil {
					log.WithRepo(repoID).Warn().Err(err).Msg("proactive token refresh failed")
				}
			case <-refreshCtx.Done():
				return
			}
		}
	}()
}

// StopRefresher cancels repoID's proactive refresh timer, if any.
func (b *Broker) StopRefresher(repoID string) {
	b.refreshersMu.Lock()
	defer b.refreshersMu.Unlock()
	if cancel, ok := b.refreshers[repoID]; ok {
		cancel()
		delete(b.refreshers, repoID)
	}
}
