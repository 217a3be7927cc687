// Package events implements the orchestrator's typed event bus. Each event is a
// tagged variant carrying only the fields relevant to its kind, replacing the
// ad-hoc string-typed event name + loose metadata map pattern: subscribers switch
// on Kind() and type-assert to the concrete payload instead of parsing strings.
package events

import (
	"sync"
	"time"
)

// Kind identifies the concrete shape of an Event's payload.
type Kind string

const (
	KindWorkerCreated     Kind = "worker_created"
	KindWorkerRemoved     Kind = "worker_removed"
	KindWorkerUnhealthy   Kind = "worker_unhealthy"
	KindWorkerHighCPU     Kind = "worker_high_cpu"
	KindWorkerHighMemory  Kind = "worker_high_memory"
	KindWorkerRestarted   Kind = "worker_restarted"
	KindWorkerReregistered Kind = "worker_reregistered"
	KindScaleUp           Kind = "scale_up"
	KindScaleDown         Kind = "scale_down"
	KindRepoDegraded      Kind = "repo_degraded"
	KindTokenRefreshed    Kind = "token_refreshed"
	KindTokenRefreshFailed Kind = "token_refresh_failed"
	KindLeaderChanged     Kind = "leader_changed"
)

// Event is the tagged-union envelope every subscriber receives. Exactly one of the
// payload fields below is populated, matching Kind.
type Event struct {
	kind      Kind
	timestamp time.Time

	WorkerCreated      *WorkerCreated
	WorkerRemoved      *WorkerRemoved
	WorkerUnhealthy    *WorkerUnhealthy
	WorkerHighCPU      *WorkerResourcePressure
	WorkerHighMemory   *WorkerResourcePressure
	WorkerRestarted    *WorkerRestarted
	WorkerReregistered *WorkerReregistered
	ScaleUp            *ScaleAction
	ScaleDown          *ScaleAction
	RepoDegraded       *RepoDegraded
	TokenRefreshed     *TokenRefreshed
	TokenRefreshFailed *TokenRefreshFailed
	LeaderChanged      *LeaderChanged
}

// Kind returns the tag identifying which payload field is populated.
func (e *Event) Kind() Kind { return e.kind }

// Timestamp returns when the event was published.
func (e *Event) Timestamp() time.Time { return e.timestamp }

type WorkerCreated struct {
	RepoID, WorkerName string
	Kind               string // "dedicated" | "dynamic"
}

type WorkerRemoved struct {
	RepoID, WorkerName, Reason string
}

type WorkerUnhealthy struct {
	RepoID, WorkerName, Reason string
}

type WorkerResourcePressure struct {
	RepoID, WorkerName string
	Percent            float64
}

type WorkerRestarted struct {
	RepoID, WorkerName string
}

type WorkerReregistered struct {
	RepoID, WorkerName string
}

type ScaleAction struct {
	RepoID     string
	DynamicLen int
}

type RepoDegraded struct {
	RepoID string
	Reason string
}

type TokenRefreshed struct {
	RepoID    string
	ExpiresAt time.Time
}

type TokenRefreshFailed struct {
	RepoID string
	Err    string
}

type LeaderChanged struct {
	HolderID string
	Term     int64
	IsLeader bool
}

func newEvent(kind Kind) *Event {
	return &Event{kind: kind, timestamp: time.Now()}
}

func NewWorkerCreated(p WorkerCreated) *Event {
	e := newEvent(KindWorkerCreated)
	e.WorkerCreated = &p
	return e
}

func NewWorkerRemoved(p WorkerRemoved) *Event {
	e := newEvent(KindWorkerRemoved)
	e.WorkerRemoved = &p
	return e
}

func NewWorkerUnhealthy(p WorkerUnhealthy) *Event {
	e := newEvent(KindWorkerUnhealthy)
	e.WorkerUnhealthy = &p
	return e
}

func NewWorkerHighCPU(p WorkerResourcePressure) *Event {
	e := newEvent(KindWorkerHighCPU)
	e.WorkerHighCPU = &p
	return e
}

func NewWorkerHighMemory(p WorkerResourcePressure) *Event {
	e := newEvent(KindWorkerHighMemory)
	e.WorkerHighMemory = &p
	return e
}

func NewWorkerRestarted(p WorkerRestarted) *Event {
	e := newEvent(KindWorkerRestarted)
	e.WorkerRestarted = &p
	return e
}

func NewWorkerReregistered(p WorkerReregistered) *Event {
	e := newEvent(KindWorkerReregistered)
	e.WorkerReregistered = &p
	return e
}

func NewScaleUp(p ScaleAction) *Event {
	e := newEvent(KindScaleUp)
	e.ScaleUp = &p
	return e
}

func NewScaleDown(p ScaleAction) *Event {
	e := newEvent(KindScaleDown)
	e.ScaleDown = &p
	return e
}

func NewRepoDegraded(p RepoDegraded) *Event {
	e := newEvent(KindRepoDegraded)
	e.RepoDegraded = &p
	return e
}

func NewTokenRefreshed(p TokenRefreshed) *Event {
	e := newEvent(KindTokenRefreshed)
	e.TokenRefreshed = &p
	return e
}

func NewTokenRefreshFailed(p TokenRefreshFailed) *Event {
	e := newEvent(KindTokenRefreshFailed)
	e.TokenRefreshFailed = &p
	return e
}

func NewLeaderChanged(p LeaderChanged) *Event {
	e := newEvent(KindLeaderChanged)
	e.LeaderChanged = &p
	return e
}

// Subscriber is a per-subscriber buffered channel. Slow subscribers drop events
// rather than block the broker (broadcast is best-effort).
type Subscriber chan *Event

// Broker fans published events out to every live subscriber, preserving per-source
// FIFO order (a single publisher's events arrive to each subscriber in send order).
// Cross-source ordering across concurrent publishers is not guaranteed, matching the
// concurrency model's ordering guarantees.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a Broker. Call Start before Publish.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's dispatch loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts dispatch. Subscriber channels stay open (drained by their owners)
// until explicitly Unsubscribed.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber with its own buffered channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event for dispatch. Never blocks longer than the broker's stop.
func (b *Broker) Publish(e *Event) {
	select {
	case b.eventCh <- e:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case e := <-b.eventCh:
			b.broadcast(e)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- e:
		default:
			// subscriber buffer full; drop rather than block the broker
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
