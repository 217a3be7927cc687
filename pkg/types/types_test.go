package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRepositorySlug(t *testing.T) {
	r := Repository{ID: "r1", Owner: "cuemby", Name: "fleetcore"}
	assert.Equal(t, "cuemby/fleetcore", r.Slug())
}

func TestWorkerKindEphemeral(t *testing.T) {
	assert.False(t, WorkerKindDedicated.Ephemeral())
	assert.True(t, WorkerKindDynamic.Ephemeral())
}

func TestWorkerRunning(t *testing.T) {
	w := &Worker{Health: HealthHealthy}
	assert.True(t, w.Running())

	w.Health = HealthUnhealthy
	assert.False(t, w.Running())

	w.Health = HealthUnknown
	assert.False(t, w.Running())
}

func TestRepoStateHealthyPool(t *testing.T) {
	dedicated := &Worker{Name: "dedicated-1", Health: HealthHealthy}
	dynHealthy := &Worker{Name: "dyn-1", Health: HealthHealthy}
	dynUnhealthy := &Worker{Name: "dyn-2", Health: HealthUnhealthy}

	s := &RepoState{
		RepoID:    "r1",
		Dedicated: dedicated,
		Dynamic:   []*Worker{dynHealthy, dynUnhealthy},
	}

	pool := s.HealthyPool()
	assert.Equal(t, []*Worker{dedicated, dynHealthy}, pool)
}

func TestRepoStateHealthyPoolNoDedicated(t *testing.T) {
	s := &RepoState{RepoID: "r1"}
	assert.Empty(t, s.HealthyPool())

	s.Dedicated = &Worker{Name: "d", Health: HealthUnhealthy}
	assert.Empty(t, s.HealthyPool())
}

func TestTokenValid(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	skew := 5 * time.Minute

	tok := &Token{ExpiresAt: now.Add(10 * time.Minute)}
	assert.True(t, tok.Valid(now, skew))

	tok.ExpiresAt = now.Add(4 * time.Minute)
	assert.False(t, tok.Valid(now, skew))

	var nilTok *Token
	assert.False(t, nilTok.Valid(now, skew))
}
