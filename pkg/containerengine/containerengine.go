// Package containerengine defines the abstract interface the core consumes to
// create, start, stop, and observe worker containers, kept independent of any
// specific container runtime so the core can be tested against a fake.
package containerengine

import (
	"context"
	"time"
)

// Spec describes a worker container to create. Labels carry the stable
// orchestrator.* keys so the orphan reaper and state-sync loop can recognize
// managed containers across restarts.
type Spec struct {
	Name   string
	Image  string
	Env    map[string]string
	Labels map[string]string

	// MemoryLimitBytes and CPUQuotaMicros bound the worker container's
	// resources, when non-zero. They make the health loop's >90% CPU/memory
	// thresholds meaningful against a known ceiling rather than the whole
	// host's capacity.
	MemoryLimitBytes int64
	CPUQuotaMicros   int64
}

// InspectResult is the observed runtime state of a container.
type InspectResult struct {
	Running      bool
	RestartCount int
	CreatedAt    time.Time
	ExitCode     *int
}

// Summary is the minimal per-container info returned by listing operations.
type Summary struct {
	ID     string
	Name   string
	Labels map[string]string
}

// Stats is point-in-time resource utilization for a running container.
type Stats struct {
	CPUUsagePercent    float64
	MemoryUsagePercent float64
}

// Engine is the ContainerEngine interface from the external-interfaces section:
// the local container runtime that creates, starts, and observes worker
// containers. Implementations must be safe for concurrent use.
type Engine interface {
	CreateContainer(ctx context.Context, spec Spec) (containerID string, err error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (InspectResult, error)
	ListContainers(ctx context.Context, labelFilter map[string]string) ([]Summary, error)
	ContainerLogs(ctx context.Context, id string, tailLines int) ([]byte, error)
	ContainerStats(ctx context.Context, id string) (Stats, error)
}

// Label keys stamped onto every worker container per the external-interfaces
// contract: stable labels the reaper and state-sync loop key off of.
const (
	LabelKind           = "orchestrator.kind"
	LabelRepo           = "orchestrator.repo"
	LabelCreatedAt      = "orchestrator.createdAt"
	LabelTokenExpiresAt = "orchestrator.tokenExpiresAt"
)
