package containerengine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	cgroup1stats "github.com/containerd/cgroups/v3/cgroup1/stats"
	cgroup2stats "github.com/containerd/cgroups/v3/cgroup2/stats"
	typeurl "github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ContainerdEngine implements Engine against a local containerd daemon, the
// way a self-hosted runner fleet would spawn its own worker containers without
// going through a higher-level orchestrator.
type ContainerdEngine struct {
	client    *containerd.Client
	namespace string
	logDir    string

	logFilesMu sync.Mutex
	logFiles   map[string]*os.File // open per-container log sinks, closed on removal

	cpuSamplesMu sync.Mutex
	cpuSamples   map[string]cpuSample // previous usage reading per container, for rate calculation
}

// cpuSample is the last CPU usage observation for a container, used to turn
// containerd's cumulative usage counter into a percentage over the interval
// between two ContainerStats calls (the health loop's own tick period).
type cpuSample struct {
	usageNanos uint64
	at         time.Time
}

// NewContainerdEngine dials the containerd socket and scopes all operations to
// namespace (kept separate from other workloads sharing the host). logDir
// holds the file-backed stdio sink each worker's task logs to, which
// ContainerLogs reads back for the offline-diagnosis decision table.
func NewContainerdEngine(socketPath, namespace, logDir string) (*ContainerdEngine, error) {
	if socketPath == "" {
		socketPath = "/run/containerd/containerd.sock"
	}
	if logDir == "" {
		logDir = "/var/log/fleetcore-workers"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worker log dir %s: %w", logDir, err)
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd: %w", err)
	}
	return &ContainerdEngine{
		client:     client,
		namespace:  namespace,
		logDir:     logDir,
		logFiles:   make(map[string]*os.File),
		cpuSamples: make(map[string]cpuSample),
	}, nil
}

func (e *ContainerdEngine) logPath(id string) string {
	return filepath.Join(e.logDir, id+".log")
}

// Close releases the containerd client connection.
func (e *ContainerdEngine) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *ContainerdEngine) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, e.namespace)
}

// withResourceLimits sets a CFS CPU quota (100ms period) and/or a hard memory
// ceiling on the generated OCI spec's Linux resources block.
func withResourceLimits(memoryLimitBytes, cpuQuotaMicros int64) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if memoryLimitBytes > 0 {
			s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &memoryLimitBytes}
		}
		if cpuQuotaMicros > 0 {
			period := uint64(100000)
			s.Linux.Resources.CPU = &specs.LinuxCPU{Quota: &cpuQuotaMicros, Period: &period}
		}
		return nil
	}
}

// CreateContainer pulls (if needed) the worker image and creates a container
// with the given env and labels, but does not start it.
func (e *ContainerdEngine) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	ctx = e.ctx(ctx)

	image, err := e.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = e.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("pulling image %s: %w", spec.Image, err)
		}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}
	if spec.MemoryLimitBytes > 0 || spec.CPUQuotaMicros > 0 {
		opts = append(opts, withResourceLimits(spec.MemoryLimitBytes, spec.CPUQuotaMicros))
	}

	ctr, err := e.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return ctr.ID(), nil
}

// StartContainer creates and starts the containerd task for an already-created
// container, with stdio piped to a per-container log file so ContainerLogs
// can serve a bounded tail for the offline-diagnosis decision table.
func (e *ContainerdEngine) StartContainer(ctx context.Context, id string) error {
	ctx = e.ctx(ctx)

	ctr, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("loading container %s: %w", id, err)
	}
	logFile, err := os.OpenFile(e.logPath(id), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file for %s: %w", id, err)
	}
	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, logFile, logFile)))
	if err != nil {
		logFile.Close()
		return fmt.Errorf("creating task for %s: %w", id, err)
	}
	e.logFilesMu.Lock()
	e.logFiles[id] = logFile
	e.logFilesMu.Unlock()
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("starting task for %s: %w", id, err)
	}
	return nil
}

// StopContainer sends SIGTERM, waits up to grace for exit, then SIGKILLs.
func (e *ContainerdEngine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx = e.ctx(ctx)

	ctr, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("loading container %s: %w", id, err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		// No task: already stopped.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to %s: %w", id, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("waiting on task %s: %w", id, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force-killing task %s: %w", id, err)
		}
		// Kill is asynchronous: wait for the task to actually exit before
		// Delete, which containerd otherwise rejects as "task must be stopped".
		// The first wait channel is bound to the expired stopCtx, so a fresh
		// one is needed here.
		killedC, err := task.Wait(ctx)
		if err != nil {
			return fmt.Errorf("waiting on force-killed task %s: %w", id, err)
		}
		select {
		case <-killedC:
		case <-ctx.Done():
			return fmt.Errorf("waiting for force-killed task %s to exit: %w", id, ctx.Err())
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

// RemoveContainer deletes the container and its snapshot. Tolerates an
// already-removed container, matching the NotFound error-kind contract.
func (e *ContainerdEngine) RemoveContainer(ctx context.Context, id string) error {
	ctx = e.ctx(ctx)

	e.logFilesMu.Lock()
	if f, ok := e.logFiles[id]; ok {
		f.Close()
		delete(e.logFiles, id)
	}
	e.logFilesMu.Unlock()
	os.Remove(e.logPath(id))

	e.cpuSamplesMu.Lock()
	delete(e.cpuSamples, id)
	e.cpuSamplesMu.Unlock()

	ctr, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return nil
	}
	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}
	return nil
}

// InspectContainer reports running state, creation time, and, once the task
// has stopped, its exit code. RestartCount is always left at zero.
func (e *ContainerdEngine) InspectContainer(ctx context.Context, id string) (InspectResult, error) {
	ctx = e.ctx(ctx)

	ctr, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return InspectResult{}, fmt.Errorf("loading container %s: %w", id, err)
	}

	info, err := ctr.Info(ctx)
	if err != nil {
		return InspectResult{}, fmt.Errorf("getting info for %s: %w", id, err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return InspectResult{Running: false, CreatedAt: info.CreatedAt}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return InspectResult{}, fmt.Errorf("getting task status for %s: %w", id, err)
	}

	result := InspectResult{CreatedAt: info.CreatedAt}
	if status.Status == containerd.Running || status.Status == containerd.Paused {
		result.Running = true
	} else if status.Status == containerd.Stopped {
		code := int(status.ExitStatus)
		result.ExitCode = &code
	}
	return result, nil
}

// ListContainers returns containers whose labels match every entry in labelFilter.
func (e *ContainerdEngine) ListContainers(ctx context.Context, labelFilter map[string]string) ([]Summary, error) {
	ctx = e.ctx(ctx)

	containers, err := e.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var out []Summary
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			continue
		}
		if !matchesLabels(info.Labels, labelFilter) {
			continue
		}
		out = append(out, Summary{ID: c.ID(), Name: c.ID(), Labels: info.Labels})
	}
	return out, nil
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// ContainerLogs returns the bounded tail of a container's task stdio log,
// read back from the file-backed cio sink StartContainer wired up, the
// offline-diagnosis decision table's input.
func (e *ContainerdEngine) ContainerLogs(ctx context.Context, id string, tailLines int) ([]byte, error) {
	f, err := os.Open(e.logPath(id))
	if err != nil {
		return nil, fmt.Errorf("opening log file for %s: %w", id, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > tailLines {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log file for %s: %w", id, err)
	}

	out := make([]byte, 0)
	for _, line := range lines {
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out, nil
}

// ContainerStats reports CPU/memory utilization percentages for a running
// container, feeding the health loop's >90% pressure thresholds. CPU usage is
// a cumulative nanosecond counter, so the percentage is derived from the
// delta against the previous sample rather than a single point-in-time read;
// the first call for a given container returns CPUUsagePercent 0.
func (e *ContainerdEngine) ContainerStats(ctx context.Context, id string) (Stats, error) {
	ctx = e.ctx(ctx)

	ctr, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return Stats{}, fmt.Errorf("loading container %s: %w", id, err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("getting task for %s: %w", id, err)
	}
	metric, err := task.Metrics(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("getting metrics for %s: %w", id, err)
	}

	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return Stats{}, fmt.Errorf("decoding metrics for %s: %w", id, err)
	}

	var usageNanos, memUsage, memLimit uint64
	switch m := data.(type) {
	case *cgroup1stats.Metrics:
		if m.CPU != nil && m.CPU.Usage != nil {
			usageNanos = m.CPU.Usage.Total
		}
		if m.Memory != nil && m.Memory.Usage != nil {
			memUsage = m.Memory.Usage.Usage
			memLimit = m.Memory.Usage.Limit
		}
	case *cgroup2stats.Metrics:
		if m.CPU != nil {
			usageNanos = m.CPU.UsageUsec * 1000
		}
		if m.Memory != nil {
			memUsage = m.Memory.Usage
			memLimit = m.Memory.UsageLimit
		}
	default:
		return Stats{}, fmt.Errorf("unrecognized metrics type %T for %s", data, id)
	}

	stats := Stats{}
	if memLimit > 0 {
		stats.MemoryUsagePercent = float64(memUsage) / float64(memLimit) * 100
	}

	now := time.Now()
	e.cpuSamplesMu.Lock()
	prev, hasPrev := e.cpuSamples[id]
	e.cpuSamples[id] = cpuSample{usageNanos: usageNanos, at: now}
	e.cpuSamplesMu.Unlock()

	if hasPrev && usageNanos >= prev.usageNanos {
		elapsed := now.Sub(prev.at)
		if elapsed > 0 {
			numCPU := float64(runtime.NumCPU())
			stats.CPUUsagePercent = float64(usageNanos-prev.usageNanos) / (elapsed.Seconds() * 1e9 * numCPU) * 100
		}
	}

	return stats, nil
}
