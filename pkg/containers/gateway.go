package containers

import (
	"context"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/havenlabs/haven/pkg/containers/dockerapi"
	"github.com/havenlabs/haven/pkg/errdefs"
	"github.com/havenlabs/haven/pkg/modules"
	"github.com/havenlabs/haven/pkg/telemetry"
)

// DockerClient is the daemon surface the gateway consumes. The
// dockerapi client satisfies it; tests substitute a fake.
type DockerClient interface {
	ListContainers(ctx context.Context, all bool) ([]dockerapi.ContainerSummary, error)
	ContainerStats(ctx context.Context, id string) (*dockerapi.StatsResponse, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RestartContainer(ctx context.Context, id string, timeout time.Duration) error
	Logs(ctx context.Context, id string, tail int) (io.ReadCloser, error)
}

// stopTimeout is how long a container gets to shut down gracefully.
const stopTimeout = 10 * time.Second

// minIDPrefix is the shortest id prefix accepted when resolving a
// container reference.
const minIDPrefix = 4

// Gateway mediates all container access. Every operation resolves its
// reference against the set of prefixed container names first: anything
// outside the prefix is invisible, not merely forbidden.
type Gateway struct {
	docker DockerClient
	prefix string
	audit  modules.AuditSink
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewGateway creates a container gateway over the given daemon client.
// audit may be nil.
func NewGateway(docker DockerClient, prefix string, audit modules.AuditSink, tel *telemetry.Telemetry) *Gateway {
	return &Gateway{
		docker: docker,
		prefix: prefix,
		audit:  audit,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("gateway"),
	}
}

// List returns all managed containers, running or not, sorted by name.
func (g *Gateway) List(ctx context.Context) ([]Container, error) {
	managed, err := g.managed(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Container, 0, len(managed))
	for _, s := range managed {
		name := summaryName(s)
		out = append(out, Container{
			ID:     shortID(s.ID),
			Name:   name,
			Image:  s.Image,
			State:  s.State,
			Status: s.Status,
			Ports:  formatPorts(s.Ports),
			Module: moduleFromName(name, g.prefix),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stats fetches a one-shot usage sample for one managed container.
func (g *Gateway) Stats(ctx context.Context, ref string) (*Stats, error) {
	s, err := g.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	raw, err := g.docker.ContainerStats(ctx, s.ID)
	if err != nil {
		return nil, g.daemonError("stats", ref, err)
	}

	name := summaryName(*s)
	return &Stats{
		Name:       name,
		CPUPercent: cpuPercent(raw),
		MemPercent: memPercent(raw),
		MemUsage:   memUsage(raw),
		MemLimit:   raw.MemoryStats.Limit,
	}, nil
}

// Start starts a managed container.
func (g *Gateway) Start(ctx context.Context, ref string) error {
	return g.lifecycleOp(ctx, "start", ref, func(ctx context.Context, id string) error {
		return g.docker.StartContainer(ctx, id)
	})
}

// Stop stops a managed container.
func (g *Gateway) Stop(ctx context.Context, ref string) error {
	return g.lifecycleOp(ctx, "stop", ref, func(ctx context.Context, id string) error {
		return g.docker.StopContainer(ctx, id, stopTimeout)
	})
}

// Restart restarts a managed container.
func (g *Gateway) Restart(ctx context.Context, ref string) error {
	return g.lifecycleOp(ctx, "restart", ref, func(ctx context.Context, id string) error {
		return g.docker.RestartContainer(ctx, id, stopTimeout)
	})
}

// StreamLogs opens a follow-mode log stream for a managed container.
// The caller owns the returned reader and must close it.
func (g *Gateway) StreamLogs(ctx context.Context, ref string, tail int) (io.ReadCloser, error) {
	s, err := g.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	rc, err := g.docker.Logs(ctx, s.ID, tail)
	if err != nil {
		return nil, g.daemonError("logs", ref, err)
	}
	return rc, nil
}

// Resolve maps a name or id-prefix reference to the managed container's
// canonical name.
func (g *Gateway) Resolve(ctx context.Context, ref string) (string, error) {
	s, err := g.resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return summaryName(*s), nil
}

func (g *Gateway) lifecycleOp(ctx context.Context, op, ref string, fn func(ctx context.Context, id string) error) error {
	s, err := g.resolve(ctx, ref)
	if err != nil {
		return err
	}
	name := summaryName(*s)

	ctx, span := g.tel.Tracer.StartContainerSpan(ctx, op, name)
	defer span.End()

	timer := telemetry.NewTimer()
	err = fn(ctx, s.ID)
	g.tel.Metrics.RecordContainerOp(op, timer.Duration(), err)
	if err != nil {
		telemetry.RecordError(span, err)
		return g.daemonError(op, ref, err)
	}

	if g.audit != nil {
		if err := g.audit.RecordAction(ctx, "container."+op, name, ""); err != nil {
			g.logger.WithError(err).Warn("audit record failed")
		}
	}

	g.logger.WithContainer(name).WithField("op", op).Info("container operation completed")
	telemetry.RecordSuccess(span)
	return nil
}

// managed lists the daemon containers whose name carries the managed
// prefix.
func (g *Gateway) managed(ctx context.Context) ([]dockerapi.ContainerSummary, error) {
	all, err := g.docker.ListContainers(ctx, true)
	if err != nil {
		return nil, g.daemonError("list", "", err)
	}
	out := all[:0]
	for _, s := range all {
		if strings.HasPrefix(summaryName(s), g.prefix) {
			out = append(out, s)
		}
	}
	return out, nil
}

// resolve matches a reference against managed containers by exact name
// or unambiguous id prefix. Anything else, including containers outside
// the prefix, is NotFound.
func (g *Gateway) resolve(ctx context.Context, ref string) (*dockerapi.ContainerSummary, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "/")
	if ref == "" {
		return nil, g.notFound(ref)
	}

	managed, err := g.managed(ctx)
	if err != nil {
		return nil, err
	}

	for i := range managed {
		if summaryName(managed[i]) == ref {
			return &managed[i], nil
		}
	}

	if len(ref) >= minIDPrefix {
		var match *dockerapi.ContainerSummary
		for i := range managed {
			if strings.HasPrefix(managed[i].ID, ref) {
				if match != nil {
					// Ambiguous prefixes resolve to nothing.
					return nil, g.notFound(ref)
				}
				match = &managed[i]
			}
		}
		if match != nil {
			return match, nil
		}
	}
	return nil, g.notFound(ref)
}

func (g *Gateway) notFound(ref string) error {
	return errdefs.NewNotFound("no such managed container", nil).
		WithResource(ref).
		WithCode(errdefs.ErrCodeUnknownContainer)
}

func (g *Gateway) daemonError(op, ref string, err error) error {
	if dockerapi.IsNotFound(err) {
		return g.notFound(ref)
	}
	return errdefs.NewInternal("container runtime request failed", err).
		WithResource(ref).
		WithOperation(op).
		WithCode(errdefs.ErrCodeRuntime)
}

// cpuPercent computes CPU usage from the sample pair in a stats
// response: the delta of container CPU time over the delta of system
// CPU time, scaled by the online CPU count.
func cpuPercent(r *dockerapi.StatsResponse) float64 {
	cpuDelta := float64(r.CPUStats.CPUUsage.TotalUsage) - float64(r.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(r.CPUStats.SystemUsage) - float64(r.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(r.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return round2(cpuDelta / sysDelta * cpus * 100)
}

// memUsage approximates the working set the same way docker stats does:
// cgroup usage minus the inactive file cache.
func memUsage(r *dockerapi.StatsResponse) uint64 {
	usage := r.MemoryStats.Usage
	if inactive := r.MemoryStats.Stats.InactiveFile; inactive < usage {
		usage -= inactive
	}
	return usage
}

func memPercent(r *dockerapi.StatsResponse) float64 {
	limit := r.MemoryStats.Limit
	if limit == 0 {
		return 0
	}
	return round2(float64(memUsage(r)) / float64(limit) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
