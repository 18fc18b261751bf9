package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
)

// Reaper scans for orphaned sandbox containers matching the deterministic
// naming pattern and removes them. Run once at process start, per spec §4.4
// ("A reaper scans for orphan containers matching the deterministic name
// pattern at process start"); no job row is consulted because the reaper's
// only signal is "no job logic references this container id anymore" — any
// container present at process start belonged to a reservation this process
// no longer owns.
type Reaper struct {
	docker *dockerclient.Client
}

// NewReaper creates a Reaper bound to docker.
func NewReaper(docker *dockerclient.Client) *Reaper {
	return &Reaper{docker: docker}
}

// Sweep removes every container whose name starts with containerNamePrefix
// and was created at least minAge ago. A minAge of 0 matches every such
// container regardless of age — appropriate only for the one-time
// process-start sweep, where any matching container necessarily belongs to
// a reservation this fresh process cannot own. Periodic sweeps must pass a
// minAge comfortably larger than the longest legitimate job so active
// containers are never torn down out from under a running job.
// Returns the number of containers removed.
func (r *Reaper) Sweep(ctx context.Context, minAge time.Duration) (int, error) {
	f := filters.NewArgs()
	f.Add("name", containerNamePrefix)

	containers, err := r.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return 0, fmt.Errorf("sandbox: reaper list failed: %w", err)
	}

	cutoff := time.Now().Add(-minAge)
	removed := 0
	for _, c := range containers {
		matches := false
		for _, name := range c.Names {
			if strings.Contains(name, containerNamePrefix) {
				matches = true
				break
			}
		}
		if !matches {
			continue
		}
		if minAge > 0 && time.Unix(c.Created, 0).After(cutoff) {
			continue
		}

		if err := r.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Error("sandbox reaper: failed to remove orphan container", "container_id", c.ID, "error", err)
			continue
		}
		slog.Warn("sandbox reaper: removed orphan container", "container_id", c.ID, "names", c.Names)
		removed++
	}

	return removed, nil
}

// RunPeriodically starts a background sweep loop bounding how long a
// sandbox container can outlive its job's terminal transition (spec §8
// invariant 8: "no sandbox container outlives its job's terminal transition
// by more than a bounded cleanup window"). minAge should exceed the longest
// configured job wall-clock timeout so active containers are never reaped.
func (r *Reaper) RunPeriodically(ctx context.Context, interval, minAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, minAge); err != nil {
				slog.Error("sandbox reaper: periodic sweep failed", "error", err)
			}
		}
	}
}
