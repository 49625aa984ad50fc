package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Paintersrp/jobvisor/internal/config"
)

// Group owns the instances of one job. The shared spec is swapped
// copy-on-write so every instance observes the new value on its next start.
type Group struct {
	name string
	spec atomic.Pointer[config.JobSpec]

	mu        sync.Mutex
	instances []*Instance
}

func newGroup(spec *config.JobSpec) *Group {
	g := &Group{name: spec.Name}
	g.spec.Store(spec)
	return g
}

// Name returns the job name.
func (g *Group) Name() string { return g.name }

// Spec returns the current shared specification.
func (g *Group) Spec() *config.JobSpec { return g.spec.Load() }

// Instances returns a copy of the ordered instance list.
func (g *Group) Instances() []*Instance {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.instances)
}

// swapLocked publishes spec to the group and every instance. g.mu must be held.
func (g *Group) swapLocked(spec *config.JobSpec) {
	g.spec.Store(spec)
	for _, inst := range g.instances {
		inst.SetSpec(spec)
	}
}

// resize grows or shrinks the instance list to n and returns the instances
// that were added and removed. The group spec records n as its replica count.
func (g *Group) resize(n int, create func(replica int, spec *config.JobSpec) *Instance) (added, removed []*Instance) {
	g.mu.Lock()
	defer g.mu.Unlock()

	spec := g.spec.Load()
	if spec.Replicas != n {
		next := spec.Clone()
		next.Replicas = n
		g.swapLocked(next)
		spec = next
	}

	switch cur := len(g.instances); {
	case n > cur:
		for replica := cur; replica < n; replica++ {
			added = append(added, create(replica, spec))
		}
		g.instances = append(g.instances, added...)
	case n < cur:
		removed = slices.Clone(g.instances[n:])
		g.instances = slices.Clip(g.instances[:n])
	}
	return added, removed
}

// fanOut runs fn against every instance in its own goroutine and waits for
// all of them. Errors and panics are isolated per instance, logged, and
// joined into the result.
func fanOut(ctx context.Context, logger *slog.Logger, op string, targets []*Instance, fn func(*Instance, context.Context) error) error {
	if len(targets) == 0 {
		return nil
	}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for idx, inst := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[idx] = fmt.Errorf("%s %s[%d]: panic: %v", op, inst.Job(), inst.Replica(), r)
					logger.ErrorContext(ctx, "operation panicked", "op", op, "job", inst.Job(), "replica", inst.Replica(), "panic", r)
				}
			}()
			if err := fn(inst, ctx); err != nil {
				errs[idx] = fmt.Errorf("%s %s[%d]: %w", op, inst.Job(), inst.Replica(), err)
				logger.WarnContext(ctx, "operation failed", "op", op, "job", inst.Job(), "replica", inst.Replica(), "err", err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
