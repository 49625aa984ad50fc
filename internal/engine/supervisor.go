package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/logging"
	"github.com/Paintersrp/jobvisor/internal/runtime"
)

// Store persists job specifications.
type Store interface {
	Load() ([]*config.JobSpec, error)
	Save([]*config.JobSpec) error
}

// JobStatus is the status of one job: its spec and every instance.
type JobStatus struct {
	Name      string          `json:"name"`
	Spec      *config.JobSpec `json:"spec"`
	Instances []Snapshot      `json:"instances"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger used by the supervisor and its instances.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvents directs lifecycle events to ch. Sends never block; events are
// dropped when ch is full.
func WithEvents(ch chan<- Event) Option {
	return func(s *Supervisor) {
		s.events = ch
	}
}

// WithStore sets the store used by Reload and Save.
func WithStore(store Store) Option {
	return func(s *Supervisor) {
		s.store = store
	}
}

// WithScaleAllGroups makes ScaleJob resize every job instead of only the
// named one. UpdateJob, Reload and SetConfigVar reconcile through ScaleJob
// and therefore resize every job as well.
func WithScaleAllGroups() Option {
	return func(s *Supervisor) {
		s.scaleAll = true
	}
}

// Supervisor manages the set of jobs and fans operations out to their
// instances.
type Supervisor struct {
	runtime  runtime.Runtime
	logger   *slog.Logger
	events   chan<- Event
	store    Store
	scaleAll bool

	reloads singleflight.Group

	mu     sync.RWMutex
	groups map[string]*Group
	order  []string
}

// NewSupervisor constructs a supervisor with no jobs.
func NewSupervisor(rt runtime.Runtime, opts ...Option) *Supervisor {
	s := &Supervisor{
		runtime: rt,
		logger:  slog.Default(),
		groups:  make(map[string]*Group),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Jobs returns job names in declaration order.
func (s *Supervisor) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Group returns the group for name.
func (s *Supervisor) Group(name string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
	return g, nil
}

func (s *Supervisor) orderedGroups() []*Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]*Group, 0, len(s.order))
	for _, name := range s.order {
		groups = append(groups, s.groups[name])
	}
	return groups
}

// targets resolves the instances of name, or of every job when name is empty.
func (s *Supervisor) targets(name string) ([]*Instance, error) {
	var groups []*Group
	if name == "" {
		groups = s.orderedGroups()
	} else {
		g, err := s.Group(name)
		if err != nil {
			return nil, err
		}
		groups = []*Group{g}
	}
	var out []*Instance
	for _, g := range groups {
		out = append(out, g.Instances()...)
	}
	return out, nil
}

func (s *Supervisor) dispatch(ctx context.Context, name, op string, fn func(*Instance, context.Context) error) error {
	targets, err := s.targets(name)
	if err != nil {
		return err
	}
	scope := name
	if scope == "" {
		scope = "*"
	}
	ctx = logging.ContextAttrs(ctx, slog.String("op", op), slog.String("scope", scope))
	s.logger.DebugContext(ctx, "dispatch", "instances", len(targets))
	return fanOut(ctx, s.logger, op, targets, fn)
}

// StartJob starts every instance of name, or of all jobs when name is empty.
func (s *Supervisor) StartJob(ctx context.Context, name string) error {
	return s.dispatch(ctx, name, "start", (*Instance).Start)
}

// StopJob soft-stops every instance of name, or of all jobs.
func (s *Supervisor) StopJob(ctx context.Context, name string) error {
	return s.dispatch(ctx, name, "stop", (*Instance).SoftStop)
}

// KillJob force-stops every instance of name, or of all jobs.
func (s *Supervisor) KillJob(ctx context.Context, name string) error {
	return s.dispatch(ctx, name, "kill", (*Instance).ForceStop)
}

// RestartJob restarts every instance of name, or of all jobs.
func (s *Supervisor) RestartJob(ctx context.Context, name string) error {
	return s.dispatch(ctx, name, "restart", (*Instance).Restart)
}

// ScaleJob resizes a job to n instances. n == 0 is a no-op. New instances
// start when the spec has autostart; removed instances are killed and closed.
func (s *Supervisor) ScaleJob(ctx context.Context, name string, n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidScale, n)
	}
	if n == 0 {
		return nil
	}
	var groups []*Group
	if s.scaleAll {
		if _, err := s.Group(name); err != nil {
			return err
		}
		groups = s.orderedGroups()
	} else {
		g, err := s.Group(name)
		if err != nil {
			return err
		}
		groups = []*Group{g}
	}

	var errs []error
	for _, g := range groups {
		errs = append(errs, s.resizeGroup(ctx, g, n))
	}
	return errors.Join(errs...)
}

func (s *Supervisor) resizeGroup(ctx context.Context, g *Group, n int) error {
	before := len(g.Instances())
	added, removed := g.resize(n, func(replica int, spec *config.JobSpec) *Instance {
		return s.newInstance(g.name, replica, spec)
	})
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	s.logger.InfoContext(ctx, "job scaled", "job", g.name, "from", before, "to", n)
	sendEvent(s.events, Event{Job: g.name, Type: EventTypeScaled, Message: fmt.Sprintf("%d -> %d", before, n)})

	var errs []error
	if g.Spec().Autostart {
		errs = append(errs, fanOut(ctx, s.logger, "start", added, (*Instance).Start))
	}
	errs = append(errs, fanOut(ctx, s.logger, "remove", removed, func(inst *Instance, ctx context.Context) error {
		defer sendEvent(s.events, Event{Job: inst.Job(), Replica: inst.Replica(), InstanceID: inst.ID(), Type: EventTypeRemoved, Reason: ReasonScaleDown})
		return inst.Close(ctx)
	}))
	return errors.Join(errs...)
}

func (s *Supervisor) newInstance(job string, replica int, spec *config.JobSpec) *Instance {
	return NewInstance(InstanceConfig{
		Job:     job,
		Replica: replica,
		Spec:    spec,
		Runtime: s.runtime,
		Events:  s.events,
		Logger:  s.logger,
	})
}

// SetConfigVar changes one field of a job's spec. The spec is cloned,
// modified, validated and swapped; running processes keep their spec until
// their next start. A changed process count is reconciled through ScaleJob
// and must be at least one.
func (s *Supervisor) SetConfigVar(ctx context.Context, name, key, value string) error {
	g, err := s.Group(name)
	if err != nil {
		return err
	}

	g.mu.Lock()
	cur := g.spec.Load()
	next := cur.Clone()
	if err := next.SetField(key, value); err != nil {
		g.mu.Unlock()
		return err
	}
	if err := next.Validate(); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	if next.Replicas != cur.Replicas && next.Replicas < 1 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidScale, next.Replicas)
	}
	g.swapLocked(next)
	g.mu.Unlock()

	s.logger.InfoContext(ctx, "job updated", "job", name, "field", key)
	sendEvent(s.events, Event{Job: name, Type: EventTypeUpdated, Message: fmt.Sprintf("%s updated", key)})
	if next.Replicas != cur.Replicas {
		return s.ScaleJob(ctx, name, next.Replicas)
	}
	return nil
}

// UpdateJob applies spec. An unknown job becomes a new group; a known job
// has its spec swapped when it differs, keeping its current process count
// when spec asks for zero. In both cases the replica count is then
// reconciled through ScaleJob.
func (s *Supervisor) UpdateJob(ctx context.Context, spec *config.JobSpec) error {
	if spec == nil {
		return fmt.Errorf("%w: nil job", config.ErrInvalidConfig)
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	spec = spec.Clone()

	s.mu.Lock()
	g, known := s.groups[spec.Name]
	if !known {
		g = newGroup(spec)
		s.groups[spec.Name] = g
		s.order = append(s.order, spec.Name)
	}
	s.mu.Unlock()

	if !known {
		s.logger.InfoContext(ctx, "job added", "job", spec.Name, "processes", spec.Replicas)
		sendEvent(s.events, Event{Job: spec.Name, Type: EventTypeUpdated, Message: "added"})
		if spec.Replicas == 0 {
			return nil
		}
		if err := s.resizeGroup(ctx, g, 1); err != nil {
			return err
		}
		return s.ScaleJob(ctx, spec.Name, spec.Replicas)
	}

	g.mu.Lock()
	cur := g.spec.Load()
	// Zero processes never shrinks a running group.
	if spec.Replicas == 0 {
		spec.Replicas = cur.Replicas
	}
	changed := !cur.Equal(spec)
	if changed {
		g.swapLocked(spec)
	}
	g.mu.Unlock()
	if changed {
		s.logger.InfoContext(ctx, "job updated", "job", spec.Name)
		sendEvent(s.events, Event{Job: spec.Name, Type: EventTypeUpdated, Message: "spec replaced"})
	}
	return s.ScaleJob(ctx, spec.Name, spec.Replicas)
}

// Reload reads every record from the store and applies them with UpdateJob.
// A malformed store leaves all jobs untouched. Jobs missing from the store
// are kept. Concurrent calls share one reload.
func (s *Supervisor) Reload(ctx context.Context) error {
	_, err, shared := s.reloads.Do("reload", func() (any, error) {
		return nil, s.reload(ctx)
	})
	if shared {
		s.logger.DebugContext(ctx, "reload coalesced")
	}
	return err
}

func (s *Supervisor) reload(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStore
	}
	specs, err := s.store.Load()
	if err != nil {
		s.logger.ErrorContext(ctx, "reload failed", "err", err)
		return fmt.Errorf("reload: %w", err)
	}
	if err := config.ValidateAll(specs); err != nil {
		s.logger.ErrorContext(ctx, "reload failed", "err", err)
		return fmt.Errorf("reload: %w", err)
	}

	var errs []error
	for _, spec := range specs {
		if err := s.UpdateJob(ctx, spec); err != nil {
			errs = append(errs, fmt.Errorf("update %s: %w", spec.Name, err))
		}
	}
	s.logger.InfoContext(ctx, "jobs reloaded", "jobs", len(specs))
	sendEvent(s.events, Event{Type: EventTypeReloaded, Message: fmt.Sprintf("%d jobs", len(specs))})
	return errors.Join(errs...)
}

// Save writes one spec per job to the store in declaration order.
func (s *Supervisor) Save(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStore
	}
	groups := s.orderedGroups()
	specs := make([]*config.JobSpec, 0, len(groups))
	for _, g := range groups {
		specs = append(specs, g.Spec())
	}
	if err := s.store.Save(specs); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	s.logger.InfoContext(ctx, "jobs saved", "jobs", len(specs))
	sendEvent(s.events, Event{Type: EventTypeSaved, Message: fmt.Sprintf("%d jobs", len(specs))})
	return nil
}

// Status returns a snapshot of every job in declaration order.
func (s *Supervisor) Status() []JobStatus {
	groups := s.orderedGroups()
	out := make([]JobStatus, 0, len(groups))
	for _, g := range groups {
		instances := g.Instances()
		snaps := make([]Snapshot, 0, len(instances))
		for _, inst := range instances {
			snaps = append(snaps, inst.Snapshot())
		}
		out = append(out, JobStatus{Name: g.name, Spec: g.Spec(), Instances: snaps})
	}
	return out
}

// Shutdown soft-stops every instance and waits for them to settle. When ctx
// expires first, remaining processes are killed. Every instance is closed
// before Shutdown returns.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	targets, err := s.targets("")
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "shutting down", "instances", len(targets))

	var eg errgroup.Group
	for _, inst := range targets {
		eg.Go(func() error {
			if err := inst.shutdown(ctx); err != nil && !errors.Is(err, ErrInstanceClosed) && ctx.Err() == nil {
				return fmt.Errorf("stop %s[%d]: %w", inst.Job(), inst.Replica(), err)
			}
			if err := inst.Wait(ctx); err != nil {
				s.logger.Warn("instance did not stop in time", "job", inst.Job(), "replica", inst.Replica())
			}
			if err := inst.Close(context.Background()); err != nil {
				return fmt.Errorf("close %s[%d]: %w", inst.Job(), inst.Replica(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}
