package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/runtime"
)

// State is the lifecycle state of an instance.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateStarted    State = "started"
	StateExiting    State = "exiting"
	StateRestarting State = "restarting"
	StateEarlyExit  State = "early_exit"
	StateTerminated State = "terminated"
	StateAbandoned  State = "abandoned"
	StateSuccess    State = "success"
)

// stopping reports whether a stop owns the next exit transition.
func (s State) stopping() bool {
	return s == StateTerminated || s == StateExiting || s == StateRestarting
}

// classifyExit decides whether an exit observed in state was expected.
func classifyExit(state State, status int, spec *config.JobSpec) bool {
	switch state {
	case StateTerminated, StateExiting, StateRestarting:
		return true
	case StateEarlyExit, StateAbandoned:
		return false
	case StateStarted:
		return spec.IsExpectedStatus(status)
	default:
		return false
	}
}

// shouldRestart applies the restart policy. Every policy is bounded by
// max_failures.
func shouldRestart(policy config.RestartPolicy, expected bool, failures, maxFailures int) bool {
	if failures >= maxFailures {
		return false
	}
	switch policy {
	case config.RestartAlways:
		return true
	case config.RestartOnSuccess:
		return expected
	case config.RestartUnexpected:
		return !expected
	default:
		return false
	}
}

// Snapshot is a consistent view of an instance taken between two inbox
// messages.
type Snapshot struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	Replica    int       `json:"replica"`
	Pid        int       `json:"pid,omitempty"`
	State      State     `json:"state"`
	Failures   int       `json:"failures"`
	ExitStatus *int      `json:"exit_status,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	// PendingRestart is set while a fail_cooldown restart is armed.
	PendingRestart bool `json:"pending_restart,omitempty"`
}

// Running reports whether the snapshot has a live process.
func (s Snapshot) Running() bool {
	return s.Pid != 0
}

// Uptime returns how long the current process has been running.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.Pid == 0 || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

type opKind int

const (
	opStart opKind = iota
	opSoftStop
	opRestart
	opForceStop
	opClose
	opShutdown
)

func (k opKind) String() string {
	switch k {
	case opStart:
		return "start"
	case opSoftStop:
		return "stop"
	case opRestart:
		return "restart"
	case opForceStop:
		return "kill"
	case opClose:
		return "close"
	case opShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

type watcherKind int

const (
	watchLiveness watcherKind = iota
	watchEscalation
	watchCooldown
)

type opMsg struct {
	kind  opKind
	reply chan error
}

type exitMsg struct {
	generation uint64
	status     int
	err        error
}

type timerMsg struct {
	kind  watcherKind
	token uint64
}

// watcher is a cancellable timer. A fired timer posts its token; the loop
// discards it unless the token is still current.
type watcher struct {
	timer *time.Timer
	token uint64
}

func (w *watcher) armed() bool {
	return w.token != 0
}

// InstanceConfig configures NewInstance.
type InstanceConfig struct {
	Job     string
	Replica int
	Spec    *config.JobSpec
	Runtime runtime.Runtime
	Events  chan<- Event
	Logger  *slog.Logger
}

// Instance owns one OS process slot of a job across restarts. Every mutating
// operation is serialized through the instance inbox; only the blocking wait
// on the child runs outside it and posts the exit back in.
type Instance struct {
	id      string
	job     string
	replica int
	spec    atomic.Pointer[config.JobSpec]
	runtime runtime.Runtime
	events  chan<- Event
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any
	done   chan struct{}

	snapshot atomic.Pointer[Snapshot]

	settleMu sync.Mutex
	settleCh chan struct{}
	settled  bool

	// Owned by the loop goroutine.
	state        State
	proc         runtime.Process
	procSpec     *config.JobSpec
	generation   uint64
	lastStatus   *int
	failures     int
	startedAt    time.Time
	pendingStart bool
	closed       bool
	tokens       uint64
	liveness     watcher
	escalation   watcher
	cooldown     watcher
}

// NewInstance creates an idle instance and starts its loop. The caller must
// eventually Close it.
func NewInstance(cfg InstanceConfig) *Instance {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		id:       id,
		job:      cfg.Job,
		replica:  cfg.Replica,
		runtime:  cfg.Runtime,
		events:   cfg.Events,
		logger:   logger.With("job", cfg.Job, "replica", cfg.Replica, "instance", id),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan any),
		done:     make(chan struct{}),
		settleCh: make(chan struct{}),
		settled:  true,
		state:    StateIdle,
	}
	close(inst.settleCh)
	inst.spec.Store(cfg.Spec)
	inst.publish()
	go inst.run()
	return inst
}

// ID returns the instance identifier used for log correlation.
func (i *Instance) ID() string { return i.id }

// Job returns the owning job name.
func (i *Instance) Job() string { return i.job }

// Replica returns the position of the instance within its job.
func (i *Instance) Replica() int { return i.replica }

// Spec returns the specification the next generation will run with.
func (i *Instance) Spec() *config.JobSpec {
	return i.spec.Load()
}

// SetSpec replaces the specification. A running process keeps the spec it
// was started with; the new one applies from the next start.
func (i *Instance) SetSpec(spec *config.JobSpec) {
	i.spec.Store(spec)
}

// Snapshot returns the latest published view of the instance.
func (i *Instance) Snapshot() Snapshot {
	return *i.snapshot.Load()
}

// Done is closed once the instance loop has exited after Close.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Start launches a process. It is a no-op when a process is already running,
// and queues a start when a stop is in progress.
func (i *Instance) Start(ctx context.Context) error {
	return i.do(ctx, opStart)
}

// SoftStop sends the exit signal and arms the exit_timeout escalation.
func (i *Instance) SoftStop(ctx context.Context) error {
	return i.do(ctx, opSoftStop)
}

// shutdown is SoftStop on behalf of a supervisor shutdown.
func (i *Instance) shutdown(ctx context.Context) error {
	return i.do(ctx, opShutdown)
}

// Restart stops the process like SoftStop and starts a new generation once
// the old process is dead, regardless of restart policy.
func (i *Instance) Restart(ctx context.Context) error {
	return i.do(ctx, opRestart)
}

// ForceStop kills the process group. It is a no-op without a process apart
// from cancelling a pending cooldown restart.
func (i *Instance) ForceStop(ctx context.Context) error {
	return i.do(ctx, opForceStop)
}

// Close kills any running process and waits for the loop to exit. Later
// operations return ErrInstanceClosed.
func (i *Instance) Close(ctx context.Context) error {
	if err := i.do(ctx, opClose); err != nil && !errors.Is(err, ErrInstanceClosed) {
		return err
	}
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the instance has no process, no pending cooldown restart
// and no queued start.
func (i *Instance) Wait(ctx context.Context) error {
	i.settleMu.Lock()
	ch := i.settleCh
	i.settleMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) do(ctx context.Context, kind opKind) error {
	reply := make(chan error, 1)
	select {
	case i.inbox <- opMsg{kind: kind, reply: reply}:
	case <-i.done:
		return ErrInstanceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) post(msg any) {
	select {
	case i.inbox <- msg:
	case <-i.done:
	}
}

func (i *Instance) run() {
	defer close(i.done)
	defer i.cancel()
	for {
		msg := <-i.inbox
		var (
			reply chan error
			err   error
		)
		switch m := msg.(type) {
		case opMsg:
			reply = m.reply
			err = i.handleOp(m.kind)
		case exitMsg:
			i.handleExit(m)
		case timerMsg:
			i.handleTimer(m)
		}
		i.publish()
		if reply != nil {
			reply <- err
		}
		if i.closed && i.proc == nil {
			return
		}
	}
}

func (i *Instance) handleOp(kind opKind) error {
	if i.closed {
		return ErrInstanceClosed
	}
	i.logger.Debug("operation", "op", kind, "state", i.state)
	switch kind {
	case opStart:
		i.handleStart()
	case opSoftStop:
		i.handleSoftStop(ReasonOperator)
	case opShutdown:
		i.handleSoftStop(ReasonShutdown)
	case opRestart:
		i.handleRestart()
	case opForceStop:
		i.handleForceStop(ReasonOperator)
	case opClose:
		i.handleClose()
	}
	return nil
}

func (i *Instance) handleStart() {
	if i.proc != nil {
		if i.state.stopping() {
			i.pendingStart = true
		}
		return
	}
	if i.state == StateAbandoned {
		i.failures = 0
	}
	i.spawn(ReasonOperator)
}

func (i *Instance) handleSoftStop(reason string) {
	i.pendingStart = false
	i.cancelWatcher(&i.liveness)
	if i.proc == nil {
		i.cancelCooldown()
		return
	}
	if i.state == StateTerminated {
		return
	}
	i.state = StateExiting
	i.signalStop(reason)
}

func (i *Instance) handleRestart() {
	if i.proc == nil {
		if i.state == StateAbandoned {
			i.failures = 0
		}
		i.spawn(ReasonOperator)
		return
	}
	i.pendingStart = true
	i.cancelWatcher(&i.liveness)
	if i.state == StateTerminated {
		return
	}
	i.state = StateRestarting
	i.signalStop(ReasonOperator)
}

// signalStop sends the current exit signal and arms escalation once per stop.
func (i *Instance) signalStop(reason string) {
	spec := i.spec.Load()
	sig := spec.Signal()
	i.emit(Event{Type: EventTypeStopping, Reason: reason, Message: fmt.Sprintf("sending %s", sig)})
	if err := i.proc.Signal(sig); err != nil {
		i.logger.Warn("exit signal failed", "pid", i.proc.Pid(), "err", err)
	}
	if !i.escalation.armed() {
		i.arm(&i.escalation, watchEscalation, spec.ExitTimeout.Duration)
	}
}

func (i *Instance) handleForceStop(reason string) {
	i.pendingStart = false
	i.cancelWatcher(&i.liveness)
	i.cancelWatcher(&i.escalation)
	if i.proc == nil {
		i.cancelCooldown()
		return
	}
	i.state = StateTerminated
	i.emit(Event{Type: EventTypeStopping, Reason: reason, Message: "sending SIGKILL"})
	if err := i.proc.Signal(syscall.SIGKILL); err != nil {
		i.logger.Warn("kill failed", "pid", i.proc.Pid(), "err", err)
	}
}

func (i *Instance) handleClose() {
	i.handleForceStop(ReasonClosed)
	i.cancelWatcher(&i.cooldown)
	i.closed = true
	if i.proc == nil {
		i.cancel()
	}
}

// cancelCooldown aborts a pending policy restart of an exited process.
func (i *Instance) cancelCooldown() {
	if !i.cooldown.armed() {
		return
	}
	i.cancelWatcher(&i.cooldown)
	i.state = StateTerminated
	i.emit(Event{Type: EventTypeTerminated, Reason: ReasonOperator, Message: "pending restart cancelled"})
}

func (i *Instance) spawn(reason string) {
	spec := i.spec.Load()
	i.cancelWatcher(&i.escalation)
	i.cancelWatcher(&i.cooldown)
	i.cancelWatcher(&i.liveness)
	i.pendingStart = false
	i.state = StateStarting
	i.generation++
	i.procSpec = spec
	i.startedAt = time.Now()

	proc, err := i.runtime.Spawn(i.ctx, spec, runtime.SpawnOptions{Output: i.output})
	if err != nil {
		i.logger.Error("spawn failed", "err", err)
		i.emit(Event{Type: EventTypeError, Level: "error", Reason: ReasonSpawnFailure, Err: err, Message: err.Error()})
		i.classify(spec, 1, 0, 0)
		return
	}

	i.proc = proc
	generation := i.generation
	i.logger.Debug("process spawned", "pid", proc.Pid(), "generation", generation)
	i.emit(Event{Type: EventTypeStarting, Reason: reason})
	if spec.StartMinimumTime.Duration <= 0 {
		i.state = StateStarted
		i.emit(Event{Type: EventTypeStarted})
	} else {
		i.arm(&i.liveness, watchLiveness, spec.StartMinimumTime.Duration)
	}
	go func() {
		status, err := proc.Wait()
		i.post(exitMsg{generation: generation, status: status, err: err})
	}()
}

func (i *Instance) handleExit(msg exitMsg) {
	if i.proc == nil || msg.generation != i.generation {
		return
	}
	if msg.err != nil {
		i.logger.Warn("wait failed", "pid", i.proc.Pid(), "err", msg.err)
	}
	pid := i.proc.Pid()
	uptime := time.Since(i.startedAt)
	spec := i.procSpec
	i.proc = nil
	i.cancelWatcher(&i.liveness)
	i.cancelWatcher(&i.escalation)

	if i.state.stopping() {
		status := msg.status
		i.lastStatus = &status
		i.emit(Event{Type: EventTypeExited, Pid: pid, Status: status, Expected: true, Uptime: uptime, Reason: ReasonStopped})
		if i.pendingStart && !i.closed {
			i.spawn(ReasonOperator)
			return
		}
		i.pendingStart = false
		i.state = StateTerminated
		i.emit(Event{Type: EventTypeTerminated, Reason: ReasonStopped})
		return
	}
	i.classify(spec, msg.status, pid, uptime)
}

// classify records an exit that no stop operation owns and applies the
// restart policy of the spec the process ran with.
func (i *Instance) classify(spec *config.JobSpec, status, pid int, uptime time.Duration) {
	i.lastStatus = &status
	i.cancelWatcher(&i.liveness)
	if i.state != StateStarted {
		i.state = StateEarlyExit
	}
	expected := classifyExit(i.state, status, spec)
	if !expected {
		i.failures++
	}
	i.emit(Event{Type: EventTypeExited, Pid: pid, Status: status, Expected: expected, Uptime: uptime})
	i.logger.Info("process exited", "status", status, "expected", expected, "failures", i.failures)

	if i.closed {
		i.state = StateTerminated
		return
	}
	if shouldRestart(spec.Restart, expected, i.failures, spec.MaxFailures) {
		i.arm(&i.cooldown, watchCooldown, spec.FailCooldown.Duration)
		i.emit(Event{Type: EventTypeRestarting, Reason: ReasonPolicy, Message: fmt.Sprintf("restarting in %s", spec.FailCooldown.Duration)})
		return
	}
	if expected {
		i.state = StateSuccess
		i.emit(Event{Type: EventTypeSucceeded})
		return
	}
	i.state = StateAbandoned
	reason := ReasonPolicy
	if i.failures >= spec.MaxFailures && spec.Restart != config.RestartNever {
		reason = ReasonMaxFailures
	}
	i.emit(Event{Type: EventTypeAbandoned, Level: "warn", Reason: reason})
	i.logger.Warn("process abandoned", "failures", i.failures, "reason", reason)
}

func (i *Instance) handleTimer(msg timerMsg) {
	var w *watcher
	switch msg.kind {
	case watchLiveness:
		w = &i.liveness
	case watchEscalation:
		w = &i.escalation
	case watchCooldown:
		w = &i.cooldown
	default:
		return
	}
	if !w.armed() || w.token != msg.token {
		return
	}
	w.timer, w.token = nil, 0

	switch msg.kind {
	case watchLiveness:
		if i.proc != nil && i.state == StateStarting && i.proc.Alive() {
			i.state = StateStarted
			i.emit(Event{Type: EventTypeStarted})
		}
	case watchEscalation:
		if i.proc != nil && i.proc.Alive() {
			if i.state != StateRestarting {
				i.state = StateTerminated
			}
			i.emit(Event{Type: EventTypeStopping, Reason: ReasonEscalation, Message: "exit_timeout elapsed, sending SIGKILL"})
			if err := i.proc.Signal(syscall.SIGKILL); err != nil {
				i.logger.Warn("kill failed", "pid", i.proc.Pid(), "err", err)
			}
		}
	case watchCooldown:
		if i.proc == nil && !i.closed {
			i.spawn(ReasonCooldown)
		}
	}
}

func (i *Instance) arm(w *watcher, kind watcherKind, d time.Duration) {
	i.cancelWatcher(w)
	i.tokens++
	token := i.tokens
	w.token = token
	w.timer = time.AfterFunc(d, func() {
		i.post(timerMsg{kind: kind, token: token})
	})
}

func (i *Instance) cancelWatcher(w *watcher) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer, w.token = nil, 0
}

// output forwards a line of unredirected child output. Lines are published
// as log events; the supervisor logger only sees them at debug level.
func (i *Instance) output(source, line string) {
	level := "info"
	if source == runtime.LogSourceStderr {
		level = "warn"
	}
	i.logger.Debug(line, "source", source)
	i.emit(Event{Type: EventTypeLog, Message: line, Source: source, Level: level})
}

// emit fills identity fields from the instance. State, pid and failures are
// only read on the loop goroutine; output lines carry identity alone.
func (i *Instance) emit(evt Event) {
	evt.Job = i.job
	evt.Replica = i.replica
	evt.InstanceID = i.id
	if evt.Type != EventTypeLog {
		evt.State = i.state
		evt.Failures = i.failures
		if evt.Pid == 0 && i.proc != nil {
			evt.Pid = i.proc.Pid()
		}
	}
	if !sendEvent(i.events, evt) {
		i.logger.Debug("event dropped", "type", evt.Type)
	}
}

func (i *Instance) publish() {
	snap := &Snapshot{
		ID:             i.id,
		Job:            i.job,
		Replica:        i.replica,
		State:          i.state,
		Failures:       i.failures,
		PendingRestart: i.cooldown.armed(),
	}
	if i.lastStatus != nil {
		status := *i.lastStatus
		snap.ExitStatus = &status
	}
	if i.proc != nil {
		snap.Pid = i.proc.Pid()
		snap.StartedAt = i.startedAt
	}
	i.snapshot.Store(snap)

	settled := i.proc == nil && !i.cooldown.armed() && !i.pendingStart
	i.settleMu.Lock()
	defer i.settleMu.Unlock()
	switch {
	case settled && !i.settled:
		close(i.settleCh)
		i.settled = true
	case !settled && i.settled:
		i.settleCh = make(chan struct{})
		i.settled = false
	}
}
