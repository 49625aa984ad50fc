package logmux

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Paintersrp/jobvisor/internal/engine"
	"github.com/Paintersrp/jobvisor/internal/runtime"
)

// DefaultFlushTimeout bounds how long Close waits for a reader to accept
// pending drop notices.
const DefaultFlushTimeout = time.Second

// stream identifies the output of one replica of a job.
type stream struct {
	job     string
	replica int
}

// Option configures a Mux.
type Option func(*Mux)

// WithDropHook registers fn to be called with every line discarded for a
// replica. fn runs on the source goroutine and must not block.
func WithDropHook(fn func(job string, replica int)) Option {
	return func(m *Mux) {
		m.onDrop = fn
	}
}

// WithFlushTimeout overrides DefaultFlushTimeout.
func WithFlushTimeout(d time.Duration) Option {
	return func(m *Mux) {
		if d > 0 {
			m.flushTimeout = d
		}
	}
}

// Mux merges process output from several sources into one bounded channel.
// A line that does not fit is discarded and counted against its replica.
// Before that replica's next line is delivered, a "dropped=N" notice is sent
// in its place, so each replica's output stays ordered.
type Mux struct {
	out          chan engine.Event
	onDrop       func(job string, replica int)
	flushTimeout time.Duration

	mu      sync.Mutex
	pending map[stream]int
	inputs  sync.WaitGroup
}

// New constructs a mux whose output channel holds size events.
func New(size int, opts ...Option) *Mux {
	if size <= 0 {
		size = 1
	}
	m := &Mux{
		out:          make(chan engine.Event, size),
		flushTimeout: DefaultFlushTimeout,
		pending:      make(map[stream]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Output exposes the muxed event channel.
func (m *Mux) Output() <-chan engine.Event {
	return m.out
}

// Add consumes log events from source until it is closed. Other event types
// are ignored.
func (m *Mux) Add(source <-chan engine.Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			if evt.Type != engine.EventTypeLog {
				continue
			}
			m.deliver(normalize(evt))
		}
	}()
}

// Close waits for every source to end, then sends the remaining drop
// notices in replica order. Notices that no reader accepts within the flush
// timeout are abandoned. The output channel is closed last.
func (m *Mux) Close() {
	m.inputs.Wait()

	m.mu.Lock()
	keys := make([]stream, 0, len(m.pending))
	for key := range m.pending {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	slices.SortFunc(keys, func(a, b stream) int {
		if c := cmp.Compare(a.job, b.job); c != 0 {
			return c
		}
		return cmp.Compare(a.replica, b.replica)
	})

	deadline := time.NewTimer(m.flushTimeout)
	defer deadline.Stop()
flush:
	for _, key := range keys {
		n := m.takePending(key)
		if n == 0 {
			continue
		}
		select {
		case m.out <- dropNotice(key, n):
		case <-deadline.C:
			break flush
		}
	}
	close(m.out)
}

func (m *Mux) deliver(evt engine.Event) {
	key := stream{job: evt.Job, replica: evt.Replica}
	if n := m.takePending(key); n > 0 && !m.trySend(dropNotice(key, n)) {
		m.mu.Lock()
		m.pending[key] += n
		m.mu.Unlock()
		m.drop(key)
		return
	}
	if !m.trySend(evt) {
		m.drop(key)
	}
}

// takePending removes and returns the drop count of key.
func (m *Mux) takePending(key stream) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.pending[key]
	delete(m.pending, key)
	return n
}

func (m *Mux) drop(key stream) {
	m.mu.Lock()
	m.pending[key]++
	m.mu.Unlock()
	if m.onDrop != nil {
		m.onDrop(key.job, key.replica)
	}
}

func (m *Mux) trySend(evt engine.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func normalize(evt engine.Event) engine.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		evt.Source = runtime.LogSourceStdout
	}
	if evt.Level == "" {
		if evt.Source == runtime.LogSourceStderr {
			evt.Level = "warn"
		} else {
			evt.Level = "info"
		}
	}
	return evt
}

func dropNotice(key stream, n int) engine.Event {
	return engine.Event{
		Timestamp: time.Now(),
		Job:       key.job,
		Replica:   key.replica,
		Type:      engine.EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", n),
		Level:     "warn",
		Source:    engine.LogSourceSystem,
	}
}
