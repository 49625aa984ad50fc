package api

import (
	"sync"
	"time"

	"github.com/Paintersrp/jobvisor/internal/engine"
)

const (
	defaultHistoryDepth = 10
	defaultHistorySize  = 50
)

// Transition is one recorded lifecycle event of a job.
type Transition struct {
	Timestamp time.Time        `json:"timestamp"`
	Replica   int              `json:"replica"`
	Type      engine.EventType `json:"type"`
	State     engine.State     `json:"state,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// History keeps the most recent lifecycle transitions per job. Log lines are
// not recorded.
type History struct {
	mu   sync.RWMutex
	size int
	jobs map[string][]Transition
}

// NewHistory returns a history retaining size transitions per job.
func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &History{size: size, jobs: make(map[string][]Transition)}
}

// Apply records evt.
func (h *History) Apply(evt engine.Event) {
	if evt.Job == "" || evt.Type == engine.EventTypeLog {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	message := evt.Message
	if message == "" && evt.Err != nil {
		message = evt.Err.Error()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.jobs[evt.Job], Transition{
		Timestamp: evt.Timestamp,
		Replica:   evt.Replica,
		Type:      evt.Type,
		State:     evt.State,
		Reason:    evt.Reason,
		Message:   message,
	})
	if len(entries) > h.size {
		entries = append(entries[:0:0], entries[len(entries)-h.size:]...)
	}
	h.jobs[evt.Job] = entries
}

// Recent returns up to n of the newest transitions of job, oldest first.
func (h *History) Recent(job string, n int) []Transition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entries := h.jobs[job]
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	if len(entries) == 0 {
		return nil
	}
	out := make([]Transition, len(entries))
	copy(out, entries)
	return out
}

// Forget drops every transition of job.
func (h *History) Forget(job string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.jobs, job)
}
