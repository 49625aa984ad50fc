package cliutil

import (
	"sync"

	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/engine"
)

// Redactor masks job env values in event text. A nil Redactor leaves text
// unchanged. Safe for concurrent use.
type Redactor struct {
	mu    sync.RWMutex
	specs map[string]*config.JobSpec
}

// NewRedactor returns a Redactor tracking jobs.
func NewRedactor(jobs []engine.JobStatus) *Redactor {
	r := &Redactor{}
	r.Track(jobs)
	return r
}

// Track replaces the specs used for masking.
func (r *Redactor) Track(jobs []engine.JobStatus) {
	if r == nil {
		return
	}
	specs := make(map[string]*config.JobSpec, len(jobs))
	for _, job := range jobs {
		if job.Spec != nil {
			specs[job.Name] = job.Spec
		}
	}
	r.mu.Lock()
	r.specs = specs
	r.mu.Unlock()
}

// Redact masks the env values of job in text.
func (r *Redactor) Redact(job, text string) string {
	if r == nil || text == "" {
		return text
	}
	r.mu.RLock()
	spec := r.specs[job]
	r.mu.RUnlock()
	return spec.Redact(text)
}
