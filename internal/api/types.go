package api

import (
	"errors"
	"time"

	"github.com/Paintersrp/jobvisor/internal/control"
	"github.com/Paintersrp/jobvisor/internal/engine"
)

var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrInvalidRequest = errors.New("invalid request")
)

// Controller exposes the supervisor operations required by control servers.
type Controller interface {
	control.Controller
}

// InstanceReport describes one process slot of a job.
type InstanceReport struct {
	ID             string       `json:"id"`
	Replica        int          `json:"replica"`
	Pid            int          `json:"pid,omitempty"`
	State          engine.State `json:"state"`
	Failures       int          `json:"failures"`
	ExitStatus     *int         `json:"exit_status,omitempty"`
	StartedAt      time.Time    `json:"started_at,omitzero"`
	UptimeSeconds  float64      `json:"uptime_seconds"`
	PendingRestart bool         `json:"pending_restart,omitempty"`
}

// JobReport describes the runtime state for a single job.
type JobReport struct {
	Name      string           `json:"name"`
	Cmd       string           `json:"cmd"`
	Replicas  int              `json:"replicas"`
	Running   int              `json:"running"`
	Autostart bool             `json:"autostart"`
	Restart   string           `json:"restart"`
	Instances []InstanceReport `json:"instances"`
	History   []Transition     `json:"history,omitempty"`
}

// StatusReport aggregates supervisor-wide status information.
type StatusReport struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Jobs        []JobReport `json:"jobs"`
}

// Job returns the report for name.
func (r *StatusReport) Job(name string) (JobReport, bool) {
	for _, job := range r.Jobs {
		if job.Name == name {
			return job, true
		}
	}
	return JobReport{}, false
}

// NewStatusReport builds a report from supervisor status. history may be nil.
func NewStatusReport(jobs []engine.JobStatus, history *History, now time.Time) *StatusReport {
	report := &StatusReport{GeneratedAt: now, Jobs: make([]JobReport, 0, len(jobs))}
	for _, job := range jobs {
		jr := JobReport{
			Name:      job.Name,
			Instances: make([]InstanceReport, 0, len(job.Instances)),
		}
		if job.Spec != nil {
			jr.Cmd = job.Spec.DisplayCmd()
			jr.Replicas = job.Spec.Replicas
			jr.Autostart = job.Spec.Autostart
			jr.Restart = string(job.Spec.Restart)
		}
		for _, snap := range job.Instances {
			if snap.Running() {
				jr.Running++
			}
			jr.Instances = append(jr.Instances, InstanceReport{
				ID:             snap.ID,
				Replica:        snap.Replica,
				Pid:            snap.Pid,
				State:          snap.State,
				Failures:       snap.Failures,
				ExitStatus:     snap.ExitStatus,
				StartedAt:      snap.StartedAt,
				UptimeSeconds:  snap.Uptime(now).Seconds(),
				PendingRestart: snap.PendingRestart,
			})
		}
		if history != nil {
			jr.History = history.Recent(job.Name, defaultHistoryDepth)
			for i := range jr.History {
				jr.History[i].Message = job.Spec.Redact(jr.History[i].Message)
			}
		}
		report.Jobs = append(report.Jobs, jr)
	}
	return report
}
