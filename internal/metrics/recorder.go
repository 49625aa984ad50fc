package metrics

import "github.com/Paintersrp/jobvisor/internal/engine"

// Observe updates the collectors from a supervisor event.
func Observe(evt engine.Event) {
	switch evt.Type {
	case engine.EventTypeStarting:
		RecordStart(evt.Job)
		SetInstanceUp(evt.Job, evt.Replica, true)
	case engine.EventTypeExited:
		RecordExit(evt.Job, evt.Expected, evt.Uptime)
		SetInstanceUp(evt.Job, evt.Replica, false)
		SetFailures(evt.Job, evt.Replica, evt.Failures)
	case engine.EventTypeRestarting:
		RecordRestart(evt.Job)
	case engine.EventTypeStarted, engine.EventTypeAbandoned, engine.EventTypeSucceeded:
		SetFailures(evt.Job, evt.Replica, evt.Failures)
	case engine.EventTypeRemoved:
		ResetInstance(evt.Job, evt.Replica)
	}
}

// ObserveStatus sets the replica gauges from a status report.
func ObserveStatus(jobs []engine.JobStatus) {
	for _, job := range jobs {
		if job.Spec != nil {
			SetReplicas(job.Name, job.Spec.Replicas)
		}
		for _, inst := range job.Instances {
			SetInstanceUp(job.Name, inst.Replica, inst.Running())
			SetFailures(job.Name, inst.Replica, inst.Failures)
		}
	}
}
