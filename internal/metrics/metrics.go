package metrics

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	instanceUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobvisor",
		Name:      "instance_up",
		Help:      "Whether an instance has a live process (1=running, 0=not running).",
	}, []string{"job", "replica"})

	instanceFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobvisor",
		Name:      "instance_failures",
		Help:      "Consecutive unexpected exits counted against max_failures.",
	}, []string{"job", "replica"})

	jobReplicas = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobvisor",
		Name:      "job_replicas",
		Help:      "Configured number of processes for each job.",
	}, []string{"job"})

	jobStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobvisor",
		Name:      "job_starts_total",
		Help:      "Total number of processes spawned for each job.",
	}, []string{"job"})

	jobExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobvisor",
		Name:      "job_exits_total",
		Help:      "Total number of process exits for each job by classification.",
	}, []string{"job", "expected"})

	jobRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobvisor",
		Name:      "job_restarts_total",
		Help:      "Total number of restarts scheduled by the restart policy for each job.",
	}, []string{"job"})

	processRuntime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobvisor",
		Name:      "process_runtime_seconds",
		Help:      "How long processes ran before exiting, in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600, 86400},
	}, []string{"job"})

	logLinesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobvisor",
		Name:      "log_lines_dropped_total",
		Help:      "Output lines discarded because the log reader fell behind.",
	}, []string{"job", "replica"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobvisor",
		Name:      "build_info",
		Help:      "Build metadata for the running jobvisor binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(instanceUp, instanceFailures, jobReplicas, jobStarts, jobExits, jobRestarts, processRuntime, logLinesDropped, buildInfo)
}

// Registry returns the Prometheus registry containing all jobvisor metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetInstanceUp records whether the replica of job has a live process.
func SetInstanceUp(job string, replica int, up bool) {
	if job == "" {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	instanceUp.WithLabelValues(job, strconv.Itoa(replica)).Set(value)
}

// SetFailures records the failure counter of a replica.
func SetFailures(job string, replica, failures int) {
	if job == "" {
		return
	}
	instanceFailures.WithLabelValues(job, strconv.Itoa(replica)).Set(float64(failures))
}

// SetReplicas records the configured process count of a job.
func SetReplicas(job string, n int) {
	if job == "" {
		return
	}
	jobReplicas.WithLabelValues(job).Set(float64(n))
}

// RecordStart counts a spawned process.
func RecordStart(job string) {
	if job == "" {
		return
	}
	jobStarts.WithLabelValues(job).Inc()
}

// RecordExit counts an exit and observes how long the process ran.
func RecordExit(job string, expected bool, ran time.Duration) {
	if job == "" {
		return
	}
	jobExits.WithLabelValues(job, strconv.FormatBool(expected)).Inc()
	if ran > 0 {
		processRuntime.WithLabelValues(job).Observe(ran.Seconds())
	}
}

// RecordRestart counts a policy restart.
func RecordRestart(job string) {
	if job == "" {
		return
	}
	jobRestarts.WithLabelValues(job).Inc()
}

// RecordLogDrop counts one discarded output line of a replica.
func RecordLogDrop(job string, replica int) {
	if job == "" {
		return
	}
	logLinesDropped.WithLabelValues(job, strconv.Itoa(replica)).Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetInstance clears the per-replica series of a removed instance.
func ResetInstance(job string, replica int) {
	if job == "" {
		return
	}
	r := strconv.Itoa(replica)
	instanceUp.DeleteLabelValues(job, r)
	instanceFailures.DeleteLabelValues(job, r)
}

// ResetJob clears every series of a job.
func ResetJob(job string) {
	if job == "" {
		return
	}
	labels := prometheus.Labels{"job": job}
	instanceUp.DeletePartialMatch(labels)
	instanceFailures.DeletePartialMatch(labels)
	jobReplicas.DeletePartialMatch(labels)
	jobStarts.DeletePartialMatch(labels)
	jobExits.DeletePartialMatch(labels)
	jobRestarts.DeletePartialMatch(labels)
	processRuntime.DeletePartialMatch(labels)
}
