package engine

import (
	"time"
)

// EventType captures lifecycle notifications emitted by instances and the
// supervisor.
type EventType string

const (
	EventTypeStarting   EventType = "starting"
	EventTypeStarted    EventType = "started"
	EventTypeStopping   EventType = "stopping"
	EventTypeExited     EventType = "exited"
	EventTypeRestarting EventType = "restarting"
	EventTypeTerminated EventType = "terminated"
	EventTypeAbandoned  EventType = "abandoned"
	EventTypeSucceeded  EventType = "succeeded"
	EventTypeLog        EventType = "log"
	EventTypeError      EventType = "error"
	EventTypeRemoved    EventType = "removed"
	EventTypeScaled     EventType = "scaled"
	EventTypeUpdated    EventType = "updated"
	EventTypeReloaded   EventType = "reloaded"
	EventTypeSaved      EventType = "saved"
)

// Event represents a single lifecycle or log notification.
type Event struct {
	Timestamp  time.Time
	Job        string
	Replica    int
	InstanceID string
	Type       EventType
	State      State
	Pid        int
	// Status is the exit status for EventTypeExited.
	Status   int
	Expected bool
	// Uptime is how long the exited process ran.
	Uptime time.Duration
	Failures int
	Message  string
	Level    string
	Source   string
	Err      error
	Reason   string
}

const LogSourceSystem = "system"

const (
	ReasonOperator     = "operator"
	ReasonPolicy       = "restart_policy"
	ReasonCooldown     = "fail_cooldown"
	ReasonSpawnFailure = "spawn_failure"
	ReasonEscalation   = "exit_timeout"
	ReasonStopped      = "stopped"
	ReasonMaxFailures  = "max_failures"
	ReasonScaleDown    = "scale_down"
	ReasonShutdown     = "shutdown"
	ReasonClosed       = "closed"
)

func sendEvent(events chan<- Event, evt Event) bool {
	if events == nil {
		return true
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	if evt.Source == "" {
		evt.Source = LogSourceSystem
	}
	select {
	case events <- evt:
		return true
	default:
		return false
	}
}
