package api

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/engine"
)

func TestNewStatusReport(t *testing.T) {
	now := time.Unix(1_000, 0)
	status := 3
	jobs := []engine.JobStatus{{
		Name: "web",
		Spec: &config.JobSpec{Name: "web", Cmd: "sleep 60", Replicas: 2, Autostart: true, Restart: config.RestartAlways},
		Instances: []engine.Snapshot{
			{ID: "a", Job: "web", Replica: 0, Pid: 10, State: engine.StateStarted, StartedAt: now.Add(-90 * time.Second)},
			{ID: "b", Job: "web", Replica: 1, State: engine.StateAbandoned, Failures: 3, ExitStatus: &status},
		},
	}}
	history := NewHistory(5)
	history.Apply(engine.Event{Job: "web", Type: engine.EventTypeStarted, Timestamp: now})

	report := NewStatusReport(jobs, history, now)
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generated_at %v, got %v", now, report.GeneratedAt)
	}
	web, ok := report.Job("web")
	if !ok {
		t.Fatalf("expected web job in report")
	}
	if web.Running != 1 || web.Replicas != 2 || web.Restart != "always" || !web.Autostart {
		t.Fatalf("unexpected job report %+v", web)
	}
	if got := web.Instances[0].UptimeSeconds; got != 90 {
		t.Fatalf("expected 90s uptime, got %v", got)
	}
	if got := web.Instances[1]; got.ExitStatus == nil || *got.ExitStatus != 3 || got.Failures != 3 {
		t.Fatalf("unexpected abandoned instance report %+v", got)
	}
	if len(web.History) != 1 || web.History[0].Type != engine.EventTypeStarted {
		t.Fatalf("expected one started transition, got %+v", web.History)
	}
	if _, ok := report.Job("missing"); ok {
		t.Fatalf("expected missing job lookup to fail")
	}
}

func TestNewStatusReportMasksSecrets(t *testing.T) {
	jobs := []engine.JobStatus{{
		Name: "web",
		Spec: &config.JobSpec{
			Name: "web",
			Cmd:  "API_KEY=abc123 ./serve --dsn postgres://app:pa55word@db",
			Env:  map[string]string{"DSN": "postgres://app:pa55word@db"},
		},
	}}
	history := NewHistory(5)
	history.Apply(engine.Event{Job: "web", Type: engine.EventTypeError, Err: errors.New("dial postgres://app:pa55word@db: refused")})

	web, _ := NewStatusReport(jobs, history, time.Now()).Job("web")
	if web.Cmd != "API_KEY=*** ./serve --dsn ***" {
		t.Fatalf("unexpected cmd %q", web.Cmd)
	}
	if len(web.History) != 1 || web.History[0].Message != "dial ***: refused" {
		t.Fatalf("expected masked history, got %+v", web.History)
	}
	if stored := history.Recent("web", 1); stored[0].Message == web.History[0].Message {
		t.Fatalf("stored history must keep the raw message")
	}
}

func TestHistoryRetainsNewestTransitions(t *testing.T) {
	history := NewHistory(3)
	for i := 0; i < 5; i++ {
		history.Apply(engine.Event{Job: "web", Replica: i, Type: engine.EventTypeExited, Message: fmt.Sprintf("exit %d", i)})
	}
	history.Apply(engine.Event{Job: "web", Type: engine.EventTypeLog, Message: "ignored"})
	history.Apply(engine.Event{Job: "web", Type: engine.EventTypeError, Err: errors.New("spawn failed")})

	recent := history.Recent("web", 0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 retained transitions, got %d", len(recent))
	}
	if recent[0].Message != "exit 3" || recent[2].Message != "spawn failed" {
		t.Fatalf("unexpected retained transitions %+v", recent)
	}
	if got := history.Recent("web", 1); len(got) != 1 || got[0].Type != engine.EventTypeError {
		t.Fatalf("expected newest transition only, got %+v", got)
	}
	if recent[0].Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be filled")
	}

	history.Forget("web")
	if got := history.Recent("web", 10); got != nil {
		t.Fatalf("expected forgotten job to have no history, got %+v", got)
	}
}
