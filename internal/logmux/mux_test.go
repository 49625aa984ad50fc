package logmux

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Paintersrp/jobvisor/internal/engine"
)

func TestMuxFansInMultipleSources(t *testing.T) {
	mux := New(8)
	src1 := make(chan engine.Event)
	src2 := make(chan engine.Event)

	mux.Add(src1)
	mux.Add(src2)

	src1 <- engine.Event{Job: "api", Type: engine.EventTypeLog, Message: "api ready"}
	src1 <- engine.Event{Job: "api", Type: engine.EventTypeStarted, Message: "lifecycle events are skipped"}
	src1 <- engine.Event{Job: "api", Type: engine.EventTypeLog, Message: "api ok"}
	close(src1)
	src2 <- engine.Event{Job: "worker", Type: engine.EventTypeLog, Message: "worker ready", Source: "stderr"}
	close(src2)

	go mux.Close()

	var events []engine.Event
	for evt := range mux.Output() {
		events = append(events, evt)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	counts := map[string]int{}
	for _, evt := range events {
		counts[evt.Job]++
		if evt.Timestamp.IsZero() {
			t.Fatalf("expected normalized timestamp on %+v", evt)
		}
		if evt.Job == "worker" && evt.Level != "warn" {
			t.Fatalf("expected stderr line to default to warn, got %q", evt.Level)
		}
		if evt.Job == "api" && (evt.Source != "stdout" || evt.Level != "info") {
			t.Fatalf("expected stdout/info defaults, got %s/%s", evt.Source, evt.Level)
		}
	}
	if counts["api"] != 2 || counts["worker"] != 1 {
		t.Fatalf("unexpected per-job counts %v", counts)
	}
}

func TestMuxEmitsDropMetaEvents(t *testing.T) {
	mux := New(1)
	src := make(chan engine.Event)

	mux.Add(src)

	done := make(chan struct{})
	go func() {
		src <- engine.Event{Job: "api", Replica: 1, Type: engine.EventTypeLog, Message: "line-1", Level: "info"}
		src <- engine.Event{Job: "api", Replica: 1, Type: engine.EventTypeLog, Message: "line-2", Level: "info"}
		src <- engine.Event{Job: "api", Replica: 1, Type: engine.EventTypeLog, Message: "line-3", Level: "info"}
		close(src)
		close(done)
	}()

	<-done

	go mux.Close()

	var events []engine.Event
	for evt := range mux.Output() {
		events = append(events, evt)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events (1 log + 1 meta), got %d", len(events))
	}

	if events[0].Message != "line-1" {
		t.Fatalf("expected first event to be the original log, got %q", events[0].Message)
	}

	meta := events[1]
	if meta.Job != "api" || meta.Replica != 1 {
		t.Fatalf("meta event identity mismatch: got %s[%d]", meta.Job, meta.Replica)
	}
	if meta.Message != "dropped=2" {
		t.Fatalf("expected drop metadata, got %q", meta.Message)
	}
	if meta.Source != engine.LogSourceSystem {
		t.Fatalf("expected meta source to be %s, got %s", engine.LogSourceSystem, meta.Source)
	}
	if meta.Level != "warn" {
		t.Fatalf("expected meta level warn, got %s", meta.Level)
	}
	if time.Since(meta.Timestamp) > time.Second {
		t.Fatalf("expected recent timestamp, got %v", meta.Timestamp)
	}
}

func TestMuxCountsDropsPerReplica(t *testing.T) {
	var mu sync.Mutex
	hooked := map[int]int{}
	mux := New(2, WithDropHook(func(job string, replica int) {
		mu.Lock()
		defer mu.Unlock()
		hooked[replica]++
	}))
	src := make(chan engine.Event)
	mux.Add(src)

	send := func(replica int, msg string) {
		src <- engine.Event{Job: "web", Replica: replica, Type: engine.EventTypeLog, Message: msg}
	}
	send(0, "a0")
	send(1, "a1")
	send(0, "b0")
	send(0, "c0")
	send(1, "b1")

	first := <-mux.Output()
	second := <-mux.Output()
	if first.Message != "a0" || second.Message != "a1" {
		t.Fatalf("unexpected delivered lines %q, %q", first.Message, second.Message)
	}

	// With room again, replica 1 gets its own notice before its next line.
	send(1, "c1")
	close(src)
	go mux.Close()

	var rest []engine.Event
	for evt := range mux.Output() {
		rest = append(rest, evt)
	}

	var got []string
	for _, evt := range rest {
		got = append(got, fmt.Sprintf("%d:%s", evt.Replica, evt.Message))
	}
	want := []string{"1:dropped=1", "1:c1", "0:dropped=2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}

	mu.Lock()
	defer mu.Unlock()
	if hooked[0] != 2 || hooked[1] != 1 {
		t.Fatalf("unexpected drop hook counts %v", hooked)
	}
}

func TestMuxCloseGivesUpWithoutReader(t *testing.T) {
	mux := New(1, WithFlushTimeout(20*time.Millisecond))
	src := make(chan engine.Event)
	mux.Add(src)

	src <- engine.Event{Job: "web", Type: engine.EventTypeLog, Message: "kept"}
	src <- engine.Event{Job: "web", Type: engine.EventTypeLog, Message: "dropped"}
	close(src)

	closed := make(chan struct{})
	go func() {
		mux.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on an unread notice")
	}

	evt, ok := <-mux.Output()
	if !ok || evt.Message != "kept" {
		t.Fatalf("expected buffered line to survive, got %+v", evt)
	}
	if _, ok := <-mux.Output(); ok {
		t.Fatalf("expected output to be closed")
	}
}
