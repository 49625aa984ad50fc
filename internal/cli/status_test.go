package cli

import (
	"errors"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/Paintersrp/jobvisor/internal/api"
	apihttp "github.com/Paintersrp/jobvisor/internal/api/http"
	"github.com/Paintersrp/jobvisor/internal/logging"
)

func newTestAPI(t *testing.T, ctrl *fakeController) string {
	t.Helper()
	server, err := apihttp.NewServer(apihttp.Config{
		Controller: ctrl,
		History:    api.NewHistory(10),
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestStatusFromJobsFile(t *testing.T) {
	t.Setenv("JOBVISOR_API", "")
	path := writeJobsFile(t, "- name: web\n  cmd: sleep 10\n  processes: 2\n- name: worker\n  cmd: sleep 5\n")

	stdout, _, err := executeRoot(t, "status", "-f", path)
	if err != nil {
		t.Fatalf("status returned error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got:\n%s", stdout)
	}
	if !strings.HasPrefix(lines[0], "JOB") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "web") || !strings.Contains(lines[1], "sleep 10") {
		t.Fatalf("unexpected web row %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "worker") {
		t.Fatalf("unexpected worker row %q", lines[2])
	}
}

func TestStatusFromRunningSupervisor(t *testing.T) {
	ctrl := &fakeController{jobs: sampleJobs()}
	addr := newTestAPI(t, ctrl)

	stdout, _, err := executeRoot(t, "status", "--api", addr)
	if err != nil {
		t.Fatalf("status returned error: %v", err)
	}
	if !strings.Contains(stdout, "web") || !strings.Contains(stdout, "1/1") || !strings.Contains(stdout, "idle") {
		t.Fatalf("unexpected status output:\n%s", stdout)
	}
}

func TestCtlSendsCommand(t *testing.T) {
	ctrl := &fakeController{jobs: sampleJobs()}
	addr := newTestAPI(t, ctrl)

	stdout, _, err := executeRoot(t, "ctl", "--api", addr, "set", "web", "cmd", "sleep 5")
	if err != nil {
		t.Fatalf("ctl returned error: %v", err)
	}
	if stdout != "ok\n" {
		t.Fatalf("unexpected output %q", stdout)
	}
	if got, want := ctrl.Calls(), []string{"set web cmd=sleep 5"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected calls: got %v want %v", got, want)
	}

	stdout, _, err = executeRoot(t, "ctl", "--api", addr, "status")
	if err != nil {
		t.Fatalf("ctl status returned error: %v", err)
	}
	if !strings.HasPrefix(stdout, "JOB") || !strings.Contains(stdout, "web") {
		t.Fatalf("expected status table, got:\n%s", stdout)
	}
}

func TestCtlReportsAPIErrors(t *testing.T) {
	addr := newTestAPI(t, &fakeController{})

	_, _, err := executeRoot(t, "ctl", "--api", addr, "launch", "web")
	if err == nil {
		t.Fatalf("expected error for invalid command")
	}
	var apiErr *apihttp.Error
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_command" {
		t.Fatalf("expected invalid_command API error, got %v", err)
	}
}
