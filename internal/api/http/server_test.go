package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Paintersrp/jobvisor/internal/api"
	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/control"
	"github.com/Paintersrp/jobvisor/internal/engine"
	"github.com/Paintersrp/jobvisor/internal/logging"
	"github.com/Paintersrp/jobvisor/internal/metrics"
)

type testController struct{ mockController }

func TestNewServerRejectsTypedNilController(t *testing.T) {
	var ctrl api.Controller = (*testController)(nil)
	_, err := NewServer(Config{Controller: ctrl})
	if err == nil {
		t.Fatalf("expected error when controller is typed nil")
	}
	if !strings.Contains(err.Error(), "testController") {
		t.Fatalf("expected error to describe typed nil controller, got %v", err)
	}
}

func TestNormalizeAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           defaultAddr,
		":80":        "127.0.0.1:80",
		"0.0.0.0:80": "0.0.0.0:80",
		"[::]:80":    "[::]:80",
		"host:9000":  "host:9000",
		"[::1]:443":  "[::1]:443",
	}

	for input, expected := range tests {
		t.Run(fmt.Sprintf("%s->%s", input, expected), func(t *testing.T) {
			t.Parallel()
			if got := normalizeAddr(input); got != expected {
				t.Fatalf("normalizeAddr(%q)=%q, want %q", input, got, expected)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	ctrl := &mockController{
		status: []engine.JobStatus{{
			Name:      "web",
			Spec:      &config.JobSpec{Name: "web", Cmd: "sleep 60", Replicas: 1},
			Instances: []engine.Snapshot{{ID: "a", Job: "web", Pid: 7, State: engine.StateStarted}},
		}},
	}
	history := api.NewHistory(5)
	history.Apply(engine.Event{Job: "web", Type: engine.EventTypeStarted})
	server := newTestServer(t, ctrl, history)

	rec := serve(server, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}

	var body api.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed decoding response: %v", err)
	}
	web, ok := body.Job("web")
	if !ok {
		t.Fatalf("expected web job in report, got %+v", body)
	}
	if web.Running != 1 || len(web.History) != 1 {
		t.Fatalf("unexpected web report %+v", web)
	}
}

func TestHandleStatusMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, &mockController{}, nil)

	rec := serve(server, http.MethodDelete, "/api/v1/status", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodGet) {
		t.Fatalf("expected Allow header to include %q, got %q", http.MethodGet, allow)
	}
}

func TestHandleJobActions(t *testing.T) {
	ctrl := &mockController{}
	server := newTestServer(t, ctrl, nil)

	for _, path := range []string{
		"/api/v1/jobs/web/start",
		"/api/v1/jobs/web/stop",
		"/api/v1/jobs/web/kill",
		"/api/v1/jobs/web/restart",
		"/api/v1/jobs/web/scale?count=3",
		"/api/v1/start",
		"/api/v1/restart",
		"/api/v1/reload",
		"/api/v1/save",
	} {
		rec := serve(server, http.MethodPost, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("POST %s: expected 200, got %d: %s", path, rec.Code, rec.Body.String())
		}
	}

	want := []string{
		"start:web", "stop:web", "kill:web", "restart:web", "scale:web:3",
		"start:", "restart:", "reload", "save",
	}
	if got := ctrl.recorded(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected calls:\n got %v\nwant %v", got, want)
	}
}

func TestHandleErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		path   string
		body   string
		status int
		code   string
	}{
		{name: "unknown job", err: fmt.Errorf("%w %q", engine.ErrUnknownJob, "ghost"), path: "/api/v1/jobs/ghost/start", status: http.StatusNotFound, code: "unknown_job"},
		{name: "unknown action", path: "/api/v1/jobs/web/explode", status: http.StatusNotFound, code: "unknown_action"},
		{name: "unknown global action", path: "/api/v1/status", status: http.StatusNotFound, code: "unknown_action"},
		{name: "bad count", path: "/api/v1/jobs/web/scale?count=many", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "invalid command", path: "/api/v1/command", body: "launch web", status: http.StatusBadRequest, code: "invalid_command"},
		{name: "invalid config", err: fmt.Errorf("%w: bad restart", config.ErrInvalidConfig), path: "/api/v1/reload", status: http.StatusBadRequest, code: "invalid_config"},
		{name: "no store", err: engine.ErrNoStore, path: "/api/v1/save", status: http.StatusConflict, code: "no_store"},
		{name: "internal", err: errors.New("boom"), path: "/api/v1/kill", status: http.StatusInternalServerError, code: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, &mockController{err: tt.err}, nil)
			rec := serve(server, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			var body errorBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if body.Code != tt.code {
				t.Fatalf("expected code %q, got %q", tt.code, body.Code)
			}
			details, ok := body.Details.(map[string]any)
			if !ok {
				t.Fatalf("expected map details, got %T", body.Details)
			}
			if _, ok := details["timestamp"]; !ok {
				t.Fatalf("expected timestamp key in details")
			}
		})
	}
}

func TestHandleCommandPlainAndJSON(t *testing.T) {
	ctrl := &mockController{}
	server := newTestServer(t, ctrl, nil)

	rec := serve(server, http.MethodPost, "/api/v1/command", "set web cmd sleep 5\n")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", strings.NewReader(`{"command":"scale web 2"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]control.Result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got := body["result"].Command; got != "scale web 2" {
		t.Fatalf("expected echoed command, got %q", got)
	}

	if got := ctrl.recorded(); strings.Join(got, ",") != "set:web:cmd=sleep 5,scale:web:2" {
		t.Fatalf("unexpected calls %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, &mockController{}, nil)

	job := "http_metrics"
	metrics.EmitBuildInfo()
	metrics.SetInstanceUp(job, 0, true)
	metrics.RecordStart(job)

	rec := serve(server, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics endpoint, got %d", rec.Code)
	}
	body := rec.Body.String()
	expected := fmt.Sprintf("jobvisor_instance_up{job=\"%s\",replica=\"0\"} 1", job)
	if !strings.Contains(body, expected) {
		t.Fatalf("expected body to contain %q, got:\n%s", expected, body)
	}
	if !strings.Contains(body, fmt.Sprintf("jobvisor_job_starts_total{job=\"%s\"} 1", job)) {
		t.Fatalf("expected starts counter for %q, got:\n%s", job, body)
	}
	if !strings.Contains(body, "jobvisor_build_info{") {
		t.Fatalf("expected metrics output to include build info, got:\n%s", body)
	}
}

func TestClientRoundTrip(t *testing.T) {
	ctrl := &mockController{
		status: []engine.JobStatus{{Name: "web", Spec: &config.JobSpec{Name: "web", Replicas: 2}}},
	}
	server := newTestServer(t, ctrl, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	client := NewClient(ts.URL, ts.Client())
	ctx := stdcontext.Background()

	report, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if web, ok := report.Job("web"); !ok || web.Replicas != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	resp, err := client.Command(ctx, "status")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status == nil || len(resp.Status.Jobs) != 1 {
		t.Fatalf("expected status report in command response, got %+v", resp)
	}

	_, err = client.Command(ctx, "bogus")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "invalid_command" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if apiErr.Error() != "'bogus' is not a valid command" {
		t.Fatalf("unexpected message %q", apiErr.Error())
	}
}

func TestNewClientNormalizesAddress(t *testing.T) {
	if got := NewClient(":7000", nil).baseURL; got != "http://127.0.0.1:7000" {
		t.Fatalf("unexpected base url %q", got)
	}
	if got := NewClient("http://example.test:80/", nil).baseURL; got != "http://example.test:80" {
		t.Fatalf("unexpected base url %q", got)
	}
}

type mockController struct {
	mu     sync.Mutex
	calls  []string
	err    error
	status []engine.JobStatus
}

func (m *mockController) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *mockController) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockController) StartJob(_ stdcontext.Context, name string) error {
	return m.record("start:" + name)
}

func (m *mockController) StopJob(_ stdcontext.Context, name string) error {
	return m.record("stop:" + name)
}

func (m *mockController) KillJob(_ stdcontext.Context, name string) error {
	return m.record("kill:" + name)
}

func (m *mockController) RestartJob(_ stdcontext.Context, name string) error {
	return m.record("restart:" + name)
}

func (m *mockController) ScaleJob(_ stdcontext.Context, name string, n int) error {
	return m.record(fmt.Sprintf("scale:%s:%d", name, n))
}

func (m *mockController) SetConfigVar(_ stdcontext.Context, name, key, value string) error {
	return m.record(fmt.Sprintf("set:%s:%s=%s", name, key, value))
}

func (m *mockController) Save(stdcontext.Context) error   { return m.record("save") }
func (m *mockController) Reload(stdcontext.Context) error { return m.record("reload") }

func (m *mockController) Status() []engine.JobStatus { return m.status }

func newTestServer(t *testing.T, ctrl api.Controller, history *api.History) *Server {
	t.Helper()
	server, err := NewServer(Config{Controller: ctrl, History: history, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("failed creating server: %v", err)
	}
	return server
}

func serve(server *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}
