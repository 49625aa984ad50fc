package cli

import (
	"bytes"
	stdcontext "context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/engine"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	jobs  []engine.JobStatus
	err   error
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) StartJob(_ stdcontext.Context, name string) error {
	return f.record("start " + name)
}

func (f *fakeController) StopJob(_ stdcontext.Context, name string) error {
	return f.record("stop " + name)
}

func (f *fakeController) KillJob(_ stdcontext.Context, name string) error {
	return f.record("kill " + name)
}

func (f *fakeController) RestartJob(_ stdcontext.Context, name string) error {
	return f.record("restart " + name)
}

func (f *fakeController) ScaleJob(_ stdcontext.Context, name string, n int) error {
	return f.record("scale " + name)
}

func (f *fakeController) SetConfigVar(_ stdcontext.Context, name, key, value string) error {
	return f.record("set " + name + " " + key + "=" + value)
}

func (f *fakeController) Save(stdcontext.Context) error   { return f.record("save") }
func (f *fakeController) Reload(stdcontext.Context) error { return f.record("reload") }

func (f *fakeController) Status() []engine.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs
}

func sampleJobs() []engine.JobStatus {
	return []engine.JobStatus{{
		Name: "web",
		Spec: &config.JobSpec{Name: "web", Cmd: "sleep 30", Replicas: 1},
		Instances: []engine.Snapshot{
			{ID: "web-0", Job: "web", State: engine.StateIdle},
		},
	}}
}

func writeJobsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}
	return path
}

func executeRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root, _ := newRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(stdcontext.Background())
	return stdout.String(), stderr.String(), err
}
