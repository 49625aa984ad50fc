package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/runtime"
)

func testSpec(cmd string) *config.JobSpec {
	return &config.JobSpec{Name: "test", Cmd: cmd, ExitSignal: "TERM"}
}

func spawn(t *testing.T, spec *config.JobSpec, opts runtime.SpawnOptions) runtime.Process {
	t.Helper()
	proc, err := New().Spawn(context.Background(), spec, opts)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(func() {
		_ = proc.Signal(syscall.SIGKILL)
		_, _ = proc.Wait()
	})
	return proc
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(source, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, source+":"+line)
}

func (c *lineCollector) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		for _, line := range c.lines {
			if line == want {
				c.mu.Unlock()
				return
			}
		}
		got := append([]string(nil), c.lines...)
		c.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q, got %v", want, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWaitReportsExitCode(t *testing.T) {
	proc := spawn(t, testSpec("exit 3"), runtime.SpawnOptions{})
	status, err := proc.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != 3 {
		t.Fatalf("expected status 3, got %d", status)
	}
}

func TestSignalReportsShellStyleStatus(t *testing.T) {
	proc := spawn(t, testSpec("sleep 5"), runtime.SpawnOptions{})
	if !proc.Alive() {
		t.Fatalf("process should be alive after spawn")
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	status, err := proc.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != 128+int(syscall.SIGTERM) {
		t.Fatalf("expected status %d, got %d", 128+int(syscall.SIGTERM), status)
	}
	if proc.Alive() {
		t.Fatalf("reaped process should not be alive")
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signalling a gone process should be a no-op, got %v", err)
	}
}

func TestOutputIsForwardedPerStream(t *testing.T) {
	var collector lineCollector
	proc := spawn(t, testSpec("echo hello; echo oops 1>&2"), runtime.SpawnOptions{Output: collector.add})
	if _, err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	collector.waitFor(t, "stdout:hello")
	collector.waitFor(t, "stderr:oops")
}

func TestRedirectsRelativeToWorkingDir(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec("pwd; echo err 1>&2")
	spec.WorkingDir = dir
	spec.Stdout = "out.log"
	spec.Stderr = filepath.Join(dir, "err.log")

	proc := spawn(t, spec, runtime.SpawnOptions{})
	if _, err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	out, err := os.ReadFile(filepath.Join(dir, "out.log"))
	if err != nil {
		t.Fatalf("read stdout file: %v", err)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("resolve dir: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != resolved && got != dir {
		t.Fatalf("unexpected working directory %q, want %q", got, resolved)
	}
	errOut, err := os.ReadFile(spec.Stderr)
	if err != nil {
		t.Fatalf("read stderr file: %v", err)
	}
	if strings.TrimSpace(string(errOut)) != "err" {
		t.Fatalf("unexpected stderr content %q", errOut)
	}
}

func TestUmaskAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "vars.env")
	if err := os.WriteFile(envFile, []byte("FROM_FILE=file\nSHARED=file\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	spec := testSpec(`umask; echo "$FROM_FILE $SHARED $ONLY_SPEC"`)
	spec.Umask = "077"
	spec.EnvFile = envFile
	spec.Env = map[string]string{"SHARED": "spec", "ONLY_SPEC": "yes"}

	var collector lineCollector
	proc := spawn(t, spec, runtime.SpawnOptions{Output: collector.add})
	if _, err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	collector.waitFor(t, "stdout:0077")
	collector.waitFor(t, "stdout:file spec yes")
}

func TestSpawnFailsForMissingWorkingDir(t *testing.T) {
	spec := testSpec("true")
	spec.WorkingDir = filepath.Join(t.TempDir(), "missing")
	if _, err := New().Spawn(context.Background(), spec, runtime.SpawnOptions{}); err == nil {
		t.Fatalf("expected spawn error for missing working directory")
	}
}

func TestSpawnHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Spawn(ctx, testSpec("true"), runtime.SpawnOptions{}); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
