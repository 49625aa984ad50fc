package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/runtime"
)

// Shell is the interpreter used to run job commands.
const Shell = "/bin/sh"

type runtimeImpl struct{}

// New constructs a runtime that executes jobs as local processes.
func New() runtime.Runtime {
	return &runtimeImpl{}
}

func (r *runtimeImpl) Spawn(ctx context.Context, spec *config.JobSpec, opts runtime.SpawnOptions) (runtime.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	script, err := buildScript(spec)
	if err != nil {
		return nil, err
	}
	env, err := buildEnv(spec)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(Shell, "-c", script)
	cmd.Dir = spec.WorkingDir
	cmd.Env = env
	configureCmdSysProcAttr(cmd)

	var (
		closeAfterStart []io.Closer
		closeOnError    []io.Closer
		readers         []outputReader
	)
	fail := func(err error) (runtime.Process, error) {
		for _, c := range append(closeAfterStart, closeOnError...) {
			_ = c.Close()
		}
		return nil, err
	}

	streams := []struct {
		source string
		path   string
		dst    *io.Writer
	}{
		{runtime.LogSourceStdout, spec.Stdout, &cmd.Stdout},
		{runtime.LogSourceStderr, spec.Stderr, &cmd.Stderr},
	}
	for _, stream := range streams {
		switch {
		case stream.path != "":
			f, err := openRedirect(spec.WorkingDir, stream.path)
			if err != nil {
				return fail(fmt.Errorf("job %s %s: %w", spec.Name, stream.source, err))
			}
			*stream.dst = f
			closeAfterStart = append(closeAfterStart, f)
		case opts.Output != nil:
			pr, pw, err := os.Pipe()
			if err != nil {
				return fail(fmt.Errorf("job %s %s pipe: %w", spec.Name, stream.source, err))
			}
			*stream.dst = pw
			closeAfterStart = append(closeAfterStart, pw)
			closeOnError = append(closeOnError, pr)
			readers = append(readers, outputReader{source: stream.source, r: pr})
		}
	}

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start job %s: %w", spec.Name, err))
	}
	for _, c := range closeAfterStart {
		_ = c.Close()
	}

	handle := &processHandle{
		cmd: cmd,
		pid: cmd.Process.Pid,
	}
	for _, rd := range readers {
		go streamLogs(rd, opts.Output)
	}
	return handle, nil
}

type outputReader struct {
	source string
	r      *os.File
}

type processHandle struct {
	cmd *exec.Cmd
	pid int

	waitOnce   sync.Once
	waitStatus int
	waitErr    error
}

func (p *processHandle) Pid() int {
	return p.pid
}

func (p *processHandle) Wait() (int, error) {
	p.waitOnce.Do(func() {
		p.waitStatus, p.waitErr = exitStatus(p.cmd.Wait())
	})
	return p.waitStatus, p.waitErr
}

// streamLogs forwards lines until every writer, including any grandchild
// that inherited the descriptor, has closed the pipe.
func streamLogs(rd outputReader, output func(source, line string)) {
	defer rd.r.Close()
	scanner := bufio.NewScanner(rd.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		output(rd.source, strings.TrimRight(scanner.Text(), "\r"))
	}
}

// buildScript prefixes the command with a umask statement when one is
// configured. The shell applies it before running the job command.
func buildScript(spec *config.JobSpec) (string, error) {
	mask, ok, err := spec.Umask.Value()
	if err != nil {
		return "", fmt.Errorf("job %s: %w", spec.Name, err)
	}
	if !ok {
		return spec.Cmd, nil
	}
	return fmt.Sprintf("umask %04o\n%s", mask, spec.Cmd), nil
}

// buildEnv layers env_file values and then explicit env entries over the
// supervisor's environment.
func buildEnv(spec *config.JobSpec) ([]string, error) {
	env := os.Environ()
	if spec.EnvFile != "" {
		path := spec.EnvFile
		if !filepath.IsAbs(path) && spec.WorkingDir != "" {
			path = filepath.Join(spec.WorkingDir, path)
		}
		values, err := config.LoadEnvFile(path)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", spec.Name, err)
		}
		env = appendSorted(env, values)
	}
	return appendSorted(env, spec.Env), nil
}

func appendSorted(env []string, values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+values[k])
	}
	return env
}

func openRedirect(workingDir, path string) (*os.File, error) {
	if !filepath.IsAbs(path) && workingDir != "" {
		path = filepath.Join(workingDir, path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
