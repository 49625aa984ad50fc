package runtime

import (
	"context"
	"syscall"

	"github.com/Paintersrp/jobvisor/internal/config"
)

const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
)

// SpawnOptions carries per-launch settings that are not part of the job
// specification.
type SpawnOptions struct {
	// Output receives each line the process writes to a stream that the
	// spec does not redirect to a file. When nil, unredirected output is
	// discarded.
	Output func(source, line string)
}

// Process is a handle to a single launched OS process.
type Process interface {
	// Pid returns the operating system process identifier.
	Pid() int

	// Wait blocks until the process exits and returns its status: the exit
	// code, or 128+N when terminated by signal N. A non-nil error means the
	// wait itself failed and the status is reported as 1.
	Wait() (int, error)

	// Signal delivers sig to the process group. Signalling a process that
	// is already gone is not an error.
	Signal(sig syscall.Signal) error

	// Alive reports whether the process still exists. Only a "no such
	// process" answer counts as dead.
	Alive() bool
}

// Runtime launches processes for job specifications.
type Runtime interface {
	// Spawn starts one process for spec. Working directory, umask,
	// environment and redirections are established before the command runs.
	Spawn(ctx context.Context, spec *config.JobSpec, opts SpawnOptions) (Process, error)
}
