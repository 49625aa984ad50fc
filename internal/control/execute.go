package control

import (
	"context"
	"fmt"

	"github.com/Paintersrp/jobvisor/internal/engine"
)

// Controller is the supervisor surface commands operate on.
type Controller interface {
	StartJob(ctx context.Context, name string) error
	StopJob(ctx context.Context, name string) error
	KillJob(ctx context.Context, name string) error
	RestartJob(ctx context.Context, name string) error
	ScaleJob(ctx context.Context, name string, n int) error
	SetConfigVar(ctx context.Context, name, key, value string) error
	Save(ctx context.Context) error
	Reload(ctx context.Context) error
	Status() []engine.JobStatus
}

// Result is the outcome of a successful command.
type Result struct {
	Command string             `json:"command"`
	Message string             `json:"message,omitempty"`
	Status  []engine.JobStatus `json:"status,omitempty"`
}

// Execute runs cmd against c.
func Execute(ctx context.Context, c Controller, cmd Command) (Result, error) {
	res := Result{Command: cmd.String()}
	var err error
	switch cmd := cmd.(type) {
	case Start:
		err = c.StartJob(ctx, cmd.Job)
	case Stop:
		err = c.StopJob(ctx, cmd.Job)
	case Kill:
		err = c.KillJob(ctx, cmd.Job)
	case Restart:
		err = c.RestartJob(ctx, cmd.Job)
	case Scale:
		err = c.ScaleJob(ctx, cmd.Job, cmd.Count)
	case Set:
		err = c.SetConfigVar(ctx, cmd.Job, cmd.Key, cmd.Value)
	case Save:
		err = c.Save(ctx)
	case Reload:
		err = c.Reload(ctx)
	case Status:
		res.Status = c.Status()
	case Help:
		res.Message = HelpText
	default:
		return res, fmt.Errorf("%w: unsupported command %T", ErrInvalidCommand, cmd)
	}
	if err != nil {
		return res, err
	}
	if res.Message == "" && res.Status == nil {
		res.Message = "ok"
	}
	return res, nil
}

// Run parses and executes a single line.
func Run(ctx context.Context, c Controller, line string) (Result, error) {
	cmd, err := Parse(line)
	if err != nil {
		return Result{}, err
	}
	return Execute(ctx, c, cmd)
}
