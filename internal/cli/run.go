package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newRunCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise jobs with an interactive command prompt",
		Long: `Load the jobs file, start autostart jobs and read commands from stdin.
Type "help" for the command list. "!!" repeats the previous command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd, ctx)
		},
	}
	return cmd
}

func runInteractive(cmd *cobra.Command, ctx *context) error {
	runCtx := cmd.Context()
	if runCtx == nil {
		runCtx = stdcontext.Background()
	}

	out := cmd.OutOrStdout()
	var lines lineReader = newScannerReader(cmd.InOrStdin())
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(fd, state)

		terminal := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{f, out}, replPrompt)
		lines = terminal
		out = terminal
	}

	sess, err := ctx.openSession(runCtx, out)
	if err != nil {
		return err
	}
	logsDone := sess.printLogs(out, ctx.jsonLogs())

	stopServices, err := ctx.startServices(runCtx, sess, out, ctx.apiAddr != "")
	if err != nil {
		closeErr := sess.Close()
		<-logsDone
		return errors.Join(err, closeErr)
	}

	replErr := make(chan error, 1)
	go func() {
		replErr <- runREPL(runCtx, sess.sup, sess.history, lines, out)
	}()

	var runErr error
	select {
	case runErr = <-replErr:
	case <-runCtx.Done():
	}

	stopErr := stopServices()
	closeErr := sess.Close()
	<-logsDone
	return errors.Join(runErr, stopErr, closeErr)
}

// startServices starts the control API when enabled and the jobs file
// watcher when requested. The returned function stops both.
func (c *context) startServices(ctx stdcontext.Context, sess *session, out io.Writer, enableAPI bool) (func() error, error) {
	var stops []func() error
	stopAll := func() error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			errs = append(errs, stops[i]())
		}
		return errors.Join(errs...)
	}

	if enableAPI {
		stop, err := sess.startAPI(ctx, c.apiAddr, out)
		if err != nil {
			return nil, errors.Join(err, stopAll())
		}
		stops = append(stops, stop)
	}

	if c.watch {
		stop, err := watchJobsFile(ctx, c.file, sess.logger, sess.sup.Reload)
		if err != nil {
			return nil, errors.Join(err, stopAll())
		}
		stops = append(stops, stop)
	}

	return stopAll, nil
}
