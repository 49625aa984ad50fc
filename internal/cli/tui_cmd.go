package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/jobvisor/internal/engine"
	"github.com/Paintersrp/jobvisor/internal/tui"
)

func newTuiCmd(ctx *context) *cobra.Command {
	var maxLogs int
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Supervise jobs from an interactive dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !supportsInteractiveOutput(cmd) {
				return fmt.Errorf("tui requires an interactive terminal")
			}
			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = stdcontext.Background()
			}

			// The dashboard owns the screen; lifecycle messages reach it as events.
			sess, err := ctx.openSession(runCtx, io.Discard)
			if err != nil {
				return err
			}
			sess.discardLogs()

			stopServices, err := ctx.startServices(runCtx, sess, io.Discard, ctx.apiAddr != "")
			if err != nil {
				return errors.Join(err, sess.Close())
			}

			ui := tui.New(sess.sup, tui.WithMaxLogs(maxLogs))
			events, release, _ := sess.stream.Subscribe(eventBuffer)
			go forwardEvents(events, ui.EventSink(), ui.Done())

			runErr := ui.Run(runCtx)
			release()

			stopErr := stopServices()
			closeErr := sess.Close()
			return errors.Join(runErr, stopErr, closeErr)
		},
	}
	cmd.Flags().IntVar(&maxLogs, "max-logs", 500, "Log lines retained per job")
	return cmd
}

// forwardEvents copies events to sink without blocking until events closes
// or done fires.
func forwardEvents(events <-chan engine.Event, sink chan<- engine.Event, done <-chan struct{}) {
	for evt := range events {
		select {
		case <-done:
			return
		default:
		}
		select {
		case sink <- evt:
		case <-done:
			return
		default:
		}
	}
}

func supportsInteractiveOutput(cmd *cobra.Command) bool {
	in, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(in.Fd())) {
		return false
	}
	out, ok := cmd.OutOrStdout().(*os.File)
	return ok && term.IsTerminal(int(out.Fd()))
}
