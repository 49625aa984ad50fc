package cli

import (
	stdcontext "context"
	"errors"

	"github.com/spf13/cobra"
)

func newServeCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise jobs headless with the HTTP control API enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = stdcontext.Background()
			}
			out := cmd.OutOrStdout()

			sess, err := ctx.openSession(runCtx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			logsDone := sess.printLogs(out, ctx.jsonLogs())

			stopServices, err := ctx.startServices(runCtx, sess, out, true)
			if err != nil {
				closeErr := sess.Close()
				<-logsDone
				return errors.Join(err, closeErr)
			}

			<-runCtx.Done()

			stopErr := stopServices()
			closeErr := sess.Close()
			<-logsDone
			return errors.Join(stopErr, closeErr)
		},
	}
	return cmd
}
