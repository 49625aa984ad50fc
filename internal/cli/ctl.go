package cli

import (
	stdcontext "context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	apihttp "github.com/Paintersrp/jobvisor/internal/api/http"
	"github.com/Paintersrp/jobvisor/internal/cliutil"
)

func newCtlCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl COMMAND [ARGS...]",
		Short: "Send a command to a running supervisor",
		Long: `Send one command to the control API of a running supervisor, e.g.

  jobvisor ctl restart web
  jobvisor ctl set web cmd "sleep 5"
  jobvisor ctl -- scale web 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = stdcontext.Background()
			}
			client := apihttp.NewClient(ctx.apiAddr, nil)
			resp, err := client.Command(runCtx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if resp.Status != nil {
				return cliutil.WriteStatus(out, resp.Status, 0)
			}
			fmt.Fprintln(out, resp.Result.Message)
			return nil
		},
	}
	return cmd
}
