package cli

import (
	stdcontext "context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/jobvisor/internal/api"
	apihttp "github.com/Paintersrp/jobvisor/internal/api/http"
	"github.com/Paintersrp/jobvisor/internal/cliutil"
	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/engine"
)

func newStatusCmd(ctx *context) *cobra.Command {
	var historyLimit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display job status",
		Long: `Display the status of every job. With --api the report comes from a
running supervisor; otherwise the jobs file is summarised.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = stdcontext.Background()
			}
			report, err := ctx.statusReport(runCtx)
			if err != nil {
				return err
			}
			return cliutil.WriteStatus(cmd.OutOrStdout(), report, historyLimit)
		},
	}
	cmd.Flags().IntVar(&historyLimit, "history", 0, "Number of recent transitions to show per job")
	return cmd
}

func (c *context) statusReport(ctx stdcontext.Context) (*api.StatusReport, error) {
	if c.apiAddr != "" {
		return apihttp.NewClient(c.apiAddr, nil).Status(ctx)
	}
	specs, err := config.Load(c.file)
	if err != nil {
		return nil, err
	}
	jobs := make([]engine.JobStatus, 0, len(specs))
	for _, spec := range specs {
		jobs = append(jobs, engine.JobStatus{Name: spec.Name, Spec: spec})
	}
	return api.NewStatusReport(jobs, nil, time.Now()), nil
}
