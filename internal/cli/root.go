package cli

import (
	stdcontext "context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/jobvisor/internal/logging"
	"github.com/Paintersrp/jobvisor/internal/runtime"
	"github.com/Paintersrp/jobvisor/internal/runtime/process"
)

const defaultJobsFile = "config.yml"

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := contextFromEnv()

	root := &cobra.Command{
		Use:   "jobvisor",
		Short: "Supervise long-running shell jobs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(ctx.logFormat) {
			case "", "text", "json":
				return nil
			default:
				return fmt.Errorf("unsupported log format %q (text, json)", ctx.logFormat)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&ctx.file, "file", "f", ctx.file, "Path to the jobs file")
	flags.StringVar(&ctx.apiAddr, "api", ctx.apiAddr, "Address of the HTTP control API")
	flags.BoolVarP(&ctx.verbose, "verbose", "v", ctx.verbose, "Enable debug logging")
	flags.BoolVar(&ctx.watch, "watch", ctx.watch, "Reload jobs when the jobs file changes")
	flags.BoolVar(&ctx.scaleAll, "scale-all", ctx.scaleAll, "Make scale resize every job instead of the named one")
	flags.StringVar(&ctx.logFormat, "log-format", ctx.logFormat, "Log output format (text, json)")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newServeCmd(ctx))
	root.AddCommand(newCtlCmd(ctx))
	root.AddCommand(newStatusCmd(ctx))
	root.AddCommand(newTuiCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// context carries settings shared by every command.
type context struct {
	file      string
	apiAddr   string
	verbose   bool
	watch     bool
	scaleAll  bool
	logFormat string

	runtime runtime.Runtime
}

func contextFromEnv() *context {
	ctx := &context{
		file:      defaultJobsFile,
		logFormat: "text",
	}
	if value := strings.TrimSpace(os.Getenv("JOBVISOR_FILE")); value != "" {
		ctx.file = value
	}
	ctx.apiAddr = strings.TrimSpace(os.Getenv("JOBVISOR_API"))
	ctx.verbose = envBool("JOBVISOR_VERBOSE")
	ctx.watch = envBool("JOBVISOR_WATCH")
	ctx.scaleAll = envBool("JOBVISOR_SCALE_ALL")
	if value := strings.TrimSpace(os.Getenv("JOBVISOR_LOG_FORMAT")); value != "" {
		ctx.logFormat = value
	}
	return ctx
}

func envBool(key string) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return false
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return enabled
}

func (c *context) newLogger(w io.Writer) (*slog.Logger, error) {
	return logging.New(w, logging.Options{Verbose: c.verbose, Format: c.logFormat})
}

func (c *context) processRuntime() runtime.Runtime {
	if c.runtime == nil {
		c.runtime = process.New()
	}
	return c.runtime
}

func (c *context) jsonLogs() bool {
	return strings.EqualFold(c.logFormat, "json")
}
