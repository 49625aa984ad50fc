package cliutil

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"

	"github.com/Paintersrp/jobvisor/internal/api"
	"github.com/Paintersrp/jobvisor/internal/config"
)

// WriteStatus renders report as a table with one row per instance. When
// history is positive the last history transitions of each job follow.
func WriteStatus(out io.Writer, report *api.StatusReport, history int) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tREPL\tSTATE\tPID\tFAILURES\tEXIT\tUPTIME\tCMD")
	for _, job := range report.Jobs {
		cmd := config.MaskCommand(job.Cmd)
		if len(job.Instances) == 0 {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t-\t%s\n", job.Name, cmd)
			continue
		}
		for _, inst := range job.Instances {
			fmt.Fprintf(w, "%s\t%d/%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
				job.Name,
				inst.Replica+1, job.Replicas,
				FormatState(inst),
				formatPid(inst.Pid),
				inst.Failures,
				formatExit(inst.ExitStatus),
				FormatUptime(inst.UptimeSeconds),
				cmd)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if history <= 0 {
		return nil
	}
	for _, job := range report.Jobs {
		entries := job.History
		if len(entries) > history {
			entries = entries[len(entries)-history:]
		}
		if len(entries) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s history:\n", job.Name)
		for _, entry := range entries {
			reason := entry.Reason
			if reason == "" {
				reason = "-"
			}
			fmt.Fprintf(out, "  %s  %d  %-10s  %-16s  %s\n",
				entry.Timestamp.Format(time.RFC3339),
				entry.Replica,
				entry.Type,
				reason,
				entry.Message)
		}
	}
	return nil
}

// FormatState renders the instance state, noting an armed restart.
func FormatState(inst api.InstanceReport) string {
	state := string(inst.State)
	if inst.PendingRestart {
		state += " (restarting)"
	}
	return state
}

// FormatUptime renders seconds as a human duration, or "-" for zero.
func FormatUptime(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return units.HumanDuration(time.Duration(seconds * float64(time.Second)))
}

func formatPid(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func formatExit(status *int) string {
	if status == nil {
		return "-"
	}
	return strconv.Itoa(*status)
}
