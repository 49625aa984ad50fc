package cli

import (
	"bufio"
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Paintersrp/jobvisor/internal/api"
	"github.com/Paintersrp/jobvisor/internal/cliutil"
	"github.com/Paintersrp/jobvisor/internal/control"
)

const replPrompt = "jobvisor> "

// lineReader yields one input line at a time. term.Terminal satisfies it.
type lineReader interface {
	ReadLine() (string, error)
}

type scannerReader struct {
	scanner *bufio.Scanner
}

func newScannerReader(r io.Reader) *scannerReader {
	return &scannerReader{scanner: bufio.NewScanner(r)}
}

func (r *scannerReader) ReadLine() (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// runREPL reads commands until EOF, "quit" or "exit" and executes each
// against ctrl. Command errors are printed and do not end the loop.
func runREPL(ctx stdcontext.Context, ctrl control.Controller, history *api.History, lines lineReader, out io.Writer) error {
	var previous control.History
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		raw, err := lines.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		line := strings.TrimSpace(previous.Resolve(trimmed))
		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		}
		if trimmed == control.RepeatToken {
			fmt.Fprintln(out, line)
		}

		cmd, err := control.Parse(line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		result, err := control.Execute(ctx, ctrl, cmd)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if _, isStatus := cmd.(control.Status); isStatus {
			report := api.NewStatusReport(result.Status, history, time.Now())
			if err := cliutil.WriteStatus(out, report, 0); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			continue
		}
		fmt.Fprintln(out, result.Message)
	}
}
