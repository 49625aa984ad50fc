// Package control parses and executes operator commands. The interactive
// shell, the HTTP API and jobvisor ctl share the same command set.
package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCommand matches every parse failure.
var ErrInvalidCommand = errors.New("invalid command")

// InvalidCommandError reports a line that does not parse.
type InvalidCommandError struct {
	Line   string
	Reason string
}

func (e *InvalidCommandError) Error() string {
	msg := fmt.Sprintf("'%s' is not a valid command", e.Line)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *InvalidCommandError) Is(target error) bool {
	return target == ErrInvalidCommand
}

// Command is one of the command types declared in this package.
type Command interface {
	fmt.Stringer
	command()
}

// Start starts Job, or every job when Job is empty.
type Start struct{ Job string }

// Stop soft-stops Job, or every job when Job is empty.
type Stop struct{ Job string }

// Kill force-stops Job, or every job when Job is empty.
type Kill struct{ Job string }

// Restart restarts Job, or every job when Job is empty.
type Restart struct{ Job string }

// Scale resizes Job to Count instances. A zero count is a no-op.
type Scale struct {
	Job   string
	Count int
}

// Set assigns Value to the Key field of Job.
type Set struct {
	Job   string
	Key   string
	Value string
}

// Save writes the running configuration to the jobs file.
type Save struct{}

// Reload re-reads the jobs file.
type Reload struct{}

// Status reports every job.
type Status struct{}

// Help lists the available commands.
type Help struct{}

func (Start) command()   {}
func (Stop) command()    {}
func (Kill) command()    {}
func (Restart) command() {}
func (Scale) command()   {}
func (Set) command()     {}
func (Save) command()    {}
func (Reload) command()  {}
func (Status) command()  {}
func (Help) command()    {}

func withJob(verb, job string) string {
	if job == "" {
		return verb
	}
	return verb + " " + job
}

func (c Start) String() string   { return withJob("start", c.Job) }
func (c Stop) String() string    { return withJob("stop", c.Job) }
func (c Kill) String() string    { return withJob("kill", c.Job) }
func (c Restart) String() string { return withJob("restart", c.Job) }
func (c Scale) String() string   { return fmt.Sprintf("scale %s %d", c.Job, c.Count) }
func (c Set) String() string {
	return strings.TrimSpace(fmt.Sprintf("set %s %s %s", c.Job, c.Key, c.Value))
}
func (Save) String() string   { return "save" }
func (Reload) String() string { return "reload" }
func (Status) String() string { return "status" }
func (Help) String() string   { return "help" }

// HelpText describes the command set.
const HelpText = `start [name]                 start a job, or every job
stop [name]                  stop gracefully with the exit signal
kill [name]                  kill immediately
restart [name]               stop then start again
scale <name> <count>         change the number of processes
set <name> <key> <value>     change one field of a job
save                         write the running configuration
reload                       re-read the configuration file
status                       show every job
help                         show this help
!!                           repeat the previous command`

// Parse converts a command line into a Command. A scale count is read from
// its leading digits, so "3x" is 3 and a count without digits is zero.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil, &InvalidCommandError{Line: line}
	}
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch args[0] {
	case "start":
		return Start{Job: arg(1)}, nil
	case "stop":
		return Stop{Job: arg(1)}, nil
	case "kill":
		return Kill{Job: arg(1)}, nil
	case "restart":
		return Restart{Job: arg(1)}, nil
	case "scale":
		return Scale{Job: arg(1), Count: leadingInt(arg(2))}, nil
	case "set":
		if len(args) < 3 {
			return nil, &InvalidCommandError{Line: line, Reason: "usage: set <name> <key> <value>"}
		}
		return Set{Job: args[1], Key: args[2], Value: strings.Join(args[3:], " ")}, nil
	case "save":
		return Save{}, nil
	case "reload":
		return Reload{}, nil
	case "status":
		return Status{}, nil
	case "help", "?":
		return Help{}, nil
	default:
		return nil, &InvalidCommandError{Line: line}
	}
}

// leadingInt parses an optional sign and the digits that follow it,
// ignoring the rest of s.
func leadingInt(s string) int {
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

// RepeatToken re-runs the previous line.
const RepeatToken = "!!"

// History remembers the last line for RepeatToken.
type History struct {
	last string
}

// Resolve replaces RepeatToken with the previous line and records line as
// the new previous line otherwise.
func (h *History) Resolve(line string) string {
	if strings.TrimSpace(line) == RepeatToken {
		return h.last
	}
	h.last = line
	return line
}
