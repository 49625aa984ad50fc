package config

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	DefaultReplicas     = 1
	DefaultMaxFailures  = 3
	DefaultExitSignal   = "TERM"
	defaultFailCooldown = "1s"
	defaultExitTimeout  = "1s"
)

// ParseSignal resolves a signal name such as "TERM", "SIGTERM" or "usr1".
// Numeric values are accepted as well.
func ParseSignal(name string) (syscall.Signal, error) {
	raw := strings.ToUpper(strings.TrimSpace(name))
	if raw == "" {
		return 0, fmt.Errorf("signal name is empty")
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 || unix.SignalName(syscall.Signal(n)) == "" {
			return 0, fmt.Errorf("unknown signal %d", n)
		}
		return syscall.Signal(n), nil
	}
	if !strings.HasPrefix(raw, "SIG") {
		raw = "SIG" + raw
	}
	sig := unix.SignalNum(raw)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// Signal returns the parsed exit signal, falling back to SIGTERM when the
// configured name cannot be resolved.
func (s *JobSpec) Signal() syscall.Signal {
	sig, err := ParseSignal(s.ExitSignal)
	if err != nil {
		return syscall.SIGTERM
	}
	return sig
}

// Validate enforces the invariants of a single job specification.
func (s *JobSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%s: is required", fieldPath("name"))
	}
	if strings.ContainsAny(s.Name, " \t\n/") {
		return fmt.Errorf("%s: %q must not contain whitespace or '/'", fieldPath(s.Name, "name"), s.Name)
	}
	if strings.TrimSpace(s.Cmd) == "" {
		return fmt.Errorf("%s: is required", fieldPath(s.Name, "cmd"))
	}
	if s.Replicas < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath(s.Name, "processes"))
	}
	if s.MaxFailures < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath(s.Name, "max_failures"))
	}
	if !s.Restart.Valid() {
		return fmt.Errorf("%s: unsupported policy %q (never, always, on_success, unexpected)", fieldPath(s.Name, "restart"), s.Restart)
	}
	if s.Restart.UsesExpectedStatus() && len(s.ExpectedStatus) == 0 {
		return fmt.Errorf("%s: must not be empty when restart is %s", fieldPath(s.Name, "expected_status"), s.Restart)
	}
	for _, status := range s.ExpectedStatus {
		if status < 0 || status > 255 {
			return fmt.Errorf("%s: status %d out of range 0-255", fieldPath(s.Name, "expected_status"), status)
		}
	}
	for name, d := range map[string]Duration{
		"fail_cooldown":      s.FailCooldown,
		"exit_timeout":       s.ExitTimeout,
		"start_minimum_time": s.StartMinimumTime,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", fieldPath(s.Name, name))
		}
	}
	if _, err := ParseSignal(s.ExitSignal); err != nil {
		return fmt.Errorf("%s: %w", fieldPath(s.Name, "exit_signal"), err)
	}
	if _, _, err := s.Umask.Value(); err != nil {
		return fmt.Errorf("%s: %w", fieldPath(s.Name, "umask"), err)
	}
	for key := range s.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return fmt.Errorf("%s: invalid variable name %q", fieldPath(s.Name, "env"), key)
		}
	}
	return nil
}

// ValidateAll validates every spec and rejects duplicate names.
func ValidateAll(specs []*JobSpec) error {
	seen := make(map[string]int, len(specs))
	for i, spec := range specs {
		if spec == nil {
			return fmt.Errorf("%w: %s: record is null", ErrInvalidConfig, jobField(i, ""))
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, jobField(i, spec.Name), err)
		}
		if prev, dup := seen[spec.Name]; dup {
			return fmt.Errorf("%w: %s: duplicates the name of %s", ErrInvalidConfig, jobField(i, spec.Name), jobField(prev, spec.Name))
		}
		seen[spec.Name] = i
	}
	return nil
}
