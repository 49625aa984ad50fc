package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig marks every configuration failure: malformed files,
	// schema violations and invalid field values.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnknownField is returned when a field name does not exist on a job.
	ErrUnknownField = errors.New("unknown field")
)

// Duration wraps time.Duration for YAML unmarshalling. Values may be Go
// duration strings ("1.5s") or bare numbers interpreted as seconds.
type Duration struct {
	time.Duration
}

// Seconds builds a Duration from a fractional number of seconds.
func Seconds(s float64) Duration {
	return Duration{Duration: time.Duration(s * float64(time.Second))}
}

// ParseDuration parses a duration string or a number of seconds.
func ParseDuration(text string) (Duration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Duration{}, nil
	}
	if dur, err := time.ParseDuration(text); err == nil {
		if dur < 0 {
			return Duration{}, fmt.Errorf("duration %q must be non-negative", text)
		}
		return Duration{Duration: dur}, nil
	}
	secs, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Duration{}, fmt.Errorf("invalid duration %q", text)
	}
	if secs < 0 {
		return Duration{}, fmt.Errorf("duration %q must be non-negative", text)
	}
	return Seconds(secs), nil
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML accepts both string and numeric scalars.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if err := d.UnmarshalText([]byte(node.Value)); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

// MarshalYAML renders the duration as a Go duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Umask is an octal file-creation mask such as "022". The empty value means
// the child inherits the supervisor's umask.
type Umask string

// UnmarshalYAML keeps the literal scalar so "077" is not read as decimal.
func (u *Umask) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: umask must be a scalar", node.Line)
	}
	*u = Umask(strings.TrimSpace(node.Value))
	return nil
}

// Value parses the mask. ok is false when no umask is configured.
func (u Umask) Value() (mask uint32, ok bool, err error) {
	raw := strings.TrimSpace(string(u))
	if raw == "" {
		return 0, false, nil
	}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0o"), "0O")
	v, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0, false, fmt.Errorf("invalid umask %q: must be octal", string(u))
	}
	if v > 0o777 {
		return 0, false, fmt.Errorf("invalid umask %q: exceeds 0777", string(u))
	}
	return uint32(v), true, nil
}

// RestartPolicy selects when an exited process is started again.
type RestartPolicy string

const (
	RestartNever      RestartPolicy = "never"
	RestartAlways     RestartPolicy = "always"
	RestartOnSuccess  RestartPolicy = "on_success"
	RestartUnexpected RestartPolicy = "unexpected"
)

// Valid reports whether the policy is one of the known values.
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNever, RestartAlways, RestartOnSuccess, RestartUnexpected:
		return true
	}
	return false
}

// UsesExpectedStatus reports whether the policy depends on exit classification.
func (p RestartPolicy) UsesExpectedStatus() bool {
	return p == RestartOnSuccess || p == RestartUnexpected
}

// JobSpec describes the desired execution of one job. A JobSpec is treated as
// an immutable value once shared: changes are made on a Clone and swapped in.
type JobSpec struct {
	Name             string            `yaml:"name" json:"name"`
	Cmd              string            `yaml:"cmd" json:"cmd"`
	Replicas         int               `yaml:"processes" json:"processes"`
	Autostart        bool              `yaml:"autostart" json:"autostart"`
	Restart          RestartPolicy     `yaml:"restart" json:"restart"`
	MaxFailures      int               `yaml:"max_failures" json:"max_failures"`
	FailCooldown     Duration          `yaml:"fail_cooldown" json:"fail_cooldown"`
	ExitSignal       string            `yaml:"exit_signal" json:"exit_signal"`
	ExitTimeout      Duration          `yaml:"exit_timeout" json:"exit_timeout"`
	StartMinimumTime Duration          `yaml:"start_minimum_time" json:"start_minimum_time"`
	ExpectedStatus   []int             `yaml:"expected_status,flow" json:"expected_status"`
	WorkingDir       string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Umask            Umask             `yaml:"umask,omitempty" json:"umask,omitempty"`
	Stdout           string            `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr           string            `yaml:"stderr,omitempty" json:"stderr,omitempty"`
	Env              map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	EnvFile          string            `yaml:"env_file,omitempty" json:"env_file,omitempty"`
}

// Clone creates a deep copy of the job specification.
func (s *JobSpec) Clone() *JobSpec {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ExpectedStatus != nil {
		cp.ExpectedStatus = slices.Clone(s.ExpectedStatus)
	}
	if s.Env != nil {
		cp.Env = maps.Clone(s.Env)
	}
	return &cp
}

// Equal compares two specifications field by field. Nil and empty
// collections are considered equal.
func (s *JobSpec) Equal(other *JobSpec) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Name == other.Name &&
		s.Cmd == other.Cmd &&
		s.Replicas == other.Replicas &&
		s.Autostart == other.Autostart &&
		s.Restart == other.Restart &&
		s.MaxFailures == other.MaxFailures &&
		s.FailCooldown.Duration == other.FailCooldown.Duration &&
		s.ExitSignal == other.ExitSignal &&
		s.ExitTimeout.Duration == other.ExitTimeout.Duration &&
		s.StartMinimumTime.Duration == other.StartMinimumTime.Duration &&
		slices.Equal(s.ExpectedStatus, other.ExpectedStatus) &&
		s.WorkingDir == other.WorkingDir &&
		s.Umask == other.Umask &&
		s.Stdout == other.Stdout &&
		s.Stderr == other.Stderr &&
		maps.Equal(s.Env, other.Env) &&
		s.EnvFile == other.EnvFile
}

// IsExpectedStatus reports whether status is listed in expected_status.
func (s *JobSpec) IsExpectedStatus(status int) bool {
	return slices.Contains(s.ExpectedStatus, status)
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func jobField(index int, name string, parts ...string) string {
	head := fmt.Sprintf("jobs[%d]", index)
	if name != "" {
		head = fmt.Sprintf("jobs[%d](%s)", index, name)
	}
	return fieldPath(append([]string{head}, parts...)...)
}
