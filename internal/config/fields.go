package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const envFieldPrefix = "env."

type fieldSetter func(spec *JobSpec, value string) error

var fieldSetters = map[string]fieldSetter{
	"cmd": func(spec *JobSpec, value string) error {
		spec.Cmd = value
		return nil
	},
	"processes": func(spec *JobSpec, value string) error {
		return setInt(&spec.Replicas, value)
	},
	"autostart": func(spec *JobSpec, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", value)
		}
		spec.Autostart = b
		return nil
	},
	"restart": func(spec *JobSpec, value string) error {
		spec.Restart = RestartPolicy(strings.ToLower(value))
		return nil
	},
	"max_failures": func(spec *JobSpec, value string) error {
		return setInt(&spec.MaxFailures, value)
	},
	"fail_cooldown": func(spec *JobSpec, value string) error {
		return setDuration(&spec.FailCooldown, value)
	},
	"exit_signal": func(spec *JobSpec, value string) error {
		spec.ExitSignal = value
		return nil
	},
	"exit_timeout": func(spec *JobSpec, value string) error {
		return setDuration(&spec.ExitTimeout, value)
	},
	"start_minimum_time": func(spec *JobSpec, value string) error {
		return setDuration(&spec.StartMinimumTime, value)
	},
	"expected_status": func(spec *JobSpec, value string) error {
		fields := strings.FieldsFunc(value, func(r rune) bool {
			return r == ',' || r == ' ' || r == '[' || r == ']'
		})
		statuses := make([]int, 0, len(fields))
		for _, field := range fields {
			n, err := strconv.Atoi(field)
			if err != nil {
				return fmt.Errorf("invalid status %q", field)
			}
			statuses = append(statuses, n)
		}
		spec.ExpectedStatus = statuses
		return nil
	},
	"working_dir": func(spec *JobSpec, value string) error {
		spec.WorkingDir = value
		return nil
	},
	"umask": func(spec *JobSpec, value string) error {
		spec.Umask = Umask(value)
		return nil
	},
	"stdout": func(spec *JobSpec, value string) error {
		spec.Stdout = value
		return nil
	},
	"stderr": func(spec *JobSpec, value string) error {
		spec.Stderr = value
		return nil
	},
	"env_file": func(spec *JobSpec, value string) error {
		spec.EnvFile = value
		return nil
	},
}

// FieldNames lists the keys accepted by SetField in sorted order.
func FieldNames() []string {
	names := make([]string, 0, len(fieldSetters)+1)
	for name := range fieldSetters {
		names = append(names, name)
	}
	names = append(names, envFieldPrefix+"<NAME>")
	sort.Strings(names)
	return names
}

// SetField assigns a textual value to the field named by key. Keys use the
// jobs file spelling; "env.NAME" sets a single environment variable and an
// empty value removes it. The spec is modified in place, so callers sharing
// the spec must operate on a Clone. The result is not validated.
func (s *JobSpec) SetField(key, value string) error {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "name" {
		return fmt.Errorf("%w: %s: cannot be changed", ErrInvalidConfig, fieldPath(s.Name, key))
	}
	if envKey, ok := strings.CutPrefix(key, envFieldPrefix); ok {
		if envKey == "" {
			return fmt.Errorf("%w: %s: variable name is empty", ErrInvalidConfig, fieldPath(s.Name, "env"))
		}
		if value == "" {
			delete(s.Env, envKey)
			if len(s.Env) == 0 {
				s.Env = nil
			}
			return nil
		}
		if s.Env == nil {
			s.Env = make(map[string]string)
		}
		s.Env[envKey] = value
		return nil
	}
	setter, ok := fieldSetters[key]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownField, key)
	}
	if err := setter(s, value); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, fieldPath(s.Name, key), err)
	}
	return nil
}

// ApplyDefaults fills zero-valued fields that have a non-zero default. It is
// meant for specs built in code; records read from a jobs file already carry
// their defaults.
func (s *JobSpec) ApplyDefaults() {
	if s.Restart == "" {
		s.Restart = RestartUnexpected
	}
	if strings.TrimSpace(s.ExitSignal) == "" {
		s.ExitSignal = DefaultExitSignal
	}
	if s.ExpectedStatus == nil {
		s.ExpectedStatus = []int{0}
	}
	if s.ExitTimeout.Duration == 0 {
		s.ExitTimeout, _ = ParseDuration(defaultExitTimeout)
	}
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer %q", value)
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, value string) error {
	d, err := ParseDuration(value)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
