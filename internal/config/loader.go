package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// jobRecord is the on-disk shape of a job. Pointer fields distinguish an
// omitted key from an explicit zero so defaults only fill what is missing.
type jobRecord struct {
	Name             string            `yaml:"name"`
	Cmd              string            `yaml:"cmd"`
	Processes        *int              `yaml:"processes"`
	Autostart        *bool             `yaml:"autostart"`
	Restart          string            `yaml:"restart"`
	MaxFailures      *int              `yaml:"max_failures"`
	FailCooldown     *Duration         `yaml:"fail_cooldown"`
	ExitSignal       string            `yaml:"exit_signal"`
	ExitTimeout      *Duration         `yaml:"exit_timeout"`
	StartMinimumTime *Duration         `yaml:"start_minimum_time"`
	ExpectedStatus   []int             `yaml:"expected_status"`
	WorkingDir       string            `yaml:"working_dir"`
	Umask            Umask             `yaml:"umask"`
	Stdout           string            `yaml:"stdout"`
	Stderr           string            `yaml:"stderr"`
	Env              map[string]string `yaml:"env"`
	EnvFile          string            `yaml:"env_file"`
}

func (r *jobRecord) toSpec() *JobSpec {
	spec := &JobSpec{
		Name:           strings.TrimSpace(r.Name),
		Cmd:            r.Cmd,
		Replicas:       DefaultReplicas,
		Restart:        RestartPolicy(strings.ToLower(strings.TrimSpace(r.Restart))),
		MaxFailures:    DefaultMaxFailures,
		ExitSignal:     strings.TrimSpace(r.ExitSignal),
		ExpectedStatus: r.ExpectedStatus,
		WorkingDir:     r.WorkingDir,
		Umask:          r.Umask,
		Stdout:         r.Stdout,
		Stderr:         r.Stderr,
		Env:            r.Env,
		EnvFile:        r.EnvFile,
	}
	spec.FailCooldown, _ = ParseDuration(defaultFailCooldown)
	spec.ExitTimeout, _ = ParseDuration(defaultExitTimeout)
	if r.Processes != nil {
		spec.Replicas = *r.Processes
	}
	if r.Autostart != nil {
		spec.Autostart = *r.Autostart
	}
	if spec.Restart == "" {
		spec.Restart = RestartUnexpected
	}
	if r.MaxFailures != nil {
		spec.MaxFailures = *r.MaxFailures
	}
	if r.FailCooldown != nil {
		spec.FailCooldown = *r.FailCooldown
	}
	if spec.ExitSignal == "" {
		spec.ExitSignal = DefaultExitSignal
	}
	if r.ExitTimeout != nil {
		spec.ExitTimeout = *r.ExitTimeout
	}
	if r.StartMinimumTime != nil {
		spec.StartMinimumTime = *r.StartMinimumTime
	}
	if spec.ExpectedStatus == nil {
		spec.ExpectedStatus = []int{0}
	}
	if len(spec.Env) == 0 {
		spec.Env = nil
	}
	return spec
}

// Parse decodes a jobs document: a YAML sequence of job records. An empty
// document yields no jobs.
func Parse(r io.Reader) ([]*JobSpec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidConfig, err)
	}
	if generic == nil {
		return nil, nil
	}
	if err := validateAgainstSchema(generic); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var records []jobRecord
	if err := decoder.Decode(&records); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidConfig, err)
	}

	specs := make([]*JobSpec, 0, len(records))
	for i := range records {
		specs = append(specs, records[i].toSpec())
	}
	if err := ValidateAll(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// Load reads a jobs document from the provided path.
func Load(path string) ([]*JobSpec, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs path: %w", err)
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open jobs file: %w", err)
	}
	defer f.Close()

	specs, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return specs, nil
}

// Marshal renders specs as a jobs document.
func Marshal(specs []*JobSpec) ([]byte, error) {
	if specs == nil {
		specs = []*JobSpec{}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(specs); err != nil {
		return nil, fmt.Errorf("encode jobs: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode jobs: %w", err)
	}
	return buf.Bytes(), nil
}

// Store persists job specifications in a YAML file.
type Store struct {
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads every record from the backing file.
func (s *Store) Load() ([]*JobSpec, error) {
	return Load(s.path)
}

// Save replaces the backing file atomically with the provided records.
func (s *Store) Save(specs []*JobSpec) error {
	data, err := Marshal(specs)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write jobs file: %w", err)
	}
	return nil
}

// LoadEnvFile parses a dotenv style file. Values may be quoted; unquoted
// values stop at a '#' comment.
func LoadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if strings.HasPrefix(raw, "export ") {
			raw = strings.TrimSpace(raw[len("export "):])
		}
		sep := strings.IndexRune(raw, '=')
		if sep <= 0 {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		key := strings.TrimSpace(raw[:sep])
		if key == "" {
			return nil, fmt.Errorf("load env file %q: invalid key on line %d", path, lineNo)
		}
		value := strings.TrimSpace(raw[sep+1:])
		if strings.HasPrefix(value, "\"") {
			if len(value) < 2 || value[len(value)-1] != '"' {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			unquoted, err := strconv.Unquote(value)
			if err != nil {
				return nil, fmt.Errorf("load env file %q: parse value for %s on line %d: %w", path, key, lineNo, err)
			}
			value = unquoted
		} else if strings.HasPrefix(value, "'") {
			if len(value) < 2 || value[len(value)-1] != '\'' {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			value = value[1 : len(value)-1]
		} else if comment := strings.IndexRune(value, '#'); comment >= 0 {
			value = strings.TrimSpace(value[:comment])
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}
