package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stackur/pkg/compiler"
	"github.com/openfroyo/stackur/pkg/telemetry"
)

// DefaultManifestFile is the manifest looked up when no path is given.
const DefaultManifestFile = "stackur.yaml"

var stackNamePattern = regexp.MustCompile(`^[A-Za-z][-A-Za-z0-9]{0,127}$`)

// Manifest is a stack declared in YAML.
type Manifest struct {
	// Stack is the CloudFormation stack name.
	Stack string `yaml:"stack" validate:"required,stackname"`

	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	CredentialsFile string `yaml:"credentials_file"`

	// Interactive asks for confirmation before change sets are executed.
	Interactive bool `yaml:"interactive"`

	PollInterval  time.Duration `yaml:"poll_interval" validate:"gte=0"`
	ApplyTimeout  time.Duration `yaml:"apply_timeout" validate:"gte=0"`
	ScriptTimeout time.Duration `yaml:"script_timeout" validate:"gte=0"`

	Capabilities []string          `yaml:"capabilities" validate:"dive,oneof=CAPABILITY_IAM CAPABILITY_NAMED_IAM CAPABILITY_AUTO_EXPAND"`
	Tags         map[string]string `yaml:"tags"`

	Journal  JournalConfig `yaml:"journal"`
	Policies []string      `yaml:"policies"`

	Logging telemetry.LoggingConfig `yaml:"logging"`
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`

	Stages []Stage `yaml:"stages" validate:"dive"`

	// Dir is the directory of the manifest file. Relative paths in the
	// manifest are resolved against it.
	Dir string `yaml:"-"`

	resolved bool
}

// JournalConfig configures the SQLite run journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// Retention prunes runs older than this after every commit. Zero keeps everything.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// Stage is one staged unit: exactly one of Resource and Task is set.
type Stage struct {
	Resource *compiler.Declaration `yaml:"resource"`
	Task     *TaskStage            `yaml:"task"`
}

// Name returns the name of the resource or task.
func (s Stage) Name() string {
	switch {
	case s.Resource != nil:
		return s.Resource.LogicalID
	case s.Task != nil:
		return s.Task.Name
	}
	return ""
}

// TaskStage is a Starlark task. Script holds the source inline; File
// points to a script that Load reads into Script.
type TaskStage struct {
	Name      string `yaml:"name" validate:"required"`
	Condition string `yaml:"condition"`
	Script    string `yaml:"script"`
	File      string `yaml:"file"`
}

// DefaultManifest returns a manifest with every default applied and no stages.
func DefaultManifest() *Manifest {
	tel := telemetry.DefaultConfig()
	return &Manifest{
		Interactive:   true,
		PollInterval:  5 * time.Second,
		ApplyTimeout:  time.Hour,
		ScriptTimeout: 30 * time.Second,
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(".stackur", "journal.db"),
		},
		Logging: tel.Logging,
		Metrics: tel.Metrics,
		Tracing: tel.Tracing,
	}
}

// Load reads, defaults and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path: %w", err)
	}

	m, err := Parse(bytes.NewReader(data), filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest on top of the defaults, resolves relative paths
// against dir and validates the result.
func Parse(r io.Reader, dir string) (*Manifest, error) {
	m := DefaultManifest()
	m.Dir = dir

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := m.resolve(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks field constraints, that every stage is exactly one of
// resource or task and that stage names are unique.
func (m *Manifest) Validate() error {
	v := compiler.NewValidator()
	_ = v.RegisterValidation("stackname", func(fl validator.FieldLevel) bool {
		return stackNamePattern.MatchString(fl.Field().String())
	})

	if err := v.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}

	seen := make(map[string]int, len(m.Stages))
	for i, st := range m.Stages {
		if (st.Resource == nil) == (st.Task == nil) {
			return fmt.Errorf("invalid manifest: stage %d must declare exactly one of resource or task", i)
		}
		if st.Task != nil && st.Task.Script == "" && st.Task.File == "" {
			return fmt.Errorf("invalid manifest: task %s has no script", st.Task.Name)
		}
		if st.Task != nil && !m.resolved && st.Task.Script != "" && st.Task.File != "" {
			return fmt.Errorf("invalid manifest: task %s must set only one of script or file", st.Task.Name)
		}
		name := st.Name()
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("invalid manifest: stage %d reuses the name %s of stage %d", i, name, prev)
		}
		seen[name] = i
	}

	if m.CredentialsFile != "" && m.Profile != "" {
		return fmt.Errorf("invalid manifest: profile and credentials_file are mutually exclusive")
	}
	return nil
}

// resolve makes paths absolute and reads task script files.
func (m *Manifest) resolve() error {
	m.CredentialsFile = m.path(m.CredentialsFile)
	m.Journal.Path = m.path(m.Journal.Path)
	for i := range m.Policies {
		m.Policies[i] = m.path(m.Policies[i])
	}

	for _, st := range m.Stages {
		if st.Task == nil || st.Task.File == "" {
			continue
		}
		data, err := os.ReadFile(m.path(st.Task.File))
		if err != nil {
			return fmt.Errorf("task %s: %w", st.Task.Name, err)
		}
		st.Task.Script = string(data)
	}
	m.resolved = true
	return nil
}

func (m *Manifest) path(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// Telemetry returns the telemetry configuration of the manifest.
func (m *Manifest) Telemetry() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = m.Stack
	cfg.Logging = m.Logging
	cfg.Metrics = m.Metrics
	cfg.Tracing = m.Tracing
	return cfg
}
