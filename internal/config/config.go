// Package config loads the job-graph configuration (spec §6) from a JSON
// or YAML file on disk, applies global defaults to each job, and
// validates required fields, mirroring the teacher's load-then-validate
// shape in its own config.Load/cfg.validate.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rezkam/flowrunner/internal/domain"
	"github.com/rezkam/flowrunner/internal/runner"
)

// defaultTimeoutSeconds is the per-job timeout fallback, spec §6.
const defaultTimeoutSeconds = 10800

// fileJob is the on-disk shape of one job entry, before global defaults
// are merged in.
type fileJob struct {
	ID                  string                   `json:"id" yaml:"id"`
	Label               string                   `json:"label" yaml:"label"`
	Command             string                   `json:"command" yaml:"command"`
	Dependencies        []string                 `json:"dependencies" yaml:"dependencies"`
	TimeoutSeconds      int                      `json:"timeout_seconds" yaml:"timeout_seconds"`
	Env                 map[string]string        `json:"env" yaml:"env"`
	MaxRetries          *int                     `json:"max_retries" yaml:"max_retries"`
	RetryDelaySeconds   *float64                 `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	RetryBackoff        *float64                 `json:"retry_backoff" yaml:"retry_backoff"`
	RetryJitter         *float64                 `json:"retry_jitter" yaml:"retry_jitter"`
	MaxRetryTimeSeconds *int                     `json:"max_retry_time_seconds" yaml:"max_retry_time_seconds"`
	RetryOnStatus       []domain.JobStatus       `json:"retry_on_status" yaml:"retry_on_status"`
	RetryOnExitCodes    []int                    `json:"retry_on_exit_codes" yaml:"retry_on_exit_codes"`
	PreChecks           []domain.CheckInvocation `json:"pre_checks" yaml:"pre_checks"`
	PostChecks          []domain.CheckInvocation `json:"post_checks" yaml:"post_checks"`
	WorkingDir          string                   `json:"working_dir" yaml:"working_dir"`
}

// fileConfig is the on-disk shape of the whole job-graph configuration,
// spec §6's configuration table.
type fileConfig struct {
	ApplicationName         string            `json:"application_name" yaml:"application_name"`
	WorkingDir              string            `json:"working_dir" yaml:"working_dir"`
	Parallel                bool              `json:"parallel" yaml:"parallel"`
	MaxWorkers              int               `json:"max_workers" yaml:"max_workers"`
	DefaultTimeout          int               `json:"default_timeout" yaml:"default_timeout"`
	DefaultMaxRetries       int               `json:"default_max_retries" yaml:"default_max_retries"`
	DefaultRetryDelay       float64           `json:"default_retry_delay" yaml:"default_retry_delay"`
	DefaultRetryBackoff     float64           `json:"default_retry_backoff" yaml:"default_retry_backoff"`
	DefaultRetryJitter      float64           `json:"default_retry_jitter" yaml:"default_retry_jitter"`
	DefaultMaxRetryTime     int               `json:"default_max_retry_time" yaml:"default_max_retry_time"`
	DefaultRetryOnExitCodes []int             `json:"default_retry_on_exit_codes" yaml:"default_retry_on_exit_codes"`
	ContinueOnError         bool              `json:"continue_on_error" yaml:"continue_on_error"`
	InheritShellEnv         inheritShellEnv   `json:"inherit_shell_env" yaml:"inherit_shell_env"`
	EnvVariables            map[string]string `json:"env_variables" yaml:"env_variables"`
	SecurityPolicy          string            `json:"security_policy" yaml:"security_policy"`
	LogDir                  string            `json:"log_dir" yaml:"log_dir"`
	StoreDriver             string            `json:"store_driver" yaml:"store_driver"`
	StoreDSN                string            `json:"store_dsn" yaml:"store_dsn"`
	Jobs                    []fileJob         `json:"jobs" yaml:"jobs"`
}

// inheritShellEnv unmarshals spec §4.5.3's polymorphic
// {true,false,"default",list<string>} base-env policy into a
// runner.BasePolicy.
type inheritShellEnv struct {
	runner.BasePolicy
}

func (p *inheritShellEnv) UnmarshalJSON(data []byte) error {
	var asBool bool
	if err := json.Unmarshal(data, &asBool); err == nil {
		p.BasePolicy = boolPolicy(asBool)
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		return p.fromString(asString)
	}
	var asList []string
	if err := json.Unmarshal(data, &asList); err == nil {
		p.BasePolicy = runner.BasePolicy{Mode: "whitelist", Whitelist: asList}
		return nil
	}
	return fmt.Errorf("inherit_shell_env: unsupported value %s", string(data))
}

func (p *inheritShellEnv) UnmarshalYAML(value *yaml.Node) error {
	var asBool bool
	if err := value.Decode(&asBool); err == nil {
		p.BasePolicy = boolPolicy(asBool)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err == nil {
		return p.fromString(asString)
	}
	var asList []string
	if err := value.Decode(&asList); err == nil {
		p.BasePolicy = runner.BasePolicy{Mode: "whitelist", Whitelist: asList}
		return nil
	}
	return fmt.Errorf("inherit_shell_env: unsupported value at line %d", value.Line)
}

func boolPolicy(b bool) runner.BasePolicy {
	if b {
		return runner.BasePolicy{Mode: "full"}
	}
	return runner.BasePolicy{Mode: "empty"}
}

func (p *inheritShellEnv) fromString(s string) error {
	if s != "default" {
		return fmt.Errorf("inherit_shell_env: unsupported string value %q", s)
	}
	p.BasePolicy = runner.BasePolicy{Mode: "default_whitelist"}
	return nil
}

// Config is the parsed, defaulted job-graph configuration ready to drive
// one run.
type Config struct {
	ApplicationName string
	WorkingDir      string
	Parallel        bool
	MaxWorkers      int
	ContinueOnError bool
	BaseEnvPolicy   runner.BasePolicy
	AppEnv          map[string]string
	SecurityPolicy  string
	LogDir          string
	StoreDriver     string
	StoreDSN        string
	Jobs            []domain.JobSpec
}

// Load reads path (JSON or YAML, selected by extension; YAML for
// .yml/.yaml, JSON otherwise) and returns a validated Config with global
// defaults merged into every job.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}

	var fc fileConfig
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yml" || ext == ".yaml" {
		err = yaml.Unmarshal(raw, &fc)
	} else {
		err = json.Unmarshal(raw, &fc)
	}
	if err != nil {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}

	applyTopLevelDefaults(&fc)
	cfg := toConfig(fc)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyTopLevelDefaults(fc *fileConfig) {
	if fc.MaxWorkers < 1 {
		fc.MaxWorkers = 1
	}
	if fc.DefaultTimeout <= 0 {
		fc.DefaultTimeout = defaultTimeoutSeconds
	}
	if fc.DefaultRetryBackoff == 0 {
		fc.DefaultRetryBackoff = 1
	}
	if fc.SecurityPolicy == "" {
		fc.SecurityPolicy = "warn"
	}
	if fc.LogDir == "" {
		fc.LogDir = filepath.Join(fc.WorkingDir, "logs")
	}
	if fc.StoreDriver == "" {
		fc.StoreDriver = "sqlite"
	}
	if fc.StoreDSN == "" {
		fc.StoreDSN = filepath.Join(fc.WorkingDir, "flowrunner.db")
	}
	if fc.InheritShellEnv.Mode == "" {
		fc.InheritShellEnv.BasePolicy = runner.BasePolicy{Mode: "full"}
	}
}

func toConfig(fc fileConfig) *Config {
	jobs := make([]domain.JobSpec, 0, len(fc.Jobs))
	for _, fj := range fc.Jobs {
		jobs = append(jobs, mergeJobDefaults(fj, fc))
	}
	return &Config{
		ApplicationName: fc.ApplicationName,
		WorkingDir:      fc.WorkingDir,
		Parallel:        fc.Parallel,
		MaxWorkers:      fc.MaxWorkers,
		ContinueOnError: fc.ContinueOnError,
		BaseEnvPolicy:   fc.InheritShellEnv.BasePolicy,
		AppEnv:          fc.EnvVariables,
		SecurityPolicy:  fc.SecurityPolicy,
		LogDir:          fc.LogDir,
		StoreDriver:     fc.StoreDriver,
		StoreDSN:        fc.StoreDSN,
		Jobs:            jobs,
	}
}

func mergeJobDefaults(fj fileJob, fc fileConfig) domain.JobSpec {
	spec := domain.JobSpec{
		ID:             fj.ID,
		Label:          fj.Label,
		Command:        fj.Command,
		Dependencies:   fj.Dependencies,
		TimeoutSeconds: fj.TimeoutSeconds,
		Env:            fj.Env,
		RetryOnStatus:  fj.RetryOnStatus,
		PreChecks:      fj.PreChecks,
		PostChecks:     fj.PostChecks,
		WorkingDir:     fj.WorkingDir,
	}
	if spec.TimeoutSeconds <= 0 {
		spec.TimeoutSeconds = fc.DefaultTimeout
	}

	spec.MaxRetries = fc.DefaultMaxRetries
	if fj.MaxRetries != nil {
		spec.MaxRetries = *fj.MaxRetries
	}
	spec.RetryDelaySeconds = fc.DefaultRetryDelay
	if fj.RetryDelaySeconds != nil {
		spec.RetryDelaySeconds = *fj.RetryDelaySeconds
	}
	spec.RetryBackoff = fc.DefaultRetryBackoff
	if fj.RetryBackoff != nil {
		spec.RetryBackoff = *fj.RetryBackoff
	}
	spec.RetryJitter = fc.DefaultRetryJitter
	if fj.RetryJitter != nil {
		spec.RetryJitter = *fj.RetryJitter
	}
	spec.MaxRetryTimeSeconds = fc.DefaultMaxRetryTime
	if fj.MaxRetryTimeSeconds != nil {
		spec.MaxRetryTimeSeconds = *fj.MaxRetryTimeSeconds
	}
	spec.RetryOnExitCodes = fj.RetryOnExitCodes
	if spec.RetryOnExitCodes == nil {
		spec.RetryOnExitCodes = fc.DefaultRetryOnExitCodes
	}
	if len(spec.RetryOnStatus) == 0 && spec.MaxRetries > 0 {
		spec.RetryOnStatus = []domain.JobStatus{domain.JobFailed, domain.JobError, domain.JobTimeout}
	}
	return spec
}

// validate checks the required-field and uniqueness invariants of
// spec §3/§6. Dependency-graph validity (missing ids, cycles) is C7's
// concern, run separately by the caller over Config.Jobs.
func validate(cfg *Config) error {
	var problems []string
	if cfg.ApplicationName == "" {
		problems = append(problems, "application_name is required")
	}
	if cfg.WorkingDir == "" {
		problems = append(problems, "working_dir is required")
	} else if info, err := os.Stat(cfg.WorkingDir); err != nil || !info.IsDir() {
		problems = append(problems, fmt.Sprintf("working_dir %q does not exist", cfg.WorkingDir))
	}
	if len(cfg.Jobs) == 0 {
		problems = append(problems, "jobs must be non-empty")
	}
	if cfg.SecurityPolicy != "warn" && cfg.SecurityPolicy != "strict" {
		problems = append(problems, fmt.Sprintf("security_policy %q must be \"warn\" or \"strict\"", cfg.SecurityPolicy))
	}

	seen := make(map[string]bool, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		if j.ID == "" {
			problems = append(problems, "job id must be non-empty")
			continue
		}
		if seen[j.ID] {
			problems = append(problems, fmt.Sprintf("duplicate job id %q", j.ID))
		}
		seen[j.ID] = true
		if j.Command == "" {
			problems = append(problems, fmt.Sprintf("job %q: command is required", j.ID))
		}
		for _, d := range j.Dependencies {
			if d == j.ID {
				problems = append(problems, fmt.Sprintf("job %q: cannot depend on itself", j.ID))
			}
		}
	}

	if len(problems) > 0 {
		return &domain.ConfigError{Reason: strings.Join(problems, "; ")}
	}
	return nil
}
