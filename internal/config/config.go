// Package config loads and validates the YAML configuration that drives
// a line run: the assistant command, scheduling knobs, and the admission
// filters applied to the scanned issue set.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document for a line run.
type Config struct {
	Agent       AgentConfig         `yaml:"agent"`
	Settings    Settings            `yaml:"settings"`
	Gates       []Gate              `yaml:"gates,omitempty"`
	Sprints     map[string][]string `yaml:"sprints,omitempty"` // sprint name -> pre-declared issue IDs
	Permissions *Permissions        `yaml:"permissions,omitempty"`
	Preamble    string              `yaml:"preamble,omitempty"`
}

// AgentConfig describes how to invoke the coding-assistant CLI.
type AgentConfig struct {
	Command     string   `yaml:"command"`
	ReadyArgs   []string `yaml:"ready_args"`
	ManageArgs  []string `yaml:"manage_args"`
	ResumeFlag  string   `yaml:"resume_flag"`
	ContinueDir string   `yaml:"continue_dir,omitempty"` // dot-directory, default ".claude"
}

// Gate defines a pre-commit quality gate (linter, formatter, type checker, etc.).
type Gate struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

// Permissions mirrors the assistant CLI's own `.claude/settings.json`
// permissions block. It is parsed from the config file only; line does
// not write it into worktrees.
type Permissions struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// Settings holds the scheduling/resource knobs from spec.md §3.
type Settings struct {
	MaxWorkers         int      `yaml:"max_workers"`
	P0Sequential       bool     `yaml:"p0_sequential"`
	WorktreeBaseDir    string   `yaml:"worktree_base_dir"`
	BranchPrefix       string   `yaml:"branch_prefix"`
	MainBranch         string   `yaml:"main_branch"`
	MergeStrategy      string   `yaml:"merge_strategy"` // "merge" | "rebase"
	TimeoutPerIssue    Duration `yaml:"timeout_per_issue"`
	ClaudeTimeout      Duration `yaml:"claude_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	MaxIssuesPerRun    int      `yaml:"max_issues_per_run"`
	OnlyIDs            []string `yaml:"only_ids,omitempty"`
	SkipIDs            []string `yaml:"skip_ids,omitempty"`
	Category           string   `yaml:"category,omitempty"`
	DryRun             bool     `yaml:"dry_run"`
	MergeRetryAttempts int      `yaml:"merge_retry_attempts"`
	MergeRetryDelay    Duration `yaml:"merge_retry_delay"`
	MaxContinuations   int      `yaml:"max_continuations"`
	CompletedDir       string   `yaml:"completed_dir"`
	IssuesDir          string   `yaml:"issues_dir"`
	IgnorePatterns     []string `yaml:"ignore_patterns,omitempty"`
	ShutdownGrace      Duration `yaml:"shutdown_grace"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses a config file from disk, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	// P0Sequential's spec default is true; detect an explicit
	// `p0_sequential: false` by unmarshaling into a pointer first.
	var raw struct {
		Settings struct {
			P0Sequential *bool `yaml:"p0_sequential"`
		} `yaml:"settings"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if raw.Settings.P0Sequential == nil {
		cfg.Settings.P0Sequential = true
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	s := &cfg.Settings
	if s.MaxWorkers == 0 {
		s.MaxWorkers = 2
	}
	if s.WorktreeBaseDir == "" {
		s.WorktreeBaseDir = ".worktrees"
	}
	if s.BranchPrefix == "" {
		s.BranchPrefix = "parallel/"
	}
	if s.MainBranch == "" {
		s.MainBranch = "main"
	}
	if s.MergeStrategy == "" {
		s.MergeStrategy = "merge"
	}
	if s.TimeoutPerIssue == 0 {
		s.TimeoutPerIssue = Duration(3600 * time.Second)
	}
	if s.ClaudeTimeout == 0 {
		s.ClaudeTimeout = Duration(1800 * time.Second)
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = Duration(300 * time.Second)
	}
	if s.MergeRetryAttempts == 0 {
		s.MergeRetryAttempts = 3
	}
	if s.MergeRetryDelay == 0 {
		s.MergeRetryDelay = Duration(2 * time.Second)
	}
	if s.MaxContinuations == 0 {
		s.MaxContinuations = 3
	}
	if s.CompletedDir == "" {
		s.CompletedDir = "completed"
	}
	if s.IssuesDir == "" {
		s.IssuesDir = "issues"
	}
	if s.ShutdownGrace == 0 {
		s.ShutdownGrace = Duration(60 * time.Second)
	}
	if cfg.Agent.ResumeFlag == "" {
		cfg.Agent.ResumeFlag = "--resume"
	}
}

// NewDefault returns a Config with every default applied and
// P0Sequential set true, for callers (tests) that build a
// Config programmatically instead of from YAML.
func NewDefault() *Config {
	cfg := &Config{Settings: Settings{P0Sequential: true}}
	applyDefaults(cfg)
	return cfg
}

// Validate checks a config for structural problems, returning every
// problem found rather than stopping at the first.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Agent.Command == "" {
		errs = append(errs, fmt.Errorf("agent.command is required"))
	}
	if cfg.Settings.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("settings.max_workers must be >= 1"))
	}
	if cfg.Settings.MergeStrategy != "merge" && cfg.Settings.MergeStrategy != "rebase" {
		errs = append(errs, fmt.Errorf("settings.merge_strategy must be %q or %q", "merge", "rebase"))
	}

	errs = append(errs, ValidateGates(cfg.Gates)...)

	return errs
}

// ValidateGates checks that all gates have non-empty names and run
// commands, and that gate names are unique.
func ValidateGates(gates []Gate) []error {
	var errs []error
	names := make(map[string]bool)
	for i, g := range gates {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: name is required", i))
		} else if names[g.Name] {
			errs = append(errs, fmt.Errorf("gates[%d]: duplicate name %q", i, g.Name))
		} else {
			names[g.Name] = true
		}
		if g.Run == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: run is required", i))
		}
	}
	return errs
}

// ResolvePreamble returns the configured preamble, falling back to
// DefaultPreamble. The assistant CLI's ready/manage argv is built from
// the argv templates alone; no preamble is added to it.
func (cfg *Config) ResolvePreamble() string {
	if cfg.Preamble != "" {
		return cfg.Preamble
	}
	return DefaultPreamble
}

// DefaultPreamble is what ResolvePreamble returns when no custom
// preamble is configured.
const DefaultPreamble = "You are running non-interactively. Do not ask questions or wait for confirmation.\n" +
	"If something is unclear, make your best judgement and proceed.\n" +
	"Do not run git commit — your changes will be committed automatically."
