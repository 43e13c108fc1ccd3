// Package config loads the autoflow service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file inside the autoflow home directory.
const FileName = "config.yaml"

type Config struct {
	// CredentialsProfile selects a profile in credentials.yaml. Empty uses
	// the file's default_profile.
	CredentialsProfile string `yaml:"credentials_profile,omitempty"`
	// DBPath defaults to ~/.autoflow/autoflow.db.
	DBPath string `yaml:"db_path,omitempty"`

	Linear    LinearConfig    `yaml:"linear"`
	Repo      RepoConfig      `yaml:"repo"`
	Github    GithubConfig    `yaml:"github"`
	Queue     QueueConfig     `yaml:"queue"`
	Execution ExecutionConfig `yaml:"execution"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Processor ProcessorConfig `yaml:"processor"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

type LinearConfig struct {
	TeamID      string `yaml:"team_id"`
	LabelFilter string `yaml:"label_filter,omitempty"`
	// BotName is the mention handle, e.g. "autoflow" for "@autoflow plan".
	BotName string `yaml:"bot_name"`
	// WebhookSecret signs webhook deliveries. AUTOFLOW_WEBHOOK_SECRET and the
	// credentials profile take precedence.
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
	// StartedState and ReviewState name the ticket service workflow states
	// a ticket moves to when its run starts and when its pull request
	// opens. Empty leaves the ticket's state alone.
	StartedState string `yaml:"started_state,omitempty"`
	ReviewState  string `yaml:"review_state,omitempty"`
}

type RepoConfig struct {
	LocalPath    string `yaml:"local_path"`
	DefaultBase  string `yaml:"default_base"`
	BranchPrefix string `yaml:"branch_prefix"`
	// WorktreeRoot holds one sandbox per ticket. Defaults to
	// <local_path>/.autoflow/worktrees.
	WorktreeRoot string `yaml:"worktree_root,omitempty"`
	// CopyPatterns are doublestar globs copied from the repo into each
	// sandbox, e.g. ".env*".
	CopyPatterns []string `yaml:"copy_patterns,omitempty"`
	// ContextGlobs select files listed in the codebase context handed to
	// the refinement and planning agents.
	ContextGlobs []string `yaml:"context_globs,omitempty"`
	DocFiles     []string `yaml:"doc_files,omitempty"`
	// Constraints are checks a change must pass, passed to the prompt
	// generator.
	Constraints []string `yaml:"constraints,omitempty"`
	// TemplateDir overrides the embedded prompt templates.
	TemplateDir string `yaml:"template_dir,omitempty"`
}

type GithubConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

type QueueConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryCap          time.Duration `yaml:"retry_cap"`
	RecentWindow      time.Duration `yaml:"recent_window"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
}

type ExecutionConfig struct {
	Command      string        `yaml:"command"`
	Slots        int           `yaml:"slots"`
	Timeout      time.Duration `yaml:"timeout"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	MaxTurns     int           `yaml:"max_turns,omitempty"`
	MaxPRRetries int           `yaml:"max_pr_retries"`
	PRRetryDelay time.Duration `yaml:"pr_retry_delay"`
}

type SchedulerConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	FullSyncInterval  time.Duration `yaml:"full_sync_interval"`
	PageSize          int           `yaml:"page_size"`
}

type ProcessorConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

type MirrorConfig struct {
	Tickets        time.Duration `yaml:"tickets"`
	Comments       time.Duration `yaml:"comments"`
	Labels         time.Duration `yaml:"labels"`
	WorkflowStates time.Duration `yaml:"workflow_states"`
}

type WebhookConfig struct {
	Deadline      time.Duration `yaml:"deadline"`
	DebounceQuiet time.Duration `yaml:"debounce_quiet"`
	MaxAge        time.Duration `yaml:"max_age"`
	DeliveryTTL   time.Duration `yaml:"delivery_ttl"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type GatewayConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// Default returns a configuration with every tunable set. Only the
// repository and tracker identifiers are left for the user.
func Default() Config {
	return Config{
		Linear: LinearConfig{
			BotName:      "autoflow",
			StartedState: "In Progress",
			ReviewState:  "In Review",
		},
		Repo: RepoConfig{
			DefaultBase:  "main",
			BranchPrefix: "autoflow/",
			DocFiles:     []string{"README.md", "CLAUDE.md", "AGENTS.md"},
		},
		Queue: QueueConfig{
			MaxRetries:        3,
			RetryBase:         5 * time.Second,
			RetryCap:          5 * time.Minute,
			RecentWindow:      10 * time.Minute,
			TerminalRetention: 24 * time.Hour,
		},
		Execution: ExecutionConfig{
			Command:      "claude",
			Slots:        2,
			Timeout:      60 * time.Minute,
			GracePeriod:  30 * time.Second,
			MaxPRRetries: 3,
			PRRetryDelay: time.Minute,
		},
		Scheduler: SchedulerConfig{
			ReconcileInterval: 30 * time.Second,
			FullSyncInterval:  10 * time.Minute,
			PageSize:          50,
		},
		Processor: ProcessorConfig{TickInterval: 5 * time.Second},
		Mirror: MirrorConfig{
			Tickets:        5 * time.Minute,
			Comments:       2 * time.Minute,
			Labels:         time.Hour,
			WorkflowStates: time.Hour,
		},
		Webhook: WebhookConfig{
			Deadline:      4 * time.Second,
			DebounceQuiet: 10 * time.Second,
			MaxAge:        time.Minute,
			DeliveryTTL:   24 * time.Hour,
		},
		Server: ServerConfig{Addr: "127.0.0.1:7750"},
		Gateway: GatewayConfig{
			MaxRetries:  4,
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
		},
	}
}

// DefaultDir returns ~/.autoflow.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".autoflow")
}

// DefaultPath returns ~/.autoflow/config.yaml.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), FileName)
}

// Load reads the YAML file at path over Default(), so omitted keys keep
// their defaults. Environment overrides are applied last.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.Repo.LocalPath = expandHome(cfg.Repo.LocalPath)
	cfg.Repo.WorktreeRoot = expandHome(cfg.Repo.WorktreeRoot)
	cfg.Repo.TemplateDir = expandHome(cfg.Repo.TemplateDir)
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.applyEnv()
	return cfg, nil
}

// Save writes cfg as YAML, creating the parent directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AUTOFLOW_WEBHOOK_SECRET"); v != "" {
		c.Linear.WebhookSecret = v
	}
	if v := os.Getenv("AUTOFLOW_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Worktrees returns where sandboxes are created.
func (c Config) Worktrees() string {
	if c.Repo.WorktreeRoot != "" {
		return c.Repo.WorktreeRoot
	}
	return filepath.Join(c.Repo.LocalPath, ".autoflow", "worktrees")
}

// Validate checks required fields and value ranges. It returns a list of
// issues, empty when the config is usable. Entries prefixed with
// "warning:" do not prevent startup.
func (c Config) Validate() []string {
	var issues []string

	if c.Linear.TeamID == "" {
		issues = append(issues, "missing required field: linear.team_id")
	}
	if c.Linear.BotName == "" {
		issues = append(issues, "missing required field: linear.bot_name")
	}
	if c.Repo.LocalPath == "" {
		issues = append(issues, "missing required field: repo.local_path")
	} else if _, err := os.Stat(c.Repo.LocalPath); err != nil {
		issues = append(issues, fmt.Sprintf("repo.local_path %q does not exist", c.Repo.LocalPath))
	}
	if c.Repo.DefaultBase == "" {
		issues = append(issues, "missing required field: repo.default_base")
	}
	if (c.Github.Owner == "") != (c.Github.Repo == "") {
		issues = append(issues, "github.owner and github.repo must be set together")
	} else if c.Github.Owner == "" {
		issues = append(issues, "warning: no github repository configured, pull requests will not be opened")
	}

	positive := []struct {
		name string
		ok   bool
	}{
		{"queue.max_retries", c.Queue.MaxRetries > 0},
		{"execution.slots", c.Execution.Slots > 0},
		{"execution.timeout", c.Execution.Timeout > 0},
		{"execution.max_pr_retries", c.Execution.MaxPRRetries > 0},
		{"scheduler.reconcile_interval", c.Scheduler.ReconcileInterval > 0},
		{"scheduler.full_sync_interval", c.Scheduler.FullSyncInterval > 0},
		{"processor.tick_interval", c.Processor.TickInterval > 0},
		{"webhook.deadline", c.Webhook.Deadline > 0},
		{"webhook.debounce_quiet", c.Webhook.DebounceQuiet > 0},
		{"gateway.max_retries", c.Gateway.MaxRetries > 0},
	}
	for _, p := range positive {
		if !p.ok {
			issues = append(issues, p.name+" must be positive")
		}
	}

	if c.Webhook.Deadline >= 5*time.Second {
		issues = append(issues, "webhook.deadline must be under 5s, Linear stops waiting after that")
	}
	if c.Scheduler.FullSyncInterval > 0 && c.Scheduler.FullSyncInterval < c.Scheduler.ReconcileInterval {
		issues = append(issues, "warning: scheduler.full_sync_interval is shorter than reconcile_interval")
	}
	if c.Queue.RetryCap > 0 && c.Queue.RetryCap < c.Queue.RetryBase {
		issues = append(issues, "queue.retry_cap must not be below queue.retry_base")
	}
	if c.Gateway.BackoffCap > 0 && c.Gateway.BackoffCap < c.Gateway.BackoffBase {
		issues = append(issues, "gateway.backoff_cap must not be below gateway.backoff_base")
	}

	return issues
}

// Errors filters Validate down to the issues that prevent startup.
func Errors(issues []string) []string {
	var errs []string
	for _, i := range issues {
		if !strings.HasPrefix(i, "warning:") {
			errs = append(errs, i)
		}
	}
	return errs
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
