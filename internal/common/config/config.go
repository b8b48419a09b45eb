// Package config loads layered configuration (defaults, YAML file, environment,
// flags) for the ralph daemon using github.com/spf13/viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/ralph/internal/common/logger"
)

// ServerConfig configures the Job/Run HTTP+SSE service (C7).
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Prefix      string `mapstructure:"prefix"`       // root of jobs/, runs/, run/ on disk
	WorkerModel string `mapstructure:"worker_model"` // "providerID/modelID"
	BossModel   string `mapstructure:"boss_model"`
}

// WorktreeConfig configures the Worktree Manager (C3).
type WorktreeConfig struct {
	RepoPath     string `mapstructure:"repo_path"`
	WorktreesDir string `mapstructure:"worktrees_dir"`
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// AgentConfig configures Agent Server Handle acquisition (C4).
type AgentConfig struct {
	BinaryPath      string        `mapstructure:"binary_path"`
	HealthTimeout   time.Duration `mapstructure:"health_timeout"`
	HealthPollEvery time.Duration `mapstructure:"health_poll_every"`
	HealthMaxPolls  int           `mapstructure:"health_max_polls"`
}

// OrchestratorConfig configures the Run Orchestrator (C6).
type OrchestratorConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations"`
	SessionTimeout  time.Duration `mapstructure:"session_timeout"`
	ResolverRetries int           `mapstructure:"resolver_retries"`
}

// Config is the fully-resolved ralph daemon configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      logger.Config      `mapstructure:"logging"`
}

// Load builds a Config from defaults, an optional YAML file, and RALPH_-prefixed
// environment variables, in that precedence order (later overrides earlier).
// It does not validate the result: callers that still need to merge CLI flag
// overrides on top (cmd/ralphd does) must call Validate themselves once those
// overrides are applied, so that flag-only invocations aren't rejected for
// fields the file/env layers left empty.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("ralph")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "ralph"))
		}
		v.AddConfigPath("/etc/ralph")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.prefix", "./ralph-data")
	v.SetDefault("server.worker_model", "anthropic/claude-sonnet")
	v.SetDefault("server.boss_model", "anthropic/claude-sonnet")

	v.SetDefault("worktree.worktrees_dir", "worktrees")
	v.SetDefault("worktree.branch_prefix", "task/")

	v.SetDefault("agent.health_timeout", 2*time.Second)
	v.SetDefault("agent.health_poll_every", 500*time.Millisecond)
	v.SetDefault("agent.health_max_polls", 30)

	v.SetDefault("orchestrator.max_iterations", 50)
	v.SetDefault("orchestrator.session_timeout", 30*time.Minute)
	v.SetDefault("orchestrator.resolver_retries", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stdout")
}

// Validate collects every configuration problem instead of failing on the first,
// matching this codebase's convention of reporting all misconfiguration at once.
func (c *Config) Validate() []string {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.Prefix == "" {
		errs = append(errs, "server.prefix must not be empty")
	}
	if c.Worktree.RepoPath == "" {
		errs = append(errs, "worktree.repo_path is required")
	}
	if c.Worktree.WorktreesDir == "" {
		errs = append(errs, "worktree.worktrees_dir must not be empty")
	}
	if c.Agent.BinaryPath == "" {
		errs = append(errs, "agent.binary_path is required")
	}
	if c.Orchestrator.MaxIterations <= 0 {
		errs = append(errs, "orchestrator.max_iterations must be positive")
	}
	if c.Orchestrator.ResolverRetries < 0 {
		errs = append(errs, "orchestrator.resolver_retries must not be negative")
	}

	return errs
}
