package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.Prefix = "./ralph-data"
	cfg.Worktree.RepoPath = "/repo"
	cfg.Worktree.WorktreesDir = "worktrees"
	cfg.Agent.BinaryPath = "agent-server"
	cfg.Orchestrator.MaxIterations = 50
	cfg.Orchestrator.ResolverRetries = 4
	return cfg
}

func TestValidate_AllGood(t *testing.T) {
	cfg := validConfig()
	assert.Empty(t, cfg.Validate())
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	var cfg Config
	errs := cfg.Validate()

	assert.Contains(t, errs, "worktree.repo_path is required")
	assert.Contains(t, errs, "agent.binary_path is required")
	assert.Contains(t, errs, "orchestrator.max_iterations must be positive")
	assert.Len(t, errs, 6)
}

func TestValidate_PortOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 70000
	errs := cfg.Validate()
	assert.Len(t, errs, 1)
	assert.Contains(t, errs[0], "server.port out of range")
}

func TestValidate_NegativeResolverRetries(t *testing.T) {
	cfg := validConfig()
	cfg.Orchestrator.ResolverRetries = -1
	errs := cfg.Validate()
	assert.Contains(t, errs, "orchestrator.resolver_retries must not be negative")
}

func TestLoad_MissingExplicitConfigFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/does-not-exist.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}
