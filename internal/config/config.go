// Package config loads the service configuration from a TOML file.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	serrors "github.com/kbaseincubator/kbase-security-dashboard/internal/errors"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

const (
	defaultMainBranch = "main"
	defaultDevBranch  = "develop"
)

// Config holds all configuration for the service.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Repos    []RepoEntry    `mapstructure:"repos"`

	// RepoConfigs is the normalized form of Repos, populated by Load.
	RepoConfigs []model.RepoConfig `mapstructure:"-"`
}

// ServiceConfig holds scheduling and HTTP settings.
type ServiceConfig struct {
	ScheduleCron string `mapstructure:"schedule_cron"`
	Listen       string `mapstructure:"listen"`
	LogLevel     string `mapstructure:"log_level"`
}

// PostgresConfig holds the database connection settings.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// GitHubConfig holds the GitHub API credentials. The token must be a classic
// personal access token to access repos outside the caller's account.
type GitHubConfig struct {
	Token string `mapstructure:"token"`
}

// RepoEntry is one [[repos]] table in the config file. TestWorkflows may be
// absent, a regex string, or a list of exact workflow paths; the variant is
// resolved once during Load.
type RepoEntry struct {
	Org           string `mapstructure:"org"`
	Repo          string `mapstructure:"repo"`
	Type          string `mapstructure:"type"`
	MainBranch    string `mapstructure:"main_branch"`
	DevBranch     string `mapstructure:"dev_branch"`
	TestWorkflows any    `mapstructure:"test_workflows"`
}

// Load reads and validates configuration from the TOML file at path.
// The GitHub token may also be supplied via the GITHUB_TOKEN environment
// variable, which takes precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("service.listen", ":8080")
	v.SetDefault("service.log_level", "info")

	if err := v.BindEnv("github.token", "GITHUB_TOKEN"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	repos, err := normalizeRepos(cfg.Repos)
	if err != nil {
		return nil, err
	}
	cfg.RepoConfigs = repos

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Service.ScheduleCron == "" {
		return &serrors.ErrConfiguration{Msg: "service.schedule_cron is required"}
	}
	if c.Postgres.URL == "" {
		return &serrors.ErrConfiguration{Msg: "postgres.url is required"}
	}
	if c.GitHub.Token == "" {
		return &serrors.ErrConfiguration{Msg: "github.token is required"}
	}
	if len(c.Repos) == 0 {
		return &serrors.ErrConfiguration{Msg: "at least one [[repos]] entry is required"}
	}
	return nil
}

// normalizeRepos fills branch defaults and resolves the test_workflows
// variant for each repo entry.
func normalizeRepos(entries []RepoEntry) ([]model.RepoConfig, error) {
	repos := make([]model.RepoConfig, 0, len(entries))
	for _, e := range entries {
		if e.Org == "" || e.Repo == "" {
			return nil, &serrors.ErrConfiguration{
				Msg: fmt.Sprintf("repo entry %q/%q: org and repo are required", e.Org, e.Repo),
			}
		}
		if e.Type == "" {
			return nil, &serrors.ErrConfiguration{
				Msg: fmt.Sprintf("repo %s/%s: type is required", e.Org, e.Repo),
			}
		}
		rc := model.RepoConfig{
			Org:        e.Org,
			Repo:       e.Repo,
			Type:       e.Type,
			MainBranch: e.MainBranch,
			DevBranch:  e.DevBranch,
		}
		if rc.MainBranch == "" {
			rc.MainBranch = defaultMainBranch
		}
		if rc.DevBranch == "" {
			rc.DevBranch = defaultDevBranch
		}
		filter, err := workflowFilter(e)
		if err != nil {
			return nil, err
		}
		rc.Workflows = filter
		repos = append(repos, rc)
	}
	return repos, nil
}

func workflowFilter(e RepoEntry) (model.WorkflowFilter, error) {
	switch tw := e.TestWorkflows.(type) {
	case nil:
		return model.DefaultWorkflowFilter(), nil
	case string:
		pattern, err := regexp.Compile(tw)
		if err != nil {
			return model.WorkflowFilter{}, &serrors.ErrConfiguration{
				Msg: fmt.Sprintf("repo %s/%s: invalid test_workflows regex %q: %v",
					e.Org, e.Repo, tw, err),
			}
		}
		return model.WorkflowFilter{Pattern: pattern}, nil
	case []any:
		names := map[string]bool{}
		for _, n := range tw {
			s, ok := n.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return model.WorkflowFilter{}, &serrors.ErrConfiguration{
					Msg: fmt.Sprintf("repo %s/%s: test_workflows list must contain non-empty strings",
						e.Org, e.Repo),
				}
			}
			names[s] = true
		}
		if len(names) == 0 {
			return model.WorkflowFilter{}, &serrors.ErrConfiguration{
				Msg: fmt.Sprintf("repo %s/%s: test_workflows list is empty", e.Org, e.Repo),
			}
		}
		return model.WorkflowFilter{Names: names}, nil
	default:
		return model.WorkflowFilter{}, &serrors.ErrConfiguration{
			Msg: fmt.Sprintf("repo %s/%s: test_workflows must be a string or a list of strings",
				e.Org, e.Repo),
		}
	}
}
