// Package config provides centralized configuration for the percy sync engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is threaded explicitly through the engine and its adapters.
type Config struct {
	// DataRoot is the base directory for clones, drafts and metadata.
	DataRoot        string   `yaml:"data_root"`
	AppsFolder      string   `yaml:"apps_folder"`
	CloneDepth      int      `yaml:"clone_depth"`
	CORSProxy       string   `yaml:"cors_proxy"`
	LockedBranches  []string `yaml:"locked_branches"`
	DefaultBranch   string   `yaml:"default_branch"`
	MetadataVersion string   `yaml:"metadata_version"`

	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Author AuthorConfig `yaml:"author"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type AuthorConfig struct {
	// Email is used for commits when the username is not an address.
	Email string `yaml:"email"`
}

func Default() *Config {
	return &Config{
		DataRoot:        ".percy-data",
		AppsFolder:      "apps",
		CloneDepth:      1,
		LockedBranches:  []string{"master", "main"},
		DefaultBranch:   "master",
		MetadataVersion: "1",
		Server:          ServerConfig{Addr: "127.0.0.1:8080"},
		Log:             LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads an optional YAML file over the defaults, then applies PERCY_*
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PERCY_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("PERCY_APPS_FOLDER"); v != "" {
		cfg.AppsFolder = v
	}
	if v := os.Getenv("PERCY_CLONE_DEPTH"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			cfg.CloneDepth = d
		}
	}
	if v := os.Getenv("PERCY_CORS_PROXY"); v != "" {
		cfg.CORSProxy = strings.TrimSpace(v)
	}
	if v := os.Getenv("PERCY_LOCKED_BRANCHES"); v != "" {
		cfg.LockedBranches = parseCSV(v)
	}
	if v := os.Getenv("PERCY_DEFAULT_BRANCH"); v != "" {
		cfg.DefaultBranch = v
	}
	if v := os.Getenv("PERCY_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PERCY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PERCY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("PERCY_AUTHOR_EMAIL"); v != "" {
		cfg.Author.Email = v
	}
}

func parseCSV(v string) []string {
	parts := strings.Split(strings.TrimSpace(v), ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.DataRoot == "" {
		return fmt.Errorf("data_root must be configured")
	}
	if c.AppsFolder == "" || strings.Contains(c.AppsFolder, "..") {
		return fmt.Errorf("apps_folder %q is invalid", c.AppsFolder)
	}
	if c.CloneDepth < 1 {
		return fmt.Errorf("clone_depth must be at least 1 (got %d)", c.CloneDepth)
	}
	if c.DefaultBranch == "" {
		return fmt.Errorf("default_branch must be configured")
	}
	if c.MetadataVersion == "" {
		return fmt.Errorf("metadata_version must be configured")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format)
	}
	return nil
}

// IsLocked reports whether branch rejects commits and merges.
func (c *Config) IsLocked(branch string) bool {
	return slices.Contains(c.LockedBranches, branch)
}

// ReposDir holds one git directory per {username}!{repoName}.
func (c *Config) ReposDir() string {
	return filepath.Join(c.DataRoot, "repos")
}

// DraftsDir holds the drafts of every repository and branch.
func (c *Config) DraftsDir() string {
	return filepath.Join(c.DataRoot, "drafts")
}
