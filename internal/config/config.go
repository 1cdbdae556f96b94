// Package config loads repository settings from config.yaml with
// RESTACK_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// FileName is the config file inside the state directory.
const FileName = "config.yaml"

// Backend kinds.
const (
	BackendSQLite = "sqlite"
	BackendGit    = "git"
)

// Config holds repository settings.
type Config struct {
	// Backend selects the object store: "sqlite" or "git".
	Backend string `yaml:"backend"`
	// MainBranch names the branch whose ancestors are public and protected
	// from rewriting.
	MainBranch string `yaml:"mainBranch"`
	// IgnoreBranches are doublestar globs over ref names. Matching refs are
	// never graph roots and their hook updates are not recorded.
	IgnoreBranches []string `yaml:"ignoreBranches"`

	Rewrite RewriteConfig `yaml:"rewrite"`
	Lock    LockConfig    `yaml:"lock"`
	Log     LogConfig     `yaml:"log"`
	Cache   CacheConfig   `yaml:"cache"`
	// Tracing installs spans around engine states when true.
	Tracing bool `yaml:"tracing"`
}

// RewriteConfig holds engine defaults.
type RewriteConfig struct {
	ForceInMemory      bool          `yaml:"forceInMemory"`
	ForceOnDisk        bool          `yaml:"forceOnDisk"`
	PreserveTimestamps bool          `yaml:"preserveTimestamps"`
	HookCommand        string        `yaml:"hookCommand"`
	HookTimeout        time.Duration `yaml:"hookTimeout"`
	// AdvanceAuto moves the other children of the old HEAD onto every new
	// commit.
	AdvanceAuto bool `yaml:"advanceAuto"`
}

// LockConfig holds lock behavior.
type LockConfig struct {
	// Wait is how long a writer waits for another writer before failing.
	Wait time.Duration `yaml:"wait"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CacheConfig holds graph cache settings.
type CacheConfig struct {
	// NodeCache is a directory for the persistent node cache. Empty disables
	// it.
	NodeCache string `yaml:"nodeCache"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Backend:    BackendSQLite,
		MainBranch: "main",
		Rewrite: RewriteConfig{
			HookTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Load reads <dir>/config.yaml if present and applies environment
// overrides. A missing file is not an error.
func Load(dir string) (*Config, error) {
	cfg := Default()
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to <dir>/config.yaml.
func Save(dir string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), data, 0o644)
}

func (c *Config) applyEnv() {
	c.MainBranch = getEnv("RESTACK_MAIN_BRANCH", c.MainBranch)
	c.Log.Level = getEnv("RESTACK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("RESTACK_LOG_FORMAT", c.Log.Format)
	c.Rewrite.HookCommand = getEnv("RESTACK_HOOK_COMMAND", c.Rewrite.HookCommand)
	c.Rewrite.HookTimeout = getEnvDuration("RESTACK_HOOK_TIMEOUT", c.Rewrite.HookTimeout)
	c.Rewrite.ForceInMemory = getEnvBool("RESTACK_FORCE_IN_MEMORY", c.Rewrite.ForceInMemory)
	c.Rewrite.ForceOnDisk = getEnvBool("RESTACK_FORCE_ON_DISK", c.Rewrite.ForceOnDisk)
	c.Rewrite.AdvanceAuto = getEnvBool("RESTACK_ADVANCE_AUTO", c.Rewrite.AdvanceAuto)
	c.Lock.Wait = getEnvDuration("RESTACK_LOCK_WAIT", c.Lock.Wait)
	c.Cache.NodeCache = getEnv("RESTACK_NODE_CACHE", c.Cache.NodeCache)
	c.Tracing = getEnvBool("RESTACK_TRACING", c.Tracing)
	if v := os.Getenv("RESTACK_IGNORE_BRANCHES"); v != "" {
		c.IgnoreBranches = strings.Split(v, ",")
	}
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	if c.Rewrite.ForceInMemory && c.Rewrite.ForceOnDisk {
		return fmt.Errorf("rewrite.forceInMemory and rewrite.forceOnDisk are mutually exclusive")
	}
	switch c.Backend {
	case BackendSQLite, BackendGit:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.MainBranch == "" {
		return fmt.Errorf("mainBranch must not be empty")
	}
	for _, p := range c.IgnoreBranches {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid ignoreBranches pattern %q", p)
		}
	}
	return nil
}

// MainRef returns the full ref name of the main branch.
func (c *Config) MainRef() string {
	if strings.HasPrefix(c.MainBranch, "refs/") {
		return c.MainBranch
	}
	return "refs/heads/" + c.MainBranch
}

// Ignored reports whether ref matches an ignoreBranches pattern. Patterns
// match either the full ref name or the short branch name.
func (c *Config) Ignored(ref string) bool {
	short := strings.TrimPrefix(ref, "refs/heads/")
	for _, pattern := range c.IgnoreBranches {
		if ok, _ := doublestar.Match(pattern, ref); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, short); ok {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
