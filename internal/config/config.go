// Package config loads skymem configuration from defaults, an optional
// YAML file, and SKYMEM_* environment variables, in that order of
// precedence (env wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Account AccountConfig `yaml:"account"`
	Storage StorageConfig `yaml:"storage"`
	Watch   WatchConfig   `yaml:"watch"`
	Fetch   FetchConfig   `yaml:"fetch"`
}

// AccountConfig names the account this process works on behalf of.
type AccountConfig struct {
	Handle string `yaml:"handle"`
	DID    string `yaml:"did"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// WatchConfig tunes the thread-watch scheduler and the notification
// ledger.
type WatchConfig struct {
	SilenceHours       int  `yaml:"silence_hours"`
	CloseOnSilence     bool `yaml:"close_on_silence"`
	EvaluatedRetention int  `yaml:"evaluated_retention"`
}

// FetchConfig controls live AppView lookups done while building context
// packs. Disabled means packs are built from the store alone.
type FetchConfig struct {
	AppViewURL string `yaml:"appview_url"`
	Enabled    *bool  `yaml:"enabled"`
}

func defaults() Config {
	enabled := true
	return Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Watch: WatchConfig{
			SilenceHours:       18,
			EvaluatedRetention: 500,
		},
		Fetch: FetchConfig{
			AppViewURL: "https://public.api.bsky.app",
			Enabled:    &enabled,
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/skymem/config.yaml (override with SKYMEM_CONFIG),
// then applies SKYMEM_* environment overrides. A missing file is fine;
// a malformed one is not.
func Load() (Config, error) {
	return loadFrom(configFilePath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults + env only
	case err != nil:
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Watch.SilenceHours <= 0 {
		cfg.Watch.SilenceHours = 18
	}
	if cfg.Watch.EvaluatedRetention <= 0 {
		cfg.Watch.EvaluatedRetention = 500
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SKYMEM_HANDLE"); v != "" {
		cfg.Account.Handle = v
	}
	if v := os.Getenv("SKYMEM_DID"); v != "" {
		cfg.Account.DID = v
	}
	if v := os.Getenv("SKYMEM_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SKYMEM_SILENCE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Watch.SilenceHours = n
		}
	}
	if v := os.Getenv("SKYMEM_CLOSE_ON_SILENCE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Watch.CloseOnSilence = b
		}
	}
	if v := os.Getenv("SKYMEM_EVALUATED_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Watch.EvaluatedRetention = n
		}
	}
	if v := os.Getenv("SKYMEM_APPVIEW_URL"); v != "" {
		cfg.Fetch.AppViewURL = v
	}
	if v := os.Getenv("SKYMEM_FETCH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Fetch.Enabled = &b
		}
	}
}

// FetchEnabled resolves the optional flag with its default of true.
func (c Config) FetchEnabled() bool {
	return c.Fetch.Enabled == nil || *c.Fetch.Enabled
}

// DBPath is the per-account database location:
// <dataDir>/accounts/<slug>/skymem.db.
func (c Config) DBPath(handle string) string {
	return filepath.Join(c.Storage.DataDir, "accounts", Slug(handle), "skymem.db")
}

// Slug normalizes an account handle into a filesystem-safe directory
// name: lowercased, leading @ stripped, anything outside [a-z0-9._-]
// replaced with _.
func Slug(handle string) string {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if h == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func configFilePath() string {
	if p := os.Getenv("SKYMEM_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "skymem", "config.yaml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "skymem-data"
		}
	}
	return filepath.Join(dir, "skymem")
}
