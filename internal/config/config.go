// Package config loads the run configuration, the cookie jar, and the
// target list (C1): the only component permitted to touch raw filesystem
// paths before the rest of the pipeline starts.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"xblock/internal/model"
	"xblock/internal/retry"
)

// Config is the application's run configuration.
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	Run     RunConfig     `yaml:"run"`
	Headers HeadersConfig `yaml:"headers"`
	Cache   CacheConfig   `yaml:"cache"`
}

type PathsConfig struct {
	CookiePath      string `yaml:"cookiePath"`
	TargetListPath  string `yaml:"targetListPath"`
	PersistencePath string `yaml:"persistencePath"`
	CacheDir        string `yaml:"cacheDir"`
}

type RunConfig struct {
	BatchSize        int     `yaml:"batchSize"`
	InterCallDelay   float64 `yaml:"interCallDelaySeconds"`
	MaxTargets       int     `yaml:"maxTargets"` // 0 means "all"
	AutoRetry        bool    `yaml:"autoRetry"`
	RetryCeiling     int     `yaml:"retryCeiling"`
	AutoRetryCeiling int     `yaml:"autoRetryCeiling"`
}

// HeadersConfig gates the optional dynamic request headers of §4.4.1. Both
// default ON; either is individually disableable for emergency parity with
// minimal requests.
type HeadersConfig struct {
	EnableForwardedFor       bool `yaml:"enableForwardedFor"`
	DisableHeaderEnhancement bool `yaml:"disableHeaderEnhancement"`
}

type CacheConfig struct {
	LookupTTLHours         int `yaml:"lookupTTLHours"`
	ProfileTTLMinutes      int `yaml:"profileTTLMinutes"`
	RelationshipTTLMinutes int `yaml:"relationshipTTLMinutes"`
	ProfileCeiling         int `yaml:"profileCeiling"`
	RelationshipCeiling    int `yaml:"relationshipCeiling"`
}

// Default returns a sensible default configuration matching spec.md §4.5/§4.3
// defaults.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			CookiePath:      "./cookies.json",
			TargetListPath:  "./targets.json",
			PersistencePath: "./block_history.db",
			CacheDir:        "./cache",
		},
		Run: RunConfig{
			BatchSize:        50,
			InterCallDelay:   1.0,
			MaxTargets:       0,
			AutoRetry:        false,
			RetryCeiling:     retry.InteractiveCeiling,
			AutoRetryCeiling: retry.AutoRetryCeiling,
		},
		Headers: HeadersConfig{
			EnableForwardedFor:       true,
			DisableHeaderEnhancement: false,
		},
		Cache: CacheConfig{
			LookupTTLHours:         24,
			ProfileTTLMinutes:      60,
			RelationshipTTLMinutes: 30,
			ProfileCeiling:         1000,
			RelationshipCeiling:    500,
		},
	}
}

// ResolveEnv fills unset path fields from environment variables. CLI flags
// (applied by the caller after Load) take precedence over both.
func (c *Config) ResolveEnv() {
	if c.Paths.CookiePath == "" {
		c.Paths.CookiePath = os.Getenv("XBLOCK_COOKIE_PATH")
	}
	if c.Paths.TargetListPath == "" {
		c.Paths.TargetListPath = os.Getenv("XBLOCK_TARGET_LIST_PATH")
	}
	if c.Paths.PersistencePath == "" {
		c.Paths.PersistencePath = os.Getenv("XBLOCK_PERSISTENCE_PATH")
	}
	if c.Paths.CacheDir == "" {
		c.Paths.CacheDir = os.Getenv("XBLOCK_CACHE_DIR")
	}
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// CSRFCookieName and SessionCookieName are the two cookies a jar must carry
// (§4.4.1); their absence is a hard ConfigError.
const (
	CSRFCookieName    = "ct0"
	SessionCookieName = "auth_token"
)

// CookieJar is the in-memory value of the cookie jar file plus the mtime it
// was last loaded from, per the Design Notes' per-process cookie cache.
type CookieJar struct {
	Cookies  map[string]string
	LoadedAt int64 // unix mtime of the file at load time
}

// LoadCookieJar reads the cookie jar file (name -> value JSON map) and
// validates that both required cookies are present.
func LoadCookieJar(path string) (CookieJar, error) {
	var jar CookieJar
	b, err := os.ReadFile(path)
	if err != nil {
		return jar, &ConfigError{Msg: fmt.Sprintf("cookie jar %s: %v", path, err)}
	}
	var cookies map[string]string
	if err := json.Unmarshal(b, &cookies); err != nil {
		return jar, &ConfigError{Msg: fmt.Sprintf("cookie jar %s: malformed JSON: %v", path, err)}
	}
	if cookies[CSRFCookieName] == "" {
		return jar, &ConfigError{Msg: fmt.Sprintf("cookie jar %s: missing %s", path, CSRFCookieName)}
	}
	if cookies[SessionCookieName] == "" {
		return jar, &ConfigError{Msg: fmt.Sprintf("cookie jar %s: missing %s", path, SessionCookieName)}
	}
	st, err := os.Stat(path)
	if err != nil {
		return jar, &ConfigError{Msg: err.Error()}
	}
	jar.Cookies = cookies
	jar.LoadedAt = st.ModTime().Unix()
	return jar, nil
}

// TargetList is the parsed target-list file (§6).
type TargetList struct {
	Format model.TargetFormat
	Users  []string
}

// LoadTargetList reads and validates the target-list file schema.
func LoadTargetList(path string) (TargetList, error) {
	var tl TargetList
	b, err := os.ReadFile(path)
	if err != nil {
		return tl, &ConfigError{Msg: fmt.Sprintf("target list %s: %v", path, err)}
	}
	var raw struct {
		Format string   `json:"format"`
		Users  []string `json:"users"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return tl, &ConfigError{Msg: fmt.Sprintf("target list %s: malformed JSON: %v", path, err)}
	}
	switch model.TargetFormat(raw.Format) {
	case model.FormatScreenName, model.FormatUserID:
		tl.Format = model.TargetFormat(raw.Format)
	default:
		return tl, &ConfigError{Msg: fmt.Sprintf("target list %s: unknown format %q, want %q or %q", path, raw.Format, model.FormatScreenName, model.FormatUserID)}
	}
	if len(raw.Users) == 0 {
		return tl, &ConfigError{Msg: fmt.Sprintf("target list %s: users list is empty", path)}
	}
	tl.Users = raw.Users
	return tl, nil
}

// ConfigError is §7's ConfigError: fatal, non-zero exit.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return e.Msg }
