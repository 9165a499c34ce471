package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names a YAML config file loaded when --config is not given.
const EnvConfigFile = "MODELFETCH_CONFIG"

// Config holds all configuration for the modelfetch application
type Config struct {
	// Server configuration
	Host string
	Port int
	Addr string // computed from Host:Port

	// File system
	BaseDir     string // user-provided default download_dir
	AbsBaseDir  string // resolved/absolute path
	CatalogPath string // model list served on /models
	DBPath      string // user-provided
	AbsDBPath   string // resolved/absolute path

	// Storage. Empty means file-backed buckets under download_dir.
	BucketURL string

	// Client
	ServerURL string

	// Rate limiting (requests per minute per client IP)
	RateLimit int

	// Logging
	LogLevel string // debug|info|warn|error

	Version   string
	StartTime time.Time
}

// fileConfig mirrors Config for YAML files; zero values keep the defaults.
type fileConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	BaseDir     string `yaml:"base_dir"`
	CatalogPath string `yaml:"catalog"`
	DBPath      string `yaml:"db"`
	BucketURL   string `yaml:"bucket_url"`
	ServerURL   string `yaml:"server_url"`
	RateLimit   int    `yaml:"rate_limit"`
	LogLevel    string `yaml:"log_level"`
}

// New creates a Config with default values
func New() *Config {
	return &Config{
		Host:      "127.0.0.1",
		Port:      7860,
		ServerURL: "http://127.0.0.1:7860",
		RateLimit: 60,
		LogLevel:  "info",
		StartTime: time.Now(),
		Version:   "dev",
	}
}

// LoadFile overlays the YAML file at path onto c. Fields absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if fc.Host != "" {
		c.Host = fc.Host
	}
	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.BaseDir != "" {
		c.BaseDir = fc.BaseDir
	}
	if fc.CatalogPath != "" {
		c.CatalogPath = fc.CatalogPath
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.BucketURL != "" {
		c.BucketURL = fc.BucketURL
	}
	if fc.ServerURL != "" {
		c.ServerURL = fc.ServerURL
	}
	if fc.RateLimit != 0 {
		c.RateLimit = fc.RateLimit
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	return nil
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	if c.RateLimit < 1 {
		c.RateLimit = 60
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	c.LogLevel = strings.ToLower(c.LogLevel)
	valid := false
	for _, level := range validLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid server url: %q", c.ServerURL)
		}
	}

	c.Addr = c.ComputeAddr()

	return nil
}

// ResolveBaseDir expands the base download directory and resolves it to an
// absolute path. If empty, defaults to $HOME/stable-diffusion-webui.
func (c *Config) ResolveBaseDir() error {
	if c.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home directory: %w", err)
		}
		c.BaseDir = filepath.Join(home, "stable-diffusion-webui")
	}
	abs, err := resolvePath(c.BaseDir)
	if err != nil {
		return err
	}
	c.AbsBaseDir = abs
	return nil
}

// ResolveDBPath expands the database path and resolves it to an absolute path
// If empty, defaults to OS cache directory
func (c *Config) ResolveDBPath() error {
	if c.DBPath == "" {
		c.DBPath = defaultCacheDBPath()
	}
	abs, err := resolvePath(c.DBPath)
	if err != nil {
		return err
	}
	c.AbsDBPath = abs
	return nil
}

func resolvePath(p string) (string, error) {
	if strings.HasPrefix(p, "~/") || p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", p, err)
	}
	return abs, nil
}

// ComputeAddr returns the full server address as host:port
func (c *Config) ComputeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a pretty-printed representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf(`Config{
  Server:
    Host: %s
    Port: %d
    Addr: %s
    RateLimit: %d/min
  Files:
    BaseDir: %s (resolved: %s)
    Catalog: %s
    DBPath: %s (resolved: %s)
    BucketURL: %s
  Client:
    ServerURL: %s
  Logging:
    LogLevel: %s
  Meta:
    Version: %s
    StartTime: %s
}`, c.Host, c.Port, c.Addr, c.RateLimit,
		c.BaseDir, c.AbsBaseDir,
		c.CatalogPath,
		c.DBPath, c.AbsDBPath,
		c.BucketURL,
		c.ServerURL,
		c.LogLevel,
		c.Version, c.StartTime.Format(time.RFC3339))
}

// Summary returns a one-line summary of key configuration
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"addr":       c.Addr,
		"base_dir":   c.AbsBaseDir,
		"catalog":    c.CatalogPath,
		"db_path":    c.AbsDBPath,
		"bucket_url": c.BucketURL != "",
		"rate_limit": c.RateLimit,
		"log_level":  c.LogLevel,
		"version":    c.Version,
	}
}

// defaultCacheDBPath returns the cross-platform default path for the SQLite DB
// - Windows: %APPDATA%/modelfetch/modelfetch.db
// - Linux/macOS: $HOME/.cache/modelfetch/modelfetch.db
func defaultCacheDBPath() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "modelfetch", "modelfetch.db")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "AppData", "Roaming", "modelfetch", "modelfetch.db")
		}
		return "modelfetch.db"
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "modelfetch", "modelfetch.db")
	}
	return filepath.Join("modelfetch", "modelfetch.db")
}
