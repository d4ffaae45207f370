package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in the backend field.
const (
	BackendSystem  = "system"
	BackendKeyring = "keyring"
	BackendMemory  = "memory"
)

// Config holds persistent configuration loaded from ~/.coffer/config.yaml.
type Config struct {
	Backend       string        `yaml:"backend"`
	Keyring       KeyringConfig `yaml:"keyring"`
	LegacyService string        `yaml:"legacy_service"`
	// Masked defaults to true when unset.
	Masked    *bool   `yaml:"masked"`
	Socket    string  `yaml:"socket"`
	APIAddr   string  `yaml:"api_addr"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	LogLevel  string  `yaml:"log_level"`
	AuditLog  string  `yaml:"audit_log"`
	Metadata  string  `yaml:"metadata"`
}

// KeyringConfig configures the keyring backend.
type KeyringConfig struct {
	Backends []string `yaml:"backends"`
	FileDir  string   `yaml:"file_dir"`
	// PasswordEnv names the environment variable holding the file
	// backend password.
	PasswordEnv string `yaml:"password_env"`
}

// Dir returns the coffer home directory: ~/.coffer.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".coffer")
}

// DefaultPath returns the default config file path: ~/.coffer/config.yaml.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns an empty Config and no error. An empty or all-comment file
// also returns an empty Config with no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case "", BackendSystem, BackendKeyring, BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("rate_limit and rate_burst must not be negative")
	}
	if c.APIAddr != "" {
		if err := ValidateAPIAddr(c.APIAddr); err != nil {
			return fmt.Errorf("api_addr: %w", err)
		}
	}
	return nil
}

// ValidateAPIAddr accepts only loopback TCP addresses. The API has no
// authentication, so it must not be reachable from other hosts.
func ValidateAPIAddr(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%q is not a loopback address", addr)
	}
	return nil
}

// BackendName returns the configured backend, defaulting to the macOS
// Keychain on darwin and the OS keyring elsewhere.
func (c *Config) BackendName() string {
	if c.Backend != "" {
		return c.Backend
	}
	if runtime.GOOS == "darwin" {
		return BackendSystem
	}
	return BackendKeyring
}

// IsMasked reports whether storage failures should be hidden from callers.
func (c *Config) IsMasked() bool {
	return c.Masked == nil || *c.Masked
}

// KeyringPassword returns the file backend password from the configured
// environment variable, or "" when none is set.
func (c *Config) KeyringPassword() string {
	if c.Keyring.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Keyring.PasswordEnv)
}

// SocketPath returns the Unix socket path, defaulting to ~/.coffer/coffer.sock.
func (c *Config) SocketPath() string {
	if c.Socket != "" {
		return c.Socket
	}
	dir := Dir()
	if dir == "" {
		return filepath.Join(os.TempDir(), "coffer.sock")
	}
	return filepath.Join(dir, "coffer.sock")
}

// AuditLogPath returns the audit log path, defaulting to ~/.coffer/audit.log.
func (c *Config) AuditLogPath() string {
	if c.AuditLog != "" {
		return c.AuditLog
	}
	return filepath.Join(Dir(), "audit.log")
}

// MetadataPath returns the entry metadata path, defaulting to
// ~/.coffer/entry-metadata.json.
func (c *Config) MetadataPath() string {
	if c.Metadata != "" {
		return c.Metadata
	}
	return filepath.Join(Dir(), "entry-metadata.json")
}

// KeyringDir returns the file keyring directory, defaulting to ~/.coffer/keyring.
func (c *Config) KeyringDir() string {
	if c.Keyring.FileDir != "" {
		return c.Keyring.FileDir
	}
	return filepath.Join(Dir(), "keyring")
}

// SlogLevel parses log_level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
