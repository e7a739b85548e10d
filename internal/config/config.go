// Package config provides configuration management for the dashboard sync
// service. It handles loading and parsing YAML configuration files, applies
// environment overrides for secrets, and exposes structured access to the
// server port, database path, proxy connection settings, and OAuth polling
// budgets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the dashboard API server will listen.
	Port int `yaml:"port"`

	// DatabasePath is the SQLite database file backing the provider store
	// and the ownership ledger.
	DatabasePath string `yaml:"database-path"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// ManagementKey authenticates callers of the dashboard API
	// (plaintext or bcrypt hashed; hashed on first load when plaintext).
	ManagementKey string `yaml:"management-key"`

	// Proxy holds the connection settings for the managed CLI proxy instance.
	Proxy ProxyConfig `yaml:"proxy"`

	// OAuth holds polling budgets for credential discovery.
	OAuth OAuthConfig `yaml:"oauth"`
}

// ProxyConfig describes how to reach the CLI proxy management API.
type ProxyConfig struct {
	// BaseURL is the root URL of the proxy, e.g. "http://127.0.0.1:8317".
	BaseURL string `yaml:"base-url"`

	// ManagementKey is the bearer key for the proxy management API.
	ManagementKey string `yaml:"management-key"`

	// RequestTimeout bounds every config read/write against the proxy.
	// Zero means the 10s default.
	RequestTimeout time.Duration `yaml:"request-timeout"`

	// ProxyURL optionally routes outbound proxy traffic through an egress
	// proxy (socks5:// or http://).
	ProxyURL string `yaml:"proxy-url"`
}

// OAuthConfig defines the credential-discovery polling budgets.
type OAuthConfig struct {
	// PollInterval is the delay between credential-file listing attempts.
	// Zero means the 1.5s default.
	PollInterval time.Duration `yaml:"poll-interval"`

	// PollAttempts is the general attempt budget. Zero means 10.
	PollAttempts int `yaml:"poll-attempts"`

	// SlowPollAttempts is the extended budget for providers with known slow
	// credential propagation. Zero means 80.
	SlowPollAttempts int `yaml:"slow-poll-attempts"`

	// SlowProviders lists providers that use the extended budget.
	SlowProviders []string `yaml:"slow-providers"`
}

// Defaults applied when the YAML omits the corresponding keys.
const (
	DefaultRequestTimeout   = 10 * time.Second
	DefaultPollInterval     = 1500 * time.Millisecond
	DefaultPollAttempts     = 10
	DefaultSlowPollAttempts = 80
)

// RequestTimeoutOrDefault returns the configured proxy request timeout,
// falling back to DefaultRequestTimeout.
func (p ProxyConfig) RequestTimeoutOrDefault() time.Duration {
	if p.RequestTimeout > 0 {
		return p.RequestTimeout
	}
	return DefaultRequestTimeout
}

// PollIntervalOrDefault returns the poll delay, falling back to the default.
func (o OAuthConfig) PollIntervalOrDefault() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return DefaultPollInterval
}

// AttemptBudget returns the poll attempt budget for the given provider.
func (o OAuthConfig) AttemptBudget(provider string) int {
	budget := o.PollAttempts
	if budget <= 0 {
		budget = DefaultPollAttempts
	}
	slow := o.SlowPollAttempts
	if slow <= 0 {
		slow = DefaultSlowPollAttempts
	}
	for _, p := range o.SlowProviders {
		if strings.EqualFold(strings.TrimSpace(p), provider) {
			return slow
		}
	}
	if defaultSlowProviders[strings.ToLower(strings.TrimSpace(provider))] {
		return slow
	}
	return budget
}

// Providers whose credential files are known to appear late on the proxy.
var defaultSlowProviders = map[string]bool{
	"gemini":      true,
	"antigravity": true,
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies environment variable overrides, and
// returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets may arrive from the environment instead of the file.
	if v := strings.TrimSpace(os.Getenv("PROXY_MANAGEMENT_KEY")); v != "" {
		cfg.Proxy.ManagementKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DASHBOARD_MANAGEMENT_KEY")); v != "" {
		cfg.ManagementKey = v
	}

	// Hash the dashboard management key if plaintext is detected. A value is
	// considered hashed when it carries a bcrypt prefix ($2a$, $2b$, $2y$).
	if cfg.ManagementKey != "" && !looksLikeBcrypt(cfg.ManagementKey) {
		hashed, errHash := hashSecret(cfg.ManagementKey)
		if errHash != nil {
			return nil, fmt.Errorf("failed to hash management key: %w", errHash)
		}
		cfg.ManagementKey = hashed
		_ = persistHashedKey(configFile, hashed)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "dashboard.db"
	}
	cfg.Proxy.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Proxy.BaseURL), "/")

	return &cfg, nil
}

func looksLikeBcrypt(v string) bool {
	return strings.HasPrefix(v, "$2a$") || strings.HasPrefix(v, "$2b$") || strings.HasPrefix(v, "$2y$")
}

func hashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// persistHashedKey writes the hashed management key back to the config file
// so the plaintext is not re-hashed (or kept on disk) across restarts.
func persistHashedKey(configFile, hashed string) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err = yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	doc["management-key"] = hashed
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(configFile, out, 0o600)
}
