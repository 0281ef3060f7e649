// Package config loads the orchestrator configuration from
// $DEVNEXUS_HOME/config.yaml with environment overrides for secrets.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig describes the identity advertised in the agent card.
type AgentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	URL         string `yaml:"url"`
}

// DBConfig selects and configures the task-store backend.
// Driver "postgres" is the production backend; "memory" keeps everything
// in-process for local development and tests.
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`

	MaxOpenConns int `yaml:"max_open_conns"`
}

// DSN renders a lib/pq connection string.
func (d DBConfig) DSN() string {
	parts := []string{
		"host=" + d.Host,
		"port=" + strconv.Itoa(d.Port),
		"dbname=" + d.Name,
		"user=" + d.User,
		"sslmode=" + d.SSLMode,
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	return strings.Join(parts, " ")
}

// PeerConfig describes one remote agent reachable over the A2A protocol.
type PeerConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// WorkerConfig controls the task worker pool.
type WorkerConfig struct {
	Count               int  `yaml:"count"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	RecoverStale        bool `yaml:"recover_stale"`
}

// PollInterval returns the idle sleep between empty dequeues.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// CleanupConfig controls terminal-task retention.
type CleanupConfig struct {
	RetentionDays int    `yaml:"retention_days"`
	Schedule      string `yaml:"schedule"`
}

// Retention returns the terminal-task retention window.
func (c CleanupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// CORSConfig controls cross-origin access for browser clients.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// OTelConfig controls OpenTelemetry export. Disabled means no-op providers.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`

	Agent   AgentConfig           `yaml:"agent"`
	DB      DBConfig              `yaml:"db"`
	Peers   map[string]PeerConfig `yaml:"peers"`
	Worker  WorkerConfig          `yaml:"worker"`
	Cleanup CleanupConfig         `yaml:"cleanup"`
	CORS    CORSConfig            `yaml:"cors"`
	OTel    OTelConfig            `yaml:"otel"`
}

// HomeDir resolves the data directory: $DEVNEXUS_HOME or ~/.devnexus.
func HomeDir() (string, error) {
	if v := os.Getenv("DEVNEXUS_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".devnexus"), nil
}

// Load reads config.yaml from the resolved home directory. A missing file
// yields the defaults, so the daemon starts without any setup.
func Load() (Config, error) {
	home, err := HomeDir()
	if err != nil {
		return Config{}, err
	}
	return LoadFile(filepath.Join(home, "config.yaml"), home)
}

// LoadFile reads one config file, applies defaults, env overrides, and
// validates the result.
func LoadFile(path, homeDir string) (Config, error) {
	cfg := defaults()
	cfg.HomeDir = homeDir

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		BindAddr: ":8080",
		LogLevel: "info",
		Agent: AgentConfig{
			Name:        "dev-nexus-orchestrator",
			Description: "Dependency-aware impact-analysis orchestrator",
			Version:     "1.0.0",
			URL:         "http://localhost:8080",
		},
		DB: DBConfig{
			Driver:       "memory",
			Host:         "localhost",
			Port:         5432,
			Name:         "devnexus",
			User:         "devnexus",
			SSLMode:      "disable",
			MaxOpenConns: 10,
		},
		Worker: WorkerConfig{
			Count:               2,
			PollIntervalSeconds: 5,
		},
		Cleanup: CleanupConfig{
			RetentionDays: 7,
			Schedule:      "0 3 * * *",
		},
		OTel: OTelConfig{
			Exporter:    "stdout",
			ServiceName: "devnexus",
			SampleRate:  1.0,
		},
	}
}

// applyEnv overrides secrets and addresses from the environment so they
// never have to live in config.yaml.
func (c *Config) applyEnv() {
	if v := os.Getenv("DEVNEXUS_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("DEVNEXUS_DB_PASSWORD"); v != "" {
		c.DB.Password = v
	}
	if v := os.Getenv("DEVNEXUS_BIND_ADDR"); v != "" {
		c.BindAddr = v
	}
	if v := os.Getenv("DEVNEXUS_AGENT_URL"); v != "" {
		c.Agent.URL = v
	}
}

func (c Config) validate() error {
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive, got %d", c.Worker.Count)
	}
	if c.Worker.PollIntervalSeconds <= 0 {
		return fmt.Errorf("worker.poll_interval_seconds must be positive, got %d", c.Worker.PollIntervalSeconds)
	}
	if c.Cleanup.RetentionDays < 1 {
		return fmt.Errorf("cleanup.retention_days must be at least 1, got %d", c.Cleanup.RetentionDays)
	}
	switch c.DB.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("db.driver must be postgres or memory, got %q", c.DB.Driver)
	}
	for name, p := range c.Peers {
		if p.URL == "" {
			return fmt.Errorf("peer %q has no url", name)
		}
	}
	return nil
}

// Fingerprint hashes the non-secret parts of the active configuration for
// the health endpoint, so operators can tell which config a node runs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d|%d|%s",
		c.BindAddr, c.Agent.URL, c.DB.Driver,
		c.Worker.Count, c.Worker.PollIntervalSeconds,
		c.Cleanup.RetentionDays, c.Cleanup.Schedule,
	)
	names := make([]string, 0, len(c.Peers))
	for name := range c.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "|%s=%s", name, c.Peers[name].URL)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
