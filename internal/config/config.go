package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig holds all runtime configuration loaded from environment variables.
type AppConfig struct {
	// AnthropicAPIKey is forwarded to the claude CLI when set.
	// Optional; the claude CLI uses its own stored credentials if not provided.
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`

	// Port is the HTTP gateway port. Defaults to 8950.
	Port int `envconfig:"PORT" default:"8950"`

	// DataDir is the root data directory. Defaults to ~/.parley.
	DataDir string `envconfig:"PARLEY_DATA_DIR"`

	// LogLevel sets the minimum log level (debug, info, warn, error). Defaults to info.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// ClaudeBinary is the claude CLI executable to launch, resolved via PATH
	// when not an absolute path.
	ClaudeBinary string `envconfig:"PARLEY_CLAUDE_BINARY" default:"claude"`

	// AllowedOrigins lists the origins allowed to call the HTTP gateway.
	AllowedOrigins []string `envconfig:"PARLEY_ALLOWED_ORIGINS" default:"http://localhost:5173"`

	// IdleTimeout is how long a project may sit without activity before its
	// time-tracking segment is closed. Defaults to 15m.
	IdleTimeout time.Duration `envconfig:"PARLEY_IDLE_TIMEOUT" default:"15m"`

	// OTLPEndpoint enables OTLP export of traces and logs when set
	// (host:port of an OTLP/gRPC collector). Metrics are always served on
	// /metrics regardless.
	OTLPEndpoint string `envconfig:"PARLEY_OTLP_ENDPOINT"`

	// SMTP carries outbound mail settings for turn notifications.
	SMTP SMTPSettings
}

// SMTPSettings configures the outbound mail provider. Notifications are
// disabled when Host is empty.
type SMTPSettings struct {
	Host       string `envconfig:"SMTP_HOST"`
	Port       int    `envconfig:"SMTP_PORT" default:"587"`
	Username   string `envconfig:"SMTP_USERNAME"`
	Password   string `envconfig:"SMTP_PASSWORD"`
	From       string `envconfig:"SMTP_FROM"`
	To         string `envconfig:"SMTP_TO"`
	Encryption string `envconfig:"SMTP_ENCRYPTION" default:"starttls"`
}

// Enabled reports whether outbound mail is configured.
func (s SMTPSettings) Enabled() bool {
	return s.Host != "" && s.To != ""
}

// Load reads AppConfig from environment variables using envconfig.
// DataDir defaults to ~/.parley if not set.
func Load() (*AppConfig, error) {
	var c AppConfig
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".parley")
	}
	return &c, nil
}

// SlogLevel converts the LogLevel string to a slog.Level.
// Unknown values default to slog.LevelInfo.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogDir returns the path to the log directory (~/.parley/logs).
func (c *AppConfig) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// DBFile returns the path to the SQLite database file.
func (c *AppConfig) DBFile() string {
	return filepath.Join(c.DataDir, "parley.db")
}

// ActivityFile returns the path to the time-tracking state file.
func (c *AppConfig) ActivityFile() string {
	return filepath.Join(c.DataDir, "activity.json")
}

// MCPsFile returns the path to the MCP registry YAML file.
func (c *AppConfig) MCPsFile() string {
	return filepath.Join(c.DataDir, "mcps.yaml")
}

// RuntimeDir returns the path for per-session runtime files such as
// generated MCP config documents.
func (c *AppConfig) RuntimeDir() string {
	return filepath.Join(c.DataDir, "run")
}

// DefaultProjectDir returns the working directory used for sessions started
// without an explicit project path, located under the user's home directory
// to avoid predictable, publicly writable temp paths.
func DefaultProjectDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			cwd = "."
		}
		return filepath.Join(cwd, ".parley", "work")
	}
	return filepath.Join(home, ".parley", "work")
}
