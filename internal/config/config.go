// Package config provides configuration types and defaults for agentdeck.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"agentdeck/internal/log"
)

// Config holds all configuration options for agentdeck.
type Config struct {
	Claude   ClaudeConfig   `mapstructure:"claude"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Registry RegistryConfig `mapstructure:"registry"`
	History  HistoryConfig  `mapstructure:"history"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	UI       UIConfig       `mapstructure:"ui"`
}

// ClaudeConfig holds subprocess invocation settings.
type ClaudeConfig struct {
	// Binary is the subprocess executable name or path.
	Binary string `mapstructure:"binary"`

	// Model is passed through when set (sonnet, opus, haiku).
	Model string `mapstructure:"model"`

	// OutputFormat selects the transport: "stream-json" or "json".
	OutputFormat string `mapstructure:"output_format"`

	// GracePeriodSeconds bounds graceful subprocess shutdown.
	GracePeriodSeconds float64 `mapstructure:"grace_period_seconds"`

	// WorkDir is the working directory for subprocesses.
	WorkDir string `mapstructure:"work_dir"`

	// AddDirs are auxiliary directories granted to the subprocess.
	AddDirs []string `mapstructure:"add_dirs"`

	// SkipPermissions bypasses the subprocess's permission prompts.
	SkipPermissions bool `mapstructure:"skip_permissions"`
}

// QueueConfig holds message queue settings.
type QueueConfig struct {
	// Enabled sets the queue mode at startup. Toggleable at runtime.
	Enabled bool `mapstructure:"enabled"`

	// MaxSize caps each agent's queue.
	MaxSize int `mapstructure:"max_size"`
}

// RegistryConfig holds session registry settings.
type RegistryConfig struct {
	// Path is the agent record file.
	Path string `mapstructure:"path"`

	// Watch reloads the file when another process writes it.
	Watch bool `mapstructure:"watch"`
}

// HistoryConfig holds turn history settings.
type HistoryConfig struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path"`
}

// MemoryConfig holds memory side-channel settings.
type MemoryConfig struct {
	// Script is the memory-bank executable. Empty disables the
	// side-channel.
	Script string `mapstructure:"script"`
}

// TracingConfig holds turn tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the export backend: "none", "file", "stdout",
	// "otlp". Default: "file".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// UIConfig holds user interface configuration options.
type UIConfig struct {
	// MarkdownStyle is the glamour rendering style: "dark" or "light".
	MarkdownStyle string `mapstructure:"markdown_style"`
}

// DataDir returns the default data directory (~/.agentdeck), or "" when
// the home directory is unavailable.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentdeck")
}

// DefaultRegistryPath returns ~/.agentdeck/agents.json.
func DefaultRegistryPath() string {
	if dir := DataDir(); dir != "" {
		return filepath.Join(dir, "agents.json")
	}
	return ""
}

// DefaultHistoryDBPath returns ~/.agentdeck/history.db.
func DefaultHistoryDBPath() string {
	if dir := DataDir(); dir != "" {
		return filepath.Join(dir, "history.db")
	}
	return ""
}

// DefaultTracesFilePath returns ~/.config/agentdeck/traces/traces.jsonl.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agentdeck", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Claude: ClaudeConfig{
			Binary:             "claude",
			Model:              "",
			OutputFormat:       "stream-json",
			GracePeriodSeconds: 2,
		},
		Queue: QueueConfig{
			Enabled: false,
			MaxSize: 100,
		},
		Registry: RegistryConfig{
			Path:  DefaultRegistryPath(),
			Watch: true,
		},
		History: HistoryConfig{
			DBPath: DefaultHistoryDBPath(),
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		UI: UIConfig{
			MarkdownStyle: "dark",
		},
	}
}

// Validate checks the configuration for errors. Empty values fall back
// to defaults and are always valid.
func Validate(cfg Config) error {
	switch cfg.Claude.OutputFormat {
	case "", "stream-json", "json":
	default:
		return fmt.Errorf("claude.output_format must be \"stream-json\" or \"json\", got %q", cfg.Claude.OutputFormat)
	}

	if cfg.Claude.GracePeriodSeconds < 0 {
		return fmt.Errorf("claude.grace_period_seconds must not be negative, got %v", cfg.Claude.GracePeriodSeconds)
	}
	if cfg.Queue.MaxSize < 0 {
		return fmt.Errorf("queue.max_size must not be negative, got %d", cfg.Queue.MaxSize)
	}

	return ValidateTracing(cfg.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# Agentdeck Configuration

# Subprocess settings
claude:
  binary: claude            # Executable name or path
  # model: sonnet           # sonnet, opus, or haiku (omit for the CLI default)
  output_format: stream-json  # stream-json (default) or json
  grace_period_seconds: 2   # Graceful shutdown window before a forced kill
  # work_dir: /path/to/project
  # add_dirs:
  #   - /extra/dir
  # skip_permissions: false

# Message queue
queue:
  enabled: false   # Queue mode at startup; toggleable at runtime
  max_size: 100    # Per-agent queue cap

# Session registry (shared with external front-ends)
registry:
  # path: ~/.agentdeck/agents.json
  watch: true      # Reload when another process writes the file

# Turn history
history:
  # db_path: ~/.agentdeck/history.db

# Memory side-channel (optional)
# memory:
#   script: /path/to/memory-bank

# Turn tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # none, file, stdout, otlp (default: file)
#   file_path: ~/.config/agentdeck/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # For the otlp exporter
#   sample_rate: 1.0               # 0.0-1.0 (default: 1.0)

# UI settings
ui:
  markdown_style: dark   # Markdown rendering style: "dark" or "light"
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
