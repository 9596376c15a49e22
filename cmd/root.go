// Package cmd wires configuration, the orchestration engine, and the
// chat TUI behind a cobra command tree.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentdeck/internal/agent"
	"agentdeck/internal/config"
	"agentdeck/internal/history"
	"agentdeck/internal/log"
	"agentdeck/internal/memory"
	"agentdeck/internal/orchestration/orchestrator"
	"agentdeck/internal/orchestration/queue"
	"agentdeck/internal/orchestration/runner"
	"agentdeck/internal/registry"
	"agentdeck/internal/tracing"
	"agentdeck/internal/ui/chat"
)

func init() {
	// Force lipgloss/termenv to query terminal background color BEFORE
	// any Bubble Tea program starts. This prevents the terminal's OSC 11
	// response from racing with Bubble Tea's input loop and appearing as
	// garbage text in input fields.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version   = "dev"
	cfgFile   string
	debugFile string
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "agentdeck",
	Short:   "A terminal chat for named Claude agents",
	Long:    `A terminal chat multiplexing named agent conversations over Claude CLI subprocesses, with per-agent session resumption, message queueing, and turn history.`,
	Version: version,
	RunE:    runApp,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/agentdeck/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&debugFile, "debug", "",
		"write a debug log to the given file")
	rootCmd.Flags().String("model", "",
		"claude model (sonnet, opus, haiku)")
	rootCmd.Flags().Bool("queue", false,
		"start with queue mode on")

	_ = viper.BindPFlag("claude.model", rootCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("queue.enabled", rootCmd.Flags().Lookup("queue"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("claude.binary", defaults.Claude.Binary)
	viper.SetDefault("claude.output_format", defaults.Claude.OutputFormat)
	viper.SetDefault("claude.grace_period_seconds", defaults.Claude.GracePeriodSeconds)
	viper.SetDefault("queue.enabled", defaults.Queue.Enabled)
	viper.SetDefault("queue.max_size", defaults.Queue.MaxSize)
	viper.SetDefault("registry.path", defaults.Registry.Path)
	viper.SetDefault("registry.watch", defaults.Registry.Watch)
	viper.SetDefault("history.db_path", defaults.History.DBPath)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("ui.markdown_style", defaults.UI.MarkdownStyle)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .agentdeck/config.yaml (current directory)
		// 2. ~/.config/agentdeck/config.yaml (user config)
		if _, err := os.Stat(".agentdeck/config.yaml"); err == nil {
			viper.SetConfigFile(".agentdeck/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "agentdeck"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create a commented default.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			home, homeErr := os.UserHomeDir()
			if homeErr == nil {
				defaultPath := filepath.Join(home, ".config", "agentdeck", "config.yaml")
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

func runApp(cmd *cobra.Command, args []string) error {
	if debugFile != "" {
		cleanup, err := log.Init(debugFile)
		if err != nil {
			return fmt.Errorf("opening debug log: %w", err)
		}
		defer cleanup()
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	reg := registry.New(cfg.Registry.Path)
	dir := agent.NewDirectory(reg)
	defer dir.Close()

	var store *history.Store
	if cfg.History.DBPath != "" {
		db, err := history.NewDB(cfg.History.DBPath)
		if err != nil {
			return fmt.Errorf("opening history database: %w", err)
		}
		defer db.Close()
		store = history.NewStore(db)
	}

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  "agentdeck",
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if err := tracer.Shutdown(cmd.Context()); err != nil {
			log.ErrorErr(log.CatTrace, "Tracer shutdown failed", err)
		}
	}()

	run := runner.New(runner.Config{
		Binary:          cfg.Claude.Binary,
		Model:           cfg.Claude.Model,
		Mode:            runnerMode(cfg.Claude.OutputFormat),
		WorkDir:         cfg.Claude.WorkDir,
		AddDirs:         cfg.Claude.AddDirs,
		SkipPermissions: cfg.Claude.SkipPermissions,
		GracePeriod:     time.Duration(cfg.Claude.GracePeriodSeconds * float64(time.Second)),
	})

	coord := queue.NewCoordinator(cfg.Queue.MaxSize)
	defer coord.Close()
	coord.SetQueueMode(cfg.Queue.Enabled)

	orch := orchestrator.New(orchestrator.Options{
		Directory: dir,
		Runner:    run,
		Queue:     coord,
		Registry:  reg,
		History:   store,
		Memory:    memory.NewClient(cfg.Memory.Script),
		Tracing:   tracer,
	})
	defer orch.Close()

	if err := orch.Restore(); err != nil {
		log.ErrorErr(log.CatRegistry, "Agent restore failed", err, "path", cfg.Registry.Path)
	}

	stopWatch, err := watchRegistry(reg, cfg.Registry)
	if err != nil {
		log.ErrorErr(log.CatRegistry, "Registry watch failed", err, "path", cfg.Registry.Path)
	} else if stopWatch != nil {
		defer stopWatch()
	}

	configFilePath := viper.ConfigFileUsed()
	model := chat.New(chat.Config{
		Orchestrator:  orch,
		MarkdownStyle: cfg.UI.MarkdownStyle,
		SaveQueueMode: queueModeSaver(configFilePath),
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running program: %w", err)
	}
	return nil
}

// runnerMode maps the configured output format onto a runner mode.
func runnerMode(outputFormat string) runner.Mode {
	if outputFormat == "json" {
		return runner.ModeBlocking
	}
	return runner.ModeStreaming
}

// queueModeSaver persists queue-mode toggles to the loaded config file.
// Returns nil (no persistence) when no config file is in use.
func queueModeSaver(configFilePath string) chat.QueueModeSaver {
	if configFilePath == "" {
		return nil
	}
	return func(enabled bool) error {
		return config.SaveQueueMode(configFilePath, enabled)
	}
}

// watchRegistry reloads the registry when another process rewrites it.
func watchRegistry(reg *registry.Registry, rc config.RegistryConfig) (func(), error) {
	if !rc.Watch || rc.Path == "" {
		return nil, nil
	}

	w, err := registry.NewWatcher(rc.Path, registry.DefaultDebounce)
	if err != nil {
		return nil, err
	}
	changes, err := w.Start()
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				if err := reg.Reload(); err != nil {
					log.ErrorErr(log.CatRegistry, "Registry reload failed", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		_ = w.Stop()
	}, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
