package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/confsyncd/internal/api"
	"github.com/schaermu/confsyncd/internal/config"
	"github.com/schaermu/confsyncd/internal/deploy"
	"github.com/schaermu/confsyncd/internal/git"
	"github.com/schaermu/confsyncd/internal/metrics"
	"github.com/schaermu/confsyncd/internal/notify"
	"github.com/schaermu/confsyncd/internal/repo"
	"github.com/schaermu/confsyncd/internal/status"
	"github.com/schaermu/confsyncd/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string

	syncReason string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "confsyncd",
	Short: "Keep a configuration directory in sync with a Git branch",
	Long: `confsyncd mirrors the head of a Git branch into a target directory,
copying only the files that changed between revisions.

Malformed YAML, JSON and TOML files are rejected before they reach the target.
After each deploy the configuration can be checked by Home Assistant, and
outcomes are reported as Home Assistant events and MQTT messages.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run performs an optional startup sync, then polls the repository at the
configured interval. The HTTP API exposes status, manual syncs, metrics and the
optional GitHub push webhook.`,
	RunE: runDaemon,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync and print the resulting status",
	RunE:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of the last completed sync",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("confsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/confsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the config is parsed")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().StringVar(&syncReason, "reason", sync.ReasonCLI, "reason recorded for this sync")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// daemon bundles the wired components
type daemon struct {
	cfg          *config.Config
	orchestrator *sync.Orchestrator
	metrics      *metrics.Metrics
	store        *status.Store
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(cmd.ErrOrStderr())
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}

	apiErr := make(chan error, 1)
	if cfg.ListenAddr() != "" {
		server, err := api.NewServer(cfg, d.orchestrator, d.metrics, logger)
		if err != nil {
			return err
		}
		go func() { apiErr <- server.Start(ctx) }()
	} else {
		close(apiErr)
	}

	logger.Info("starting sync daemon",
		"branch", cfg.Repo.Branch,
		"target_dir", cfg.Paths.TargetDir,
		"poll_interval", cfg.Sync.PollInterval)

	runErr := make(chan error, 1)
	go func() { runErr <- d.orchestrator.Run(ctx) }()

	select {
	case err := <-runErr:
		cancel()
		return errors.Join(err, <-apiErr)
	case err, ok := <-apiErr:
		if ok && err != nil {
			logger.Error("api server failed", "error", err)
			cancel()
			return errors.Join(err, <-runErr)
		}
		return <-runErr
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(cmd.ErrOrStderr())
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return syncOnce(ctx, d, syncReason, cmd.OutOrStdout())
}

// syncOnce runs one pipeline and prints the resulting status. The run error
// is returned so the process exits non-zero.
func syncOnce(ctx context.Context, d *daemon, reason string, w io.Writer) error {
	st, runErr := d.orchestrator.Trigger(ctx, reason)
	if err := printJSON(w, st); err != nil {
		return err
	}
	return runErr
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger(cmd.ErrOrStderr())
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return printStatus(status.NewStore(cfg.StateFilePath()), cmd.OutOrStdout())
}

func printStatus(store *status.Store, w io.Writer) error {
	persisted, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if persisted == nil {
		return fmt.Errorf("no sync recorded yet (%s does not exist)", store.Path())
	}
	return printJSON(w, persisted)
}

// newDaemon wires every component from cfg
func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	backend, err := git.New(cfg.Repo.Backend, cfg.RepoDir(), git.Options{InsecureSkipTLS: !cfg.VerifyTLS()})
	if err != nil {
		return nil, err
	}
	token, err := cfg.GitToken()
	if err != nil {
		return nil, err
	}
	handle := repo.New(cfg.RepoDir(), repo.Options{
		URL:    cfg.Repo.URL,
		Branch: cfg.Repo.Branch,
		Depth:  cfg.Depth(),
		Token:  token,
	}, backend, logger)

	store := status.NewStore(cfg.StateFilePath())
	var last *status.SyncMetadata
	persisted, err := store.Load()
	if err != nil {
		logger.Warn("ignoring unreadable state file", "path", store.Path(), "error", err)
	} else if persisted != nil {
		last = persisted.LastSync
	}

	m := metrics.New()
	orch := sync.NewOrchestrator(sync.Options{
		PollInterval:    cfg.Sync.PollInterval,
		RunOnStartup:    cfg.RunOnStartup(),
		NotifyOnStartup: cfg.NotifyOnStartup(),
		ValidateConfig:  cfg.ValidateConfig(),
	}, sync.Deps{
		Repo:     handle,
		Deployer: deploy.New(cfg.RepoDir(), cfg.Paths.TargetDir, logger),
		Sink:     notify.New(cfg, logger),
		Tracker:  status.NewTracker(last),
		Store:    store,
		Metrics:  m,
	}, logger)

	return &daemon{cfg: cfg, orchestrator: orch, metrics: m, store: store}, nil
}

// setupLogger logs to w, which is stderr for every command so the JSON
// printed by sync and status owns stdout.
func setupLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "confsyncd", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"branch", cfg.Repo.Branch,
		"backend", cfg.Repo.Backend,
		"auth", cfg.AuthMethod(),
		"target_dir", cfg.Paths.TargetDir,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
