package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/tidemq/tidemq/pkg/broker"
	"github.com/tidemq/tidemq/pkg/kv"
)

// Config is the yaml daemon configuration.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	AutoCreate  bool   `yaml:"auto_create"`
	MaxInflight int    `yaml:"max_inflight"`
	BackupSize  uint64 `yaml:"backup_size"`
	LogLevel    string `yaml:"log_level"`

	// NoSync disables fsync-per-write on the store. Queued messages may
	// be lost on power failure; only for throughput testing.
	NoSync bool `yaml:"no_sync"`
}

var (
	flagConfig  string
	flagDataDir string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker core",
	RunE:  runBroker,
}

func init() {
	runCmd.Flags().StringVarP(&flagConfig, "config", "f", "", "yaml config file")
	runCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "data directory (overrides config)")

	rootCmd.AddCommand(runCmd)
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		DataDir:    "data",
		AutoCreate: true,
		LogLevel:   "info",
	}
	if flagConfig != "" {
		data, err := os.ReadFile(flagConfig)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", flagConfig, err)
		}
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	return cfg, nil
}

func logLevel(cfg *Config) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch cfg.LogLevel {
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

func runBroker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg),
	})))
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := kv.NewBadger(kv.BadgerOptions{
		Dir:        cfg.DataDir,
		SyncWrites: !cfg.NoSync,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	b := broker.New(broker.Config{
		Store:       store,
		AutoCreate:  cfg.AutoCreate,
		MaxInflight: cfg.MaxInflight,
		BackupSize:  cfg.BackupSize,
	})
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Close()
	logger.Info("broker started", "dataDir", cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	return nil
}
