package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"taskwarden/internal/config"
)

// configCmd manages the warden configuration file
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and manage the configuration",
	Long: `Inspect and manage the warden configuration file.

Available subcommands:
  show  - Print the effective configuration
  init  - Write a default configuration file
  watch - Watch the configuration file and report hot reloads`,
}

// configShowCmd prints the effective configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration as loaded: file values over defaults,
with environment overrides applied.`,
	RunE: runConfigShow,
}

// configInitCmd writes the defaults to the config path
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Writes the default configuration to the configured path. Refuses
to overwrite an existing file.`,
	RunE: runConfigInit,
}

// configWatchCmd hot-reloads the config file until interrupted
var configWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the configuration file and report hot reloads",
	Long: `Watches the configuration file and reloads it on every save.
Edits that fail to parse or validate are rejected and the previous
configuration stays current. Stop with Ctrl-C.`,
	RunE: runConfigWatch,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configWatchCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("config file already exists: %s", cfgPath)
	}
	if err := config.DefaultConfig().Save(cfgPath); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", cfgPath)
	return nil
}

func runConfigWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(cfgPath, func(c *config.Config) {
		fmt.Printf("reloaded: %s (deadline %s, %d checks)\n",
			cfgPath, c.Verification.Deadline, len(c.Verification.Checks))
	}, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", cfgPath)
	<-ctx.Done()
	watcher.Stop()

	stats := watcher.Stats()
	logger.Info("Config watch finished",
		zap.Int("reloads", stats.Reloads),
		zap.Int("rejected", stats.Rejected))
	return nil
}
