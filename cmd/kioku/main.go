package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/common/environment"
	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/app"
	"github.com/bdobrica/kioku/internal/kioku/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kioku",
	Short: "kioku - conversation state and memory-cache engine",
	Long: "kioku keeps layered per-correspondent conversational memory, an LRU\n" +
		"reply cache with durable spill, and an admission gate, and orchestrates\n" +
		"each inbound message through gating, context build, generation and commit.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with its admin server and maintenance jobs",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and exit",
	RunE:  runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the configuration file (default $KIOKU_CONFIG or kioku.yaml)")
	rootCmd.AddCommand(serveCmd, checkCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath applies the flag, the environment and the default, in
// that order.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return environment.StringOr("KIOKU_CONFIG", "kioku.yaml")
}

// loadConfig reads the file at the resolved path. A missing file is not an
// error for serve: the engine starts with defaults plus KIOKU_* overrides.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Printf("Kioku Conversation Engine\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	path := resolveConfigPath()
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	watchPath := ""
	if _, err := os.Stat(path); err == nil {
		watchPath = path
	}

	a, err := app.New(cfg, app.Options{
		ConfigPath: watchPath,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	return a.Run(ctx)
}

func runCheck(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", path)
	fmt.Printf("  data_dir:    %s\n", cfg.DataDir)
	fmt.Printf("  log_level:   %s\n", cfg.LogLevel)
	fmt.Printf("  admin:       %s\n", orDisabled(cfg.AdminListen()))
	fmt.Printf("  webhook:     %s\n", orDisabled(cfg.Notify.WebhookURL))
	fmt.Printf("  cache:       %d entries, reply ttl %ds\n",
		cfg.Cache.Capacity, cfg.Cache.ReplyTTLSeconds)
	fmt.Printf("  gate:        %d msgs / %ds, spam threshold %.2f\n",
		cfg.Gate.RateLimitMaxMessages, cfg.Gate.RateLimitWindowSeconds, cfg.Gate.SpamThreshold)
	return nil
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
