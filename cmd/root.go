package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pocketbrain/pocketbrain/internal/config"
	"github.com/pocketbrain/pocketbrain/internal/store"
)

// Version is set at build time via -ldflags "-X github.com/pocketbrain/pocketbrain/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "pocketbrain",
	Short: "PocketBrain — personal AI assistant control plane",
	Long: "PocketBrain connects messaging channels to an external agent runtime:\n" +
		"it persists conversations, batches inbound messages into agent prompts,\n" +
		"runs scheduled tasks, and applies agent-initiated actions through a\n" +
		"file-based IPC surface.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $POCKETBRAIN_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pocketbrain %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("POCKETBRAIN_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// loadConfig loads config and fails the process on error; CLI commands
// have nothing useful to do without one.
func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config) *store.Store {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		slog.Error("failed to open store", "path", cfg.DatabasePath(), "error", err)
		os.Exit(1)
	}
	return st
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
