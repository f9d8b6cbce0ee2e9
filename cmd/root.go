package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mihaisavezi/claude-openai-bridge/internal/config"
)

const (
	AppName = "claude-openai-bridge"
	Version = "0.1.0"

	// HomeEnv overrides the config directory.
	HomeEnv = "COB_HOME"
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	baseDir = os.Getenv(HomeEnv)
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			logger.Error("Failed to get home directory", "error", err)
			os.Exit(1)
		}

		baseDir = filepath.Join(homeDir, "."+AppName)
	}

	cfgMgr = config.NewManager(baseDir)
}

var rootCmd = &cobra.Command{
	Use:   "cob",
	Short: "Claude OpenAI Bridge - chat completions on top of Claude",
	Long: `A local bridge that accepts OpenAI-style chat completion requests, forwards them to
Anthropic's messages API and translates the answers back, streaming included.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logFile, _ := cmd.Flags().GetString("log-file")
		setupLogging(verbose, logFile)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringP("log-file", "l", "", "also write logs to this file (rotated)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(verbose bool, logFile string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout

	if logFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		})
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// ensureConfigExists accepts a missing file when the environment already
// names an upstream key.
func ensureConfigExists() error {
	if cfgMgr.Exists() || os.Getenv(config.EnvAPIKey) != "" {
		return nil
	}

	color.Yellow("Configuration not found at %s", cfgMgr.GetPath())
	fmt.Println("Run 'cob config init' or set " + config.EnvAPIKey + " to get started.")

	return fmt.Errorf("configuration required")
}
