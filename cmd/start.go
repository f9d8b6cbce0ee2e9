package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-openai-bridge/internal/process"
	"github.com/mihaisavezi/claude-openai-bridge/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge service",
	Long:  `Start the bridge in the foreground. It stops on SIGINT or SIGTERM.`,
	RunE:  runStart,
}

func runStart(_ *cobra.Command, _ []string) error {
	if err := ensureConfigExists(); err != nil {
		return err
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	procMgr := process.NewManager(baseDir, logger)
	if procMgr.IsRunning() {
		color.Yellow("%s is already running (pid %d)", AppName, procMgr.ReadPID())
		return nil
	}

	color.Green("Starting %s v%s on http://%s", AppName, Version, cfg.Addr())
	logger.Info("Starting bridge",
		"host", cfg.Host,
		"port", cfg.Port,
		"backend", cfg.Backend.BaseURL,
		"config", cfgMgr.GetPath(),
	)

	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	return server.New(cfgMgr, Version, logger).Start()
}
