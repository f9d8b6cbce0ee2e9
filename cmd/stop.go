package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-openai-bridge/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the bridge service",
	Long:  `Stop a bridge started with 'cob start' or by 'cob run'.`,
	RunE:  runStop,
}

func runStop(_ *cobra.Command, _ []string) error {
	procMgr := process.NewManager(baseDir, logger)

	if !procMgr.IsRunning() {
		color.Yellow("%s is not running", AppName)
		return nil
	}

	color.Yellow("Stopping %s (pid %d)...", AppName, procMgr.ReadPID())

	if err := procMgr.Stop(); err != nil {
		return err
	}

	procMgr.CleanupRef()

	color.Green("Service stopped successfully")

	return nil
}
