package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-openai-bridge/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge service status",
	Run:   runStatus,
}

func runStatus(_ *cobra.Command, _ []string) {
	procMgr := process.NewManager(baseDir, logger)
	cfg := cfgMgr.Get()

	running := procMgr.IsRunning()

	color.Blue("Status for %s:", AppName)

	if running {
		fmt.Printf("  %-15s: %s\n", "Running", color.GreenString("yes"))
	} else {
		fmt.Printf("  %-15s: %s\n", "Running", color.RedString("no"))
	}

	fmt.Printf("  %-15s: %d\n", "PID", procMgr.ReadPID())
	fmt.Printf("  %-15s: %s\n", "Endpoint", "http://"+cfg.Addr()+"/v1")
	fmt.Printf("  %-15s: %s\n", "Backend", cfg.Backend.BaseURL)
	fmt.Printf("  %-15s: %s\n", "Decoder", cfg.Stream.Decoder)
	fmt.Printf("  %-15s: %d\n", "Custom aliases", len(cfg.ModelMapping))
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())
	fmt.Printf("  %-15s: %d\n", "References", procMgr.ReadRef())
	fmt.Printf("  %-15s: v%s\n", "Version", Version)
}
