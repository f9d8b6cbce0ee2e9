package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-openai-bridge/internal/config"
	"github.com/mihaisavezi/claude-openai-bridge/internal/process"
)

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Run an OpenAI client against the bridge",
	Long: `Start the bridge if needed, then run the given command with OPENAI_BASE_URL and
OPENAI_API_KEY pointing at it. A bridge started this way stops when the last
command using it exits.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

// placeholderKey satisfies clients that refuse to start without a key.
const placeholderKey = "cob-local"

func runRun(_ *cobra.Command, args []string) error {
	procMgr := process.NewManager(baseDir, logger)
	cfg := cfgMgr.Get()

	startedByUs, err := procMgr.StartServiceIfNeeded()
	if err != nil {
		return err
	}

	procMgr.IncrementRef()

	defer func() {
		// only stop a service we started, once nobody else uses it
		if procMgr.DecrementRef() == 0 && startedByUs {
			color.Yellow("No more active sessions, stopping auto-started service...")

			if err := procMgr.Stop(); err != nil {
				logger.Warn("Failed to stop service", "error", err)
			}
		}
	}()

	child := exec.Command(args[0], args[1:]...)
	child.Env = bridgeEnv(os.Environ(), cfg)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	if err := child.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with status %d", args[0], exitErr.ExitCode())
		}

		return fmt.Errorf("run %s: %w", args[0], err)
	}

	return nil
}

// bridgeEnv points OpenAI clients at the bridge, replacing any existing
// endpoint or key settings.
func bridgeEnv(env []string, cfg *config.Config) []string {
	for _, key := range []string{"OPENAI_BASE_URL", "OPENAI_API_BASE", "OPENAI_API_KEY"} {
		env = filterEnv(env, key)
	}

	key := cfg.APIKey
	if key == "" {
		key = placeholderKey
	}

	endpoint := "http://" + cfg.Addr() + "/v1"

	return append(env,
		"OPENAI_BASE_URL="+endpoint,
		"OPENAI_API_BASE="+endpoint,
		"OPENAI_API_KEY="+key,
	)
}

func filterEnv(env []string, key string) []string {
	prefix := key + "="
	filtered := env[:0:0]

	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			filtered = append(filtered, e)
		}
	}

	return filtered
}
