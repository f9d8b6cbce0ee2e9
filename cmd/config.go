package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mihaisavezi/claude-openai-bridge/internal/config"
	"github.com/mihaisavezi/claude-openai-bridge/internal/modelmap"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the bridge configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration with secrets masked",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var configModelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List model aliases and the upstream models they resolve to",
	RunE:  runConfigModels,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configModelsCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("Claude OpenAI Bridge Configuration Setup")

	if cfgMgr.Exists() {
		color.Yellow("Existing configuration at %s will be overwritten.", cfgMgr.GetPath())
	}

	cfg, err := promptConfig(cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("You can now start the bridge with: cob start")

	return nil
}

// promptConfig reads answers line by line; an empty answer keeps the default.
func promptConfig(in io.Reader, out io.Writer) (*config.Config, error) {
	reader := bufio.NewReader(in)

	ask := func(label, def string) string {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}

		line, _ := reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			return line
		}

		return def
	}

	cfg := &config.Config{Host: config.DefaultHost}
	cfg.Stream.Decoder = config.DecoderNative

	cfg.Backend.APIKey = ask("Anthropic API Key", os.Getenv(config.EnvAPIKey))
	cfg.Backend.BaseURL = ask("Anthropic Base URL", config.DefaultBaseURL)
	cfg.APIKey = ask("Bridge API Key (optional, required from clients)", "")

	port, err := strconv.Atoi(ask("Port", strconv.Itoa(config.DefaultPort)))
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	cfg.Port = port

	return cfg, nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if !cfgMgr.Exists() {
		color.Yellow("No configuration file found, showing defaults and environment.")
	}

	color.Blue("Current Configuration (%s):", cfgMgr.GetPath())

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)

	if err := enc.Encode(cfg.Redacted()); err != nil {
		return err
	}

	return enc.Close()
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		color.Red("Configuration is invalid:")

		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("  - %s\n", line)
		}

		return fmt.Errorf("validation failed")
	}

	color.Green("Configuration is valid")

	return nil
}

func runConfigModels(cmd *cobra.Command, _ []string) error {
	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	mapper := modelmap.New()
	mapper.SetMapping(cfg.ModelMapping)

	writeAliasTable(cmd.OutOrStdout(), mapper, cfg.ModelMapping)

	return nil
}

func writeAliasTable(out io.Writer, mapper *modelmap.Mapper, custom map[string]string) {
	fmt.Fprintf(out, "%-26s %-32s %s\n", "ALIAS", "MODEL", "NOTES")

	for _, alias := range mapper.Aliases() {
		var notes []string
		if _, ok := custom[alias]; ok {
			notes = append(notes, "custom")
		}

		if mapper.IsReasoningAlias(alias) {
			notes = append(notes, "reasoning")
		}

		fmt.Fprintf(out, "%-26s %-32s %s\n", alias, mapper.Resolve(alias), strings.Join(notes, ","))
	}
}
