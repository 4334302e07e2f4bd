package main

import (
	"fmt"
	"os"

	"github.com/fgeck/fleet-shutdown/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without connecting to any host.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	out := cmd.OutOrStdout()

	// Print configuration summary
	_, _ = fmt.Fprintln(out, "Configuration is valid!")
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Summary:")
	_, _ = fmt.Fprintf(out, "  Gateway: %s@%s:%d\n", cfg.Gateway.User, cfg.Gateway.Host, cfg.Gateway.Port)
	_, _ = fmt.Fprintf(out, "  Fleets: %d\n", len(cfg.Fleets))
	_, _ = fmt.Fprintf(out, "  Hosts: %d\n", cfg.Hosts())
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Run Settings:")
	_, _ = fmt.Fprintf(out, "  Power-off command: %s\n", cfg.Run.PowerOffCommand)
	_, _ = fmt.Fprintf(out, "  Node shutdown timeout: %s\n", cfg.Run.NodeShutdownTimeout)
	_, _ = fmt.Fprintf(out, "  Poll interval: %s\n", cfg.Run.PollInterval)
	_, _ = fmt.Fprintf(out, "  Strict: %v\n", cfg.Run.Strict)
	_, _ = fmt.Fprintf(out, "  Preflight: %v\n", cfg.Run.Preflight)
	_, _ = fmt.Fprintf(out, "  Diagnose: %v\n", cfg.Run.Diagnose)
	if cfg.Run.KnownHostsPath != "" {
		_, _ = fmt.Fprintf(out, "  Known hosts: %s\n", cfg.Run.KnownHostsPath)
	} else {
		_, _ = fmt.Fprintln(out, "  Known hosts: (not verified)")
	}

	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Shutdown Order:")
	_, _ = fmt.Fprintln(out, targetsTable(cfg))

	if cfg.Telegram != nil {
		_, _ = fmt.Fprintln(out)
		_, _ = fmt.Fprintln(out, "Telegram Configuration:")
		_, _ = fmt.Fprintf(out, "  Chat ID: %s\n", cfg.Telegram.ChatID)
		_, _ = fmt.Fprintln(out, "  Bot Token: (configured)")
	}

	return nil
}
