package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/config"
	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/fgeck/fleet-shutdown/internal/services/runner"
	"github.com/gosuri/uitable"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	dryRun       bool
	nodeTimeout  time.Duration
	pollInterval time.Duration
	nonStrict    bool
	preflight    bool
	assumeYes    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Shut down the fleet",
	Long: `Shut down every host of the configured fleet:
1. Connect to the gateway
2. Check every workstation is reachable (with --preflight)
3. For each fleet, shut down its nodes, then the workstation
4. Confirm each host is unreachable before moving up a hop
5. Shut down the gateway
6. Send Telegram notification (if configured)

Exit status is 0 when every host went down, 2 when the run completed with
warnings and 1 when it was aborted.`,
	RunE: runShutdown,
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "connect and authenticate everywhere but send no power-off command")
	runCmd.Flags().DurationVar(&nodeTimeout, "node-timeout", 0, "how long to wait for a host to go down (overrides node_shutdown_timeout)")
	runCmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "probe interval (overrides poll_interval)")
	runCmd.Flags().BoolVar(&nonStrict, "non-strict", false, "continue past hosts that do not go down or cannot be reached")
	runCmd.Flags().BoolVar(&preflight, "preflight", false, "check every workstation is reachable before shutting anything down")
	runCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
}

func runShutdown(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}

	applyRunFlags(cmd, cfg)

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("gateway", cfg.Gateway.Host).
		Int("fleets", len(cfg.Fleets)).
		Int("hosts", cfg.Hosts()).
		Bool("dry_run", cfg.Run.DryRun).
		Msg("configuration loaded")

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, targetsTable(cfg))

	if !cfg.Run.DryRun && !assumeYes {
		ok, err := confirm(cmd.InOrStdin(), out, cfg.Hosts())
		if err != nil {
			return err
		}
		if !ok {
			log.Warn().Msg("shutdown not confirmed, nothing was done")
			return &exitError{code: 1}
		}
	}

	plan, err := config.NewResolver(config.NewTerminalPrompter()).Resolve(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve credentials")
		return err
	}

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, stopping after the current step")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run shutdown
	runnerSvc := runner.New(log.Logger, *plan, nil)
	report, err := runnerSvc.Run(ctx, *plan)
	if err != nil {
		log.Error().Err(err).Msg("shutdown run failed")
		return err
	}

	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, summaryTable(report))

	if code := exitCode(report.Outcome); code != 0 {
		return &exitError{code: code}
	}

	log.Info().Str("run_id", report.RunID).Msg("shutdown completed successfully")
	return nil
}

// applyRunFlags lets command line flags override the config file.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("dry-run") {
		cfg.Run.DryRun = dryRun
	}
	if flags.Changed("node-timeout") {
		cfg.Run.NodeShutdownTimeout = nodeTimeout
	}
	if flags.Changed("poll-interval") {
		cfg.Run.PollInterval = pollInterval
	}
	if flags.Changed("non-strict") && nonStrict {
		cfg.Run.Strict = false
	}
	if flags.Changed("preflight") {
		cfg.Run.Preflight = preflight
	}
}

func confirm(in io.Reader, out io.Writer, hosts int) (bool, error) {
	_, _ = fmt.Fprintf(out, "This will power off %d hosts. Type YES to continue: ", hosts)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	return strings.TrimSpace(line) == "YES", nil
}

func exitCode(outcome models.RunOutcome) int {
	switch outcome {
	case models.OutcomeCompleted:
		return 0
	case models.OutcomeCompletedWithWarnings:
		return 2
	default:
		return 1
	}
}

func targetsTable(cfg *config.Config) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 50
	table.Wrap = true

	table.AddRow("ORDER", "HOST", "ROLE", "VIA", "USER", "SUDO")
	order := 1
	for _, f := range cfg.Fleets {
		sudo := f.NeedsSudoPassword == nil || *f.NeedsSudoPassword
		for _, node := range f.Nodes {
			table.AddRow(order, node, models.RoleNode, f.Name, f.User, sudo)
			order++
		}
		table.AddRow(order, f.Name, models.RoleWorkstation, cfg.Gateway.Host, f.User, sudo)
		order++
	}
	table.AddRow(order, cfg.Gateway.Host, models.RoleGateway, "", cfg.Gateway.User, cfg.Gateway.NeedsSudoPassword)
	return table
}

func summaryTable(report *models.RunReport) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true

	table.AddRow("HOST", "ROLE", "FLEET", "STATUS", "NOTE")
	for _, h := range report.Hosts {
		table.AddRow(h.Name, h.Role, h.Fleet, h.Status, h.Note)
	}
	table.AddRow("", "", "", "", "")
	table.AddRow("Run", report.RunID, "", report.Outcome, report.Duration.Round(time.Second))
	for _, issue := range report.Issues {
		table.AddRow("Issue", issue.Target, issue.Via, issue.Reason, issue.Hint)
	}
	return table
}
