package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool
	logDir     string
	noLogFile  bool

	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "fleet-shutdown",
	Short: "Orderly multi-hop SSH shutdown of a lab fleet",
	Long: `fleet-shutdown powers off a fleet of machines reachable only through SSH
relays, in dependency order:
  - every node, through its workstation
  - every workstation, through the gateway, once its nodes are confirmed down
  - the gateway itself, last

Each host is confirmed unreachable before the host it was reached through is
shut down.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd.Name() == runCmd.Name())
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "logs", "directory for per-run log files")
	rootCmd.PersistentFlags().BoolVar(&noLogFile, "no-log-file", false, "do not write a per-run log file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

// setupLogging configures the console logger and, for runs, tees every
// event into logs/shutdown_<timestamp>.log.
func setupLogging(withFile bool) error {
	var console io.Writer
	if jsonOutput {
		console = os.Stdout
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		console = output
	}

	// Set log level
	level := zerolog.InfoLevel
	switch {
	case quiet:
		level = zerolog.ErrorLevel
	case verbose:
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	writer := io.Writer(&zerolog.FilteredLevelWriter{
		Writer: zerolog.LevelWriterAdapter{Writer: console},
		Level:  level,
	})

	if withFile && !noLogFile {
		f, err := openLogFile(logDir, time.Now())
		if err != nil {
			return err
		}
		logFile = f
		// the file always gets debug detail, whatever the console shows
		writer = zerolog.MultiLevelWriter(writer, f)
	}

	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
	if logFile != nil {
		log.Debug().Str("file", logFile.Name()).Msg("writing run log")
	}
	return nil
}

func openLogFile(dir string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("shutdown_%s.log", now.Format("20060102_150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

func closeLogFile() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// exitError carries a process exit code without an error message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
