package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/config"
	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(models.OutcomeCompleted))
	assert.Equal(t, 2, exitCode(models.OutcomeCompletedWithWarnings))
	assert.Equal(t, 1, exitCode(models.OutcomeAborted))
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"YES\n", true},
		{"  YES  \n", true},
		{"yes\n", false},
		{"y\n", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var out bytes.Buffer
			ok, err := confirm(strings.NewReader(tt.input), &out, 4)

			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
			assert.Contains(t, out.String(), "power off 4 hosts")
		})
	}
}

func TestApplyRunFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(runCmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{"--dry-run", "--node-timeout", "2m", "--non-strict"}))

	cfg := &config.Config{Run: models.RunConfig{Strict: true, NodeShutdownTimeout: 10 * time.Minute, PollInterval: 5 * time.Second}}
	applyRunFlags(cmd, cfg)

	assert.True(t, cfg.Run.DryRun)
	assert.False(t, cfg.Run.Strict)
	assert.Equal(t, 2*time.Minute, cfg.Run.NodeShutdownTimeout)
	assert.Equal(t, 5*time.Second, cfg.Run.PollInterval)
	assert.False(t, cfg.Run.Preflight)
}

func TestTargetsTable_ShutdownOrder(t *testing.T) {
	cfg := &config.Config{
		Gateway: config.GatewayFile{Host: "g", User: "admin"},
		Fleets: []config.FleetFile{
			{Name: "a", User: "ops", Nodes: []string{"a1", "a2"}},
			{Name: "b", User: "ops"},
		},
	}

	lines := strings.Split(targetsTable(cfg).String(), "\n")

	require.Len(t, lines, 6)
	for i, host := range []string{"a1", "a2", "a", "b", "g"} {
		assert.Equal(t, host, strings.Fields(lines[i+1])[1])
	}
}
