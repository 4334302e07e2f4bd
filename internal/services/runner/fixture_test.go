package runner

import (
	"context"
	"testing"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/fgeck/fleet-shutdown/internal/services/diagnose"
	"github.com/fgeck/fleet-shutdown/internal/services/events"
	"github.com/fgeck/fleet-shutdown/internal/services/probe"
	"github.com/fgeck/fleet-shutdown/internal/services/shutdown"
	"github.com/fgeck/fleet-shutdown/internal/services/ssh"
	"github.com/fgeck/fleet-shutdown/internal/testutil/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureTimeouts() models.Timeouts {
	return models.Timeouts{
		Connect:     2 * time.Second,
		Handshake:   2 * time.Second,
		ChannelOpen: 2 * time.Second,
		Command:     2 * time.Second,
		Probe:       time.Second,
		DiagCommand: time.Second,
		NC:          time.Second,
	}
}

// newFleet builds gateway g, fleet a with nodes a1 and a2, fleet b without
// nodes. Fleet hosts require sudo with their login password.
func newFleet(t *testing.T, tweak func(*sshtest.Host)) (*sshtest.Network, models.Plan) {
	t.Helper()

	key, pub := sshtest.GenerateKey(t)
	network := sshtest.NewNetwork(t)

	hosts := []sshtest.Host{
		{Name: "g", User: "admin", AuthorizedKey: pub},
		{Name: "a", User: "ops", Password: "pw", SudoPassword: "pw"},
		{Name: "a1", User: "ops", Password: "pw", SudoPassword: "pw"},
		{Name: "a2", User: "ops", Password: "pw", SudoPassword: "pw", DropOnPowerOff: true},
		{Name: "b", User: "ops", Password: "pw", SudoPassword: "pw"},
	}
	for _, h := range hosts {
		if tweak != nil {
			tweak(&h)
		}
		network.Add(h)
	}

	plan := models.Plan{
		Gateway: models.GatewayConfig{Host: "g", Port: 22, User: "admin", Key: models.KeyCredential(key, nil)},
		Fleets: []models.FleetConfig{
			{Name: "a", Port: 22, User: "ops", Password: models.PasswordCredential("pw"), NeedsSudoPassword: true, Nodes: []string{"a1", "a2"}},
			{Name: "b", Port: 22, User: "ops", Password: models.PasswordCredential("pw"), NeedsSudoPassword: true},
		},
		Run: models.RunConfig{
			PowerOffCommand:     sshtest.DefaultPowerOffCommand,
			NodeShutdownTimeout: 2 * time.Second,
			PollInterval:        50 * time.Millisecond,
			Strict:              true,
			Diagnose:            true,
		},
		Timeouts: fixtureTimeouts(),
	}
	return network, plan
}

func fixtureRunner(network *sshtest.Network, plan models.Plan, rec *events.Recorder) *Impl {
	logger := testLogger()
	return NewWithServices(
		logger,
		ssh.NewWithFactories(logger, plan.Timeouts, "", network, &ssh.DefaultClientFactory{}),
		shutdown.New(logger, plan.Run.PowerOffCommand, plan.Timeouts.Command),
		shutdown.NewDryRun(logger, plan.Run.PowerOffCommand),
		probe.New(logger),
		diagnose.New(logger, plan.Timeouts),
		nil,
		rec,
	)
}

func powerOffs(network *sshtest.Network) []string {
	var out []string
	for _, e := range network.Executed() {
		if e.Command == sshtest.DefaultPowerOffCommand {
			out = append(out, e.String())
		}
	}
	return out
}

func TestFixture_ShutsDownFleetInOrder(t *testing.T) {
	network, plan := newFleet(t, nil)
	rec := &events.Recorder{}

	report, err := fixtureRunner(network, plan, rec).Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeCompleted, report.Outcome, "warnings: %v, err: %v", report.Warnings, report.Err)
	assert.Equal(t, []string{
		"a1: sudo shutdown -h now",
		"a2: sudo shutdown -h now",
		"a: sudo shutdown -h now",
		"b: sudo shutdown -h now",
		"g: shutdown -h now",
	}, powerOffs(network))

	for _, name := range []string{"a1", "a2", "a", "b", "g"} {
		assert.True(t, network.IsDown(name), name)
	}
	assert.Equal(t, []string{"a1", "a2", "a", "b"}, report.HostsWithStatus(models.StatusDown))
	assert.Equal(t, models.StatusShutdownIssued, report.Host("g").Status)

	// a2 dropped the connection without an exit status; that is still success
	assert.Empty(t, report.Host("a2").Note)
}

func TestFixture_DryRunLeavesEverythingUp(t *testing.T) {
	network, plan := newFleet(t, nil)
	plan.Run.DryRun = true
	rec := &events.Recorder{}

	report, err := fixtureRunner(network, plan, rec).Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeCompleted, report.Outcome)
	assert.Empty(t, network.Executed())
	for _, name := range []string{"a1", "a2", "a", "b", "g"} {
		assert.False(t, network.IsDown(name), name)
		assert.Equal(t, models.StatusDryRun, report.Host(name).Status, name)
	}
	// every hop was still authenticated
	assert.Len(t, rec.OfKind(models.EventConnected), 5)
}

func TestFixture_LenientToleratesHostThatStaysUp(t *testing.T) {
	network, plan := newFleet(t, func(h *sshtest.Host) {
		if h.Name == "a1" {
			h.StayUp = true
		}
	})
	plan.Run.Strict = false
	plan.Run.NodeShutdownTimeout = 300 * time.Millisecond
	rec := &events.Recorder{}

	report, err := fixtureRunner(network, plan, rec).Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeCompletedWithWarnings, report.Outcome)
	assert.Equal(t, models.StatusTimedOutTolerated, report.Host("a1").Status)
	assert.Len(t, powerOffs(network), 5)
	assert.NotEmpty(t, rec.OfKind(models.EventProbeTick))
}

func TestFixture_StrictAbortsWhenHostStaysUp(t *testing.T) {
	network, plan := newFleet(t, func(h *sshtest.Host) {
		if h.Name == "a1" {
			h.StayUp = true
		}
	})
	plan.Run.NodeShutdownTimeout = 300 * time.Millisecond
	rec := &events.Recorder{}

	report, err := fixtureRunner(network, plan, rec).Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAborted, report.Outcome)
	assert.Equal(t, []string{"a1: sudo shutdown -h now"}, powerOffs(network))
	assert.False(t, network.IsDown("g"))
}

func TestFixture_UnknownNodeIsDiagnosed(t *testing.T) {
	network, plan := newFleet(t, nil)
	plan.Fleets[0].Nodes = []string{"a1", "ghost", "a2"}
	plan.Run.Strict = false
	rec := &events.Recorder{}

	report, err := fixtureRunner(network, plan, rec).Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeCompletedWithWarnings, report.Outcome)
	assert.Equal(t, models.StatusUnreachable, report.Host("ghost").Status)
	require.Len(t, report.Issues, 1)
	issue := report.Issues[0]
	assert.Equal(t, "a", issue.Via)
	assert.Equal(t, "ghost", issue.Target)
	assert.Equal(t, "name resolution failed", issue.Reason)
	require.NotNil(t, issue.Diagnosis)
	assert.False(t, *issue.Diagnosis.DNSOK)
	assert.Len(t, powerOffs(network), 5)
}
