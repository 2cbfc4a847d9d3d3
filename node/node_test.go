package node

import (
	"context"
	"flag"
	"strings"
	"testing"

	"github.com/questline/questline/cmd"
	"github.com/questline/questline/cmd/questline/flags"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/events"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/ratelimit"
	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
	"github.com/questline/questline/webhooks"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/urfave/cli/v2"
)

func testFlagSet(t *testing.T) *flag.FlagSet {
	set := flag.NewFlagSet("test", 0)
	set.String(cmd.DataDirFlag.Name, t.TempDir(), "node data directory")
	set.String(flags.StorageBackendFlag.Name, "memory", "storage backend")
	set.Bool(cmd.DisableMonitoringFlag.Name, true, "disable monitoring")
	return set
}

func buildTestNode(t *testing.T) *QuestlineNode {
	params.SetupTestConfigCleanup(t)
	app := cli.App{}
	cliCtx := cli.NewContext(&app, testFlagSet(t), nil)
	n, err := New(cliCtx)
	require.NoError(t, err)
	return n
}

// Test that the engine node can build with default flag values.
func TestNode_Builds(t *testing.T) {
	n := buildTestNode(t)
	require.NotNil(t, n.store)
	require.NotNil(t, n.keys)
	require.NotNil(t, n.audit)
	require.NotNil(t, n.checker)
	assert.Equal(t, 6, len(n.registry.All()))
	assert.Equal(t, true, n.bus.Alive())
	require.NoError(t, n.store.Ping(context.Background()))

	var dispatcher *webhooks.Dispatcher
	require.NoError(t, n.services.FetchService(&dispatcher))
	var limiter *ratelimit.Limiter
	require.NoError(t, n.services.FetchService(&limiter))

	n.Close()
	assert.Equal(t, false, n.bus.Alive())
	assert.Equal(t, false, n.store.Connected())
	select {
	case <-n.stop:
	default:
		t.Fatal("stop channel not closed")
	}
}

func TestNode_UnknownStorageBackend(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	app := cli.App{}
	set := flag.NewFlagSet("test", 0)
	set.String(cmd.DataDirFlag.Name, t.TempDir(), "node data directory")
	set.String(flags.StorageBackendFlag.Name, "etcd", "storage backend")
	cliCtx := cli.NewContext(&app, set, nil)
	_, err := New(cliCtx)
	require.ErrorContains(t, "unknown storage backend", err)
}

func TestNode_DisabledRateLimiter(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	app := cli.App{}
	set := testFlagSet(t)
	set.Bool(flags.DisableRateLimitFlag.Name, true, "disable rate limiting")
	cliCtx := cli.NewContext(&app, set, nil)
	n, err := New(cliCtx)
	require.NoError(t, err)
	defer n.Close()

	var limiter *ratelimit.Limiter
	require.ErrorContains(t, "unknown service", n.services.FetchService(&limiter))
}

func TestNode_ClearsAuditDB(t *testing.T) {
	hook := logtest.NewGlobal()
	params.SetupTestConfigCleanup(t)
	app := cli.App{}
	set := testFlagSet(t)
	set.Bool(cmd.ClearDB.Name, true, "clear audit data")
	cliCtx := cli.NewContext(&app, set, nil)
	n, err := New(cliCtx)
	require.NoError(t, err)
	defer n.Close()
	require.LogsContain(t, hook, "Clearing audit database")
}

func TestNode_Track(t *testing.T) {
	n := buildTestNode(t)
	defer n.Close()
	ctx := context.Background()

	_, err := n.Track(ctx, "", "session.login", nil)
	require.ErrorIs(t, err, modules.ErrInvalidUserID)

	_, err = n.Track(ctx, "alice", "not a name", nil)
	require.ErrorIs(t, err, events.ErrInvalidName)

	var got *events.Event
	n.bus.On("session.login", func(_ context.Context, ev *events.Event) error {
		got = ev
		return nil
	})
	data := map[string]interface{}{"device": "ios"}
	res, err := n.Track(ctx, "alice", "session.login", data)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Data["userId"])
	assert.Equal(t, "ios", got.Data["device"])
	assert.Equal(t, true, res.ListenerCount >= 1)

	// The caller's map stays untouched.
	_, tagged := data["userId"]
	assert.Equal(t, false, tagged)
}

func TestNode_TrackRejectsOversizedPayload(t *testing.T) {
	n := buildTestNode(t)
	defer n.Close()

	cfg := params.Config().Copy()
	cfg.EventMaxPayloadSize = 16
	params.OverrideConfig(cfg)

	_, err := n.Track(context.Background(), "alice", "session.login", map[string]interface{}{
		"blob": strings.Repeat("x", 64),
	})
	require.ErrorContains(t, "event payload exceeds", err)
}

func TestNode_LifecycleEvents(t *testing.T) {
	n := buildTestNode(t)

	var stopping bool
	n.bus.On(EventStopping, func(_ context.Context, _ *events.Event) error {
		stopping = true
		return nil
	})
	n.Close()
	assert.Equal(t, true, stopping)
}
