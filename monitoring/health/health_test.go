package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/runtime"
	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

type stubService struct {
	status error
}

func (s *stubService) Start()        {}
func (s *stubService) Stop() error   { return nil }
func (s *stubService) Status() error { return s.status }

func TestLifecycle(t *testing.T) {
	c := New(Config{Interval: time.Hour}, nil)
	require.ErrorContains(t, "not running", c.Live())
	require.ErrorContains(t, "not running", c.Status())

	c.Start()
	t.Cleanup(func() { require.NoError(t, c.Stop()) })
	require.NoError(t, c.Live())
	require.NoError(t, c.Status())

	require.NoError(t, c.Stop())
	require.ErrorContains(t, "not running", c.Live())
}

func TestReadyTracksProbes(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	c := New(Config{Interval: time.Hour}, nil)
	c.AddProbe("storage", func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	})
	c.Start()
	t.Cleanup(func() { require.NoError(t, c.Stop()) })

	require.ErrorContains(t, "probe storage", c.Ready())
	rep := c.Snapshot()
	assert.Equal(t, StateDown, rep.Status)
	assert.StringContains(t, "connection refused", rep.Probes["storage"])

	failing.Store(false)
	c.sweep()
	require.NoError(t, c.Ready())
	assert.Equal(t, StateOK, c.Snapshot().Status)
}

func TestSignalsDegradeWithoutWithdrawingReadiness(t *testing.T) {
	var nearCapacity atomic.Bool
	c := New(Config{Interval: time.Hour}, nil)
	c.AddSignal("webhook_queue", nearCapacity.Load)
	c.Start()
	t.Cleanup(func() { require.NoError(t, c.Stop()) })

	require.NoError(t, c.Ready())
	assert.Equal(t, StateOK, c.Snapshot().Status)

	nearCapacity.Store(true)
	c.sweep()
	require.NoError(t, c.Ready())
	rep := c.Snapshot()
	assert.Equal(t, StateDegraded, rep.Status)
	assert.Equal(t, true, rep.Signals["webhook_queue"])
}

func TestReadyIncludesServiceStatuses(t *testing.T) {
	reg := runtime.NewServiceRegistry()
	svc := &stubService{status: errors.New("listener down")}
	require.NoError(t, reg.RegisterService(svc))

	c := New(Config{Interval: time.Hour}, reg)
	c.Start()
	t.Cleanup(func() { require.NoError(t, c.Stop()) })

	require.ErrorContains(t, "listener down", c.Ready())
	rep := c.Snapshot()
	assert.Equal(t, StateDown, rep.Status)
	assert.StringContains(t, "listener down", rep.Services["*health.stubService"])

	svc.status = nil
	require.NoError(t, c.Ready())
	assert.Equal(t, StateOK, c.Snapshot().Status)
}

func TestProbeTimeout(t *testing.T) {
	c := New(Config{Interval: time.Hour, Timeout: 10 * time.Millisecond}, nil)
	c.AddProbe("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.Start()
	t.Cleanup(func() { require.NoError(t, c.Stop()) })

	require.ErrorContains(t, "probe slow", c.Ready())
}

func TestSnapshotUptime(t *testing.T) {
	c := New(Config{Interval: time.Hour}, nil)
	assert.Equal(t, StateDown, c.Snapshot().Status)

	c.Start()
	t.Cleanup(func() { require.NoError(t, c.Stop()) })
	rep := c.Snapshot()
	assert.Equal(t, StateOK, rep.Status)
	if rep.CheckedAt == 0 {
		t.Fatal("expected a sweep timestamp after Start")
	}
}
