package governor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConns struct {
	count   int
	dropped int64
}

func (f *fakeConns) Count() int          { return f.count }
func (f *fakeConns) DroppedFrames() int64 { return f.dropped }

type fakeProjects struct{ count int }

func (f *fakeProjects) Count() int { return f.count }

type fakeExecs struct {
	active int
	errs   int64
}

func (f *fakeExecs) ActiveCount() int  { return f.active }
func (f *fakeExecs) ErrorsTotal() int64 { return f.errs }

func newTestGovernor(t *testing.T, cfg Config, conns *fakeConns, projs *fakeProjects, execs *fakeExecs) *Governor {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(cfg, conns, projs, execs, reg)
}

func TestSnapshotReflectsUnderlyingCounters(t *testing.T) {
	conns := &fakeConns{count: 3, dropped: 5}
	projs := &fakeProjects{count: 2}
	execs := &fakeExecs{active: 1, errs: 1}

	g := newTestGovernor(t, Config{}, conns, projs, execs)

	snap := g.Snapshot()
	assert.Equal(t, 3, snap.Connections)
	assert.Equal(t, 2, snap.Projects)
	assert.Equal(t, 1, snap.ActiveExecutions)
	assert.Equal(t, int64(5), snap.DroppedBroadcasts)
	assert.Equal(t, int64(1), snap.ExecutionErrors)
}

func TestAllowIsTrueWithNoSoftLimitConfigured(t *testing.T) {
	g := newTestGovernor(t, Config{}, &fakeConns{}, &fakeProjects{}, &fakeExecs{})
	assert.True(t, g.Allow())
}

func TestSampleOnceTripsOverLimitWhenSoftLimitExceeded(t *testing.T) {
	g := newTestGovernor(t, Config{SoftMemoryLimitBytes: 1}, &fakeConns{}, &fakeProjects{}, &fakeExecs{})

	g.sampleOnce()

	// Any running process's RSS exceeds 1 byte, so the soft limit is
	// immediately tripped and stays tripped until a sample comes in clean.
	assert.False(t, g.Allow())
	assert.True(t, g.Snapshot().OverSoftLimit)
}

func TestObserveExecutionDurationDoesNotPanic(t *testing.T) {
	g := newTestGovernor(t, Config{}, &fakeConns{}, &fakeProjects{}, &fakeExecs{})
	assert.NotPanics(t, func() {
		g.ObserveExecutionDuration(250 * time.Millisecond)
	})
}

func TestStartAndStopScheduler(t *testing.T) {
	g := newTestGovernor(t, Config{
		SampleInterval:     50 * time.Millisecond,
		MetricsLogInterval: 50 * time.Millisecond,
	}, &fakeConns{}, &fakeProjects{}, &fakeExecs{})

	require.NoError(t, g.Start())
	time.Sleep(80 * time.Millisecond)
	g.Stop()
}
