package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryBeginExecution(t *testing.T) {
	p := &Project{ID: "p1", State: StateIdle}

	require.True(t, p.TryBeginExecution(), "IDLE must accept the transition")
	assert.Equal(t, StateExecuting, p.Snapshot().State)

	assert.False(t, p.TryBeginExecution(), "an already-executing project must refuse a second execution")
}

func TestFinishExecutionRecordsSessionID(t *testing.T) {
	p := &Project{ID: "p1", State: StateExecuting}
	p.FinishExecution("sess-123")

	snap := p.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "sess-123", snap.SessionID)
	assert.Empty(t, snap.LastError)
}

func TestFinishExecutionKeepsExistingSessionWhenEmpty(t *testing.T) {
	p := &Project{ID: "p1", State: StateExecuting, SessionID: "sess-old"}
	p.FinishExecution("")

	assert.Equal(t, "sess-old", p.Snapshot().SessionID)
}

func TestFailThenResetAfterError(t *testing.T) {
	p := &Project{ID: "p1", State: StateExecuting}
	p.FailExecution("agent crashed")

	snap := p.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "agent crashed", snap.LastError)

	p.ResetAfterError()
	snap = p.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "agent crashed", snap.LastError, "last error is kept for display after auto-recovery")
}

func TestResetAfterErrorIsANoOpOutsideError(t *testing.T) {
	p := &Project{ID: "p1", State: StateIdle}
	p.ResetAfterError()
	assert.Equal(t, StateIdle, p.Snapshot().State)
}

func TestClearSession(t *testing.T) {
	p := &Project{ID: "p1", State: StateIdle, SessionID: "sess-1"}
	p.ClearSession()
	assert.Empty(t, p.Snapshot().SessionID)
}

func TestIsExecuting(t *testing.T) {
	p := &Project{ID: "p1", State: StateIdle}
	assert.False(t, p.IsExecuting())
	p.TryBeginExecution()
	assert.True(t, p.IsExecuting())
}

func TestToMetadataNeverPersistsExecuting(t *testing.T) {
	p := &Project{
		ID:         "p1",
		Path:       "/data/p1",
		State:      StateExecuting,
		SessionID:  "sess-1",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	meta := p.ToMetadata()
	assert.Equal(t, StateIdle, meta.State, "EXECUTING must never be written to disk as a restartable state")
	assert.Equal(t, "sess-1", meta.SessionID)
}

func TestFromMetadataAlwaysStartsIdle(t *testing.T) {
	meta := Metadata{ID: "p1", Path: "/data/p1", State: StateExecuting, SessionID: "sess-1"}
	p := FromMetadata(meta)
	assert.Equal(t, StateIdle, p.Snapshot().State, "a project recovered from disk always starts IDLE")
	assert.Equal(t, "sess-1", p.Snapshot().SessionID)
}
