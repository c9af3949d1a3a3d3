package msglog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamroom/streamroom/internal/model"
)

func openTestLog(t *testing.T, segmentCap int64) *ProjectLog {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir, segmentCap, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestAppendAndSinceRoundTrip(t *testing.T) {
	l := openTestLog(t, 1<<20)

	require.NoError(t, l.Append(model.DirectionClient, []byte(`{"prompt":"hi"}`)))
	require.NoError(t, l.Append(model.DirectionAgent, []byte(`{"type":"agent_message"}`)))

	entries, err := l.Since(0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.DirectionClient, entries[0].Direction)
	assert.Equal(t, model.DirectionAgent, entries[1].Direction)
}

func TestSinceRespectsSinceCursorAndLimit(t *testing.T) {
	l := openTestLog(t, 1<<20)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(model.DirectionAgent, []byte(`{"i":1}`)))
	}

	all, err := l.Since(0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)

	cut := all[2].Timestamp
	after, err := l.Since(cut, 0)
	require.NoError(t, err)
	assert.Len(t, after, 2, "only entries strictly after the cursor are returned")

	limited, err := l.Since(0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAppendRollsSegmentOnCap(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 64, 10*time.Millisecond)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Append(model.DirectionAgent, []byte(`{"payload":"01234567890123456789"}`)))
	}

	names, err := segmentNames(dir)
	require.NoError(t, err)
	assert.Greater(t, len(names), 1, "a tiny segment cap must force at least one roll")
}

func TestRetainKeepsNewestSegmentRegardlessOfAge(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 1, 10*time.Millisecond) // force a roll on nearly every append
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(model.DirectionAgent, []byte(`{"i":1}`)))
	}
	l.Close()

	names, err := segmentNames(dir)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(names), 2, "test setup requires multiple segments")

	for _, n := range names {
		require.NoError(t, os.Chtimes(filepath.Join(dir, n), time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))
	}

	l2, err := Open(dir, 1, 10*time.Millisecond)
	require.NoError(t, err)
	defer l2.Close()

	require.NoError(t, l2.Retain(time.Minute))

	remaining, err := segmentNames(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(remaining), 1, "at least the newest segment must always survive retention")
}

func TestRecoverTruncatesPartialTrailingLine(t *testing.T) {
	dir := t.TempDir()
	segPath := filepath.Join(dir, "000000.jsonl")

	full, err := json.Marshal(model.LogEntry{T: 1, D: model.DirectionClient, M: []byte(`{"a":1}`)})
	require.NoError(t, err)

	content := append(append([]byte{}, full...), '\n')
	content = append(content, []byte(`{"t":2,"d":"cli`)...) // partial trailing line, no newline
	require.NoError(t, os.WriteFile(segPath, content, 0o644))

	l, err := Open(dir, 1<<20, 10*time.Millisecond)
	require.NoError(t, err)
	defer l.Close()

	entries, err := l.Since(0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the crash-truncated partial line must not be replayed")
	assert.Equal(t, int64(1), entries[0].Timestamp)

	require.NoError(t, l.Append(model.DirectionAgent, []byte(`{"b":2}`)))
	entries, err = l.Since(0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "the log must remain appendable after recovery")
}

func TestSegmentPathsExcludesCurrentSegment(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 1, 10*time.Millisecond)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(model.DirectionAgent, []byte(`{"i":1}`)))
	}

	paths, err := l.SegmentPaths()
	require.NoError(t, err)

	names, err := segmentNames(dir)
	require.NoError(t, err)
	assert.Len(t, paths, len(names)-1, "the still-open current segment is never an archival/retention candidate")
}
