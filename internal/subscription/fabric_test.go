package subscription

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      string
	mu      sync.Mutex
	frames  [][]byte
	accept  bool
}

func newFakeConn(id string, accept bool) *fakeConn {
	return &fakeConn{id: id, accept: accept}
}

func (c *fakeConn) GetID() string { return c.id }

func (c *fakeConn) TryEnqueue(frame []byte) bool {
	if !c.accept {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fakeDropRecorder struct {
	mu     sync.Mutex
	drops  int
}

func (d *fakeDropRecorder) RecordDrop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drops++
}

func (d *fakeDropRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drops
}

func TestJoinIsIdempotent(t *testing.T) {
	f := New(nil)
	conn := newFakeConn("c1", true)

	assert.True(t, f.Join("p1", conn))
	assert.False(t, f.Join("p1", conn), "joining twice must report false")
	assert.Equal(t, 1, f.SubscriberCount("p1"))
}

func TestLeaveRemovesEmptyProjectEntry(t *testing.T) {
	f := New(nil)
	conn := newFakeConn("c1", true)
	f.Join("p1", conn)

	f.Leave("p1", "c1")
	assert.Equal(t, 0, f.SubscriberCount("p1"))
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	f := New(nil)
	a := newFakeConn("a", true)
	b := newFakeConn("b", true)
	f.Join("p1", a)
	f.Join("p1", b)

	f.Broadcast("p1", []byte(`{"type":"agent_message"}`))

	assert.Equal(t, 1, a.received())
	assert.Equal(t, 1, b.received())
}

func TestBroadcastDoesNotReachOtherProjects(t *testing.T) {
	f := New(nil)
	a := newFakeConn("a", true)
	f.Join("p1", a)

	f.Broadcast("p2", []byte(`{}`))
	assert.Equal(t, 0, a.received())
}

func TestBroadcastDropsOnFullQueueWithoutBlockingOthers(t *testing.T) {
	drops := &fakeDropRecorder{}
	f := New(drops)
	slow := newFakeConn("slow", false)
	fast := newFakeConn("fast", true)
	f.Join("p1", slow)
	f.Join("p1", fast)

	f.Broadcast("p1", []byte(`{}`))

	assert.Equal(t, 0, slow.received())
	assert.Equal(t, 1, fast.received(), "a full queue on one subscriber must not block delivery to another")
	assert.Equal(t, 1, drops.count())
}

func TestLeaveAllRemovesFromEveryProject(t *testing.T) {
	f := New(nil)
	conn := newFakeConn("c1", true)
	f.Join("p1", conn)
	f.Join("p2", conn)

	f.LeaveAll("c1")

	assert.Equal(t, 0, f.SubscriberCount("p1"))
	assert.Equal(t, 0, f.SubscriberCount("p2"))
}

func TestLeaveAllFromProjectDiscardsWholeSet(t *testing.T) {
	f := New(nil)
	a := newFakeConn("a", true)
	b := newFakeConn("b", true)
	f.Join("p1", a)
	f.Join("p1", b)

	f.LeaveAllFromProject("p1")

	require.Equal(t, 0, f.SubscriberCount("p1"))
	f.Broadcast("p1", []byte(`{}`))
	assert.Equal(t, 0, a.received())
	assert.Equal(t, 0, b.received())
}
