// Package subscription implements the Subscription Fabric: the per-project
// set of subscribed connections and non-blocking fan-out broadcast. Fabric
// never blocks on a slow consumer — a full per-connection queue is a
// dropped frame and a counter increment, never a stall of the broadcaster
// or of any other connection.
package subscription

import (
	"sync"
)

// Sender is the minimal connection surface the Fabric needs: a
// non-blocking raw-frame send, and an ID that keys the subscriber set. hub.Connection
// satisfies this without subscription needing to import hub.
type Sender interface {
	TryEnqueue(frame []byte) bool
	GetID() string
}

// DropRecorder is notified whenever a broadcast frame is dropped because a
// subscriber's outbound queue was full.
type DropRecorder interface {
	RecordDrop()
}

// Fabric owns the project_id -> subscriber set mapping.
type Fabric struct {
	mu   sync.RWMutex
	subs map[string]map[string]Sender // project_id -> conn_id -> Sender

	drops DropRecorder
}

// New constructs an empty Fabric. drops may be nil to skip drop counting.
func New(drops DropRecorder) *Fabric {
	return &Fabric{
		subs:  make(map[string]map[string]Sender),
		drops: drops,
	}
}

// Join adds conn as a subscriber of projectID. Returns false if conn was
// already subscribed (idempotent).
func (f *Fabric) Join(projectID string, conn Sender) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.subs[projectID]
	if !ok {
		set = make(map[string]Sender)
		f.subs[projectID] = set
	}
	if _, exists := set[conn.GetID()]; exists {
		return false
	}
	set[conn.GetID()] = conn
	return true
}

// Leave removes conn from projectID's subscriber set.
func (f *Fabric) Leave(projectID string, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.subs[projectID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(f.subs, projectID)
	}
}

// LeaveAll removes connID from every project's subscriber set. Called once
// when a connection closes.
func (f *Fabric) LeaveAll(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for projectID, set := range f.subs {
		if _, ok := set[connID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(f.subs, projectID)
			}
		}
	}
}

// Broadcast sends frame to every subscriber of projectID via a non-blocking
// enqueue. A full queue drops the frame for that connection only and never
// blocks delivery to any other subscriber or any other project.
func (f *Fabric) Broadcast(projectID string, frame []byte) {
	f.mu.RLock()
	set := f.subs[projectID]
	senders := make([]Sender, 0, len(set))
	for _, s := range set {
		senders = append(senders, s)
	}
	f.mu.RUnlock()

	for _, s := range senders {
		if !s.TryEnqueue(frame) {
			if f.drops != nil {
				f.drops.RecordDrop()
			}
		}
	}
}

// LeaveAllFromProject discards the entire subscriber set for projectID in
// one step, used when a project is deleted so no further broadcast to it
// is attempted.
func (f *Fabric) LeaveAllFromProject(projectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, projectID)
}

// SubscriberCount returns the number of connections subscribed to
// projectID.
func (f *Fabric) SubscriberCount(projectID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[projectID])
}
