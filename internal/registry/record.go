package registry

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-bcp-chatd/internal/bcp"
)

// Record is the server-side per-peer state described by spec §3. It is
// owned by the Registry and only ever referenced (never owned) by tasks
// while they execute one step. Username, StatusMsg and StatusCode are
// mutated only by the task holding Mu. State is read by code that does not
// hold Mu (broadcast fan-out, the idle auditor) to decide whether a record
// is still a legitimate target, so it is kept in an atomic word rather than
// a plain field guarded by convention alone.
type Record struct {
	Mu   sync.Mutex
	Conn io.ReadWriteCloser
	Fd   int // raw socket descriptor; the registry's epoll key

	Username   string
	StatusMsg  string          // scratch used when the next outbound is a Status
	StatusCode bcp.StatusCode  // scratch status code paired with StatusMsg
	state      atomic.Int32

	pendingJobs atomic.Int64
	lastActive  atomic.Int64 // unix seconds, monotonic enough for idle auditing
}

// NewRecord creates a freshly accepted connection's record in PreRegister
// with pending_jobs=0 and last_active initialised to now, per spec §9 open
// question 3.
func NewRecord(fd int, conn io.ReadWriteCloser) *Record {
	r := &Record{
		Conn: conn,
		Fd:   fd,
	}
	r.state.Store(int32(StatePreRegister))
	r.lastActive.Store(time.Now().Unix())
	return r
}

// State returns the record's connection state.
func (r *Record) State() ConnState { return ConnState(r.state.Load()) }

// SetState transitions the record's connection state. Callers must hold Mu.
func (r *Record) SetState(s ConnState) { r.state.Store(int32(s)) }

// TryLock attempts a non-blocking acquire of the per-connection mutex. It
// is the entry gate used by every task step (spec §4.6): a task that fails
// to acquire the lock must requeue itself rather than block.
func (r *Record) TryLock() bool { return r.Mu.TryLock() }

// Lock acquires the mutex blockingly. No task-step path calls it: every
// step, the Closing teardown included, enters through TryLock.
func (r *Record) Lock() { r.Mu.Lock() }

// Unlock releases the mutex.
func (r *Record) Unlock() { r.Mu.Unlock() }

// IncPending increments the pending-jobs counter. It is called by whoever
// submits a task for this record (dispatcher inbound submit, broadcast
// fan-out and idle audit over a registry snapshot, a task requeuing itself);
// none of them holds the registry mutex, since the counter is atomic.
func (r *Record) IncPending() { r.pendingJobs.Add(1) }

// DecPending decrements the pending-jobs counter. Called once, at task
// entry, before the task consumes its run-turn (spec §4.6 "Entry gate").
func (r *Record) DecPending() int64 { return r.pendingJobs.Add(-1) }

// PendingJobs returns the current pending-jobs count.
func (r *Record) PendingJobs() int64 { return r.pendingJobs.Load() }

// Touch updates last_active to now. Skipped for Heartbeat-direction tasks
// (spec §4.6 "Liveness update").
func (r *Record) Touch() { r.lastActive.Store(time.Now().Unix()) }

// IdleFor reports how long it has been since the last Touch.
func (r *Record) IdleFor() time.Duration {
	last := time.Unix(r.lastActive.Load(), 0)
	return time.Since(last)
}

// DisplayName returns the record's username, or the spec's fallback label
// for a peer that never completed registration.
func (r *Record) DisplayName() string {
	if r.Username == "" {
		return "An unregistered user"
	}
	return r.Username
}
