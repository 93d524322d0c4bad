// Package task implements the per-connection state machine of spec.md §3
// and §4.6: a step function that runs one record's transition table row per
// invocation, entered and re-entered through the worker pool rather than
// through a dedicated goroutine per connection.
package task

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-bcp-chatd/internal/bcp"
	"github.com/kstaniek/go-bcp-chatd/internal/metrics"
	"github.com/kstaniek/go-bcp-chatd/internal/pool"
	"github.com/kstaniek/go-bcp-chatd/internal/registry"
)

// Direction tags what kind of event produced this task (spec §3 TaskArgs).
type Direction int

const (
	// Inbound means a readiness event fired on the peer descriptor: there
	// is a frame (or part of one) to read.
	Inbound Direction = iota
	// Outbound means the task should progress an already-queued Deliver or
	// the connection's scratch Status frame toward the wire.
	Outbound
	// Heartbeat means the idle auditor is checking this record's liveness;
	// it never touches last_active itself (spec §4.6 "Liveness update").
	Heartbeat
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	case Heartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Poller is the subset of the dispatcher's readiness instance a task step
// needs. Declared here (rather than importing package dispatcher) because
// the dispatcher constructs Args values that reference task.Step, and Go
// forbids the resulting import cycle; dispatcher.Poller satisfies this
// interface structurally.
type Poller interface {
	Rearm(fd int, flags uint32) error
	Disarm(fd int) error
}

// ReadinessFlags mirrors dispatcher.ReadinessFlags; duplicated here as a
// plain constant derived from golang.org/x/sys/unix so this package doesn't
// need to import dispatcher just for one value.
const ReadinessFlags = uint32(unix.EPOLLIN | unix.EPOLLET | unix.EPOLLERR | unix.EPOLLHUP)

// Args is the per-task payload of spec §3: a direction tag plus whatever a
// step needs to run it. The same *Args is reused and resubmitted across a
// self-requeue chain over possibly many pool turns: a registering chain runs
// PreRegister -> SendStat -> Available, and a Deliver chain started by
// enqueueDeliver (a separate *Args) runs Available -> SendMsg -> PendingStatus.
type Args struct {
	Dir     Direction
	Rec     *registry.Record
	Reg     *registry.Registry
	Pool    *pool.Pool
	Poller  Poller
	Deliver *bcp.DeliverFrame // set for an outbound chain carrying a queued Deliver

	// IdleTimeout is consulted only by Heartbeat-direction tasks, to
	// re-verify a record is still stale now that it holds the mutex (spec
	// §4.8): the auditor's own check happens without the lock held.
	IdleTimeout time.Duration

	// OnClosed, if set, is invoked once the record has been fully torn
	// down (after the Closing-state leave notice and registry removal).
	OnClosed func(rec *registry.Record)
}

// outcome is the step function's result (spec §9 "model as a step function
// returning one of {Done, Requeue, Closed}").
type outcome int

const (
	done outcome = iota
	requeue
	closed
)

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// Step runs exactly one transition-table row for a.Rec and either unlocks
// and returns, resubmits itself to the pool (same *Args, mutex released in
// between), or leaves the record torn down. It is always invoked as
// `pool.Submit(func() { task.Step(a) })`.
func Step(a *Args) {
	a.Rec.DecPending()
	if !a.Rec.TryLock() {
		requeueSelf(a)
		return
	}
	if a.Dir != Heartbeat {
		a.Rec.Touch()
	}

	var out outcome
	switch {
	case a.Dir == Heartbeat:
		// A heartbeat overrides whatever chain a record is mid-way
		// through: idle timeout forces Error regardless of phase.
		out = stepHeartbeat(a)
	case a.Rec.State() == registry.StatePreRegister:
		out = stepPreRegister(a)
	case a.Rec.State() == registry.StateAvailable:
		out = stepAvailable(a)
	case a.Rec.State() == registry.StateSendStat:
		out = stepSendStat(a)
	case a.Rec.State() == registry.StateSendMsg:
		out = stepSendMsg(a)
	case a.Rec.State() == registry.StatePendingStatus:
		out = stepPendingStatus(a)
	case a.Rec.State() == registry.StateError:
		out = stepError(a)
	case a.Rec.State() == registry.StateClosing:
		out = stepClosing(a)
	default:
		out = done
	}

	switch out {
	case requeue:
		a.Rec.Unlock()
		requeueSelf(a)
	case closed:
		// stepClosing has already unlocked, unlinked and closed the
		// socket; there is nothing left to release.
	case done:
		a.Rec.Unlock()
	}
}

// requeueSelf restores the pending_jobs unit this invocation consumed and
// resubmits the same Args (spec §4.6 "Entry gate" / §9 requeue invariant:
// the decrement at entry and this increment must never both apply to the
// same logical unit of work twice).
func requeueSelf(a *Args) {
	a.Rec.IncPending()
	a.Pool.Submit(func() { Step(a) })
}

// enterError transitions the record into the Error state, recording the
// status payload the error sub-protocol will attempt to deliver before
// closing (spec §4.6 Error row). reason may be nil when the cause is a
// protocol-level rejection rather than a Go error value.
func enterError(a *Args, reason error, msg string) outcome {
	if reason != nil && bcp.IsFraming(reason) {
		metrics.IncFramingError()
	}
	a.Rec.StatusCode = bcp.StatusError
	a.Rec.StatusMsg = msg
	a.Rec.SetState(registry.StateError)
	a.Dir = Outbound
	a.Deliver = nil
	return requeue
}
