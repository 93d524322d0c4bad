package task

import (
	"fmt"
	"io"
	"strings"

	"github.com/kstaniek/go-bcp-chatd/internal/bcp"
	"github.com/kstaniek/go-bcp-chatd/internal/logging"
	"github.com/kstaniek/go-bcp-chatd/internal/metrics"
	"github.com/kstaniek/go-bcp-chatd/internal/pool"
	"github.com/kstaniek/go-bcp-chatd/internal/registry"
	"github.com/kstaniek/go-bcp-chatd/internal/sanitize"
)

// rearmAndDone re-arms the descriptor for further reads and ends this turn
// without a state change: EAGAIN means the frame genuinely isn't here yet,
// not that anything went wrong (spec §4.6 "EAGAIN on a read is not an
// error").
func rearmAndDone(a *Args) outcome {
	if err := a.Poller.Rearm(a.Rec.Fd, ReadinessFlags); err != nil {
		logging.L().Warn("rearm_failed", "fd", a.Rec.Fd, "error", err)
	}
	return done
}

// beginLeave starts the Closing sequence for a peer that closed its write
// side (io.EOF) rather than one driven into Error by a protocol violation:
// there is no point attempting a Status write to a socket the peer has
// already half-closed.
func beginLeave(a *Args) outcome {
	a.Rec.SetState(registry.StateClosing)
	a.Dir = Outbound
	a.Deliver = nil
	return requeue
}

// stepHeartbeat re-verifies a record's idle duration now that it holds the
// mutex (the auditor's own check, made without the lock, could already be
// stale by the time this task runs) and forces Error if still over
// threshold. A record already tearing down is left alone.
func stepHeartbeat(a *Args) outcome {
	switch a.Rec.State() {
	case registry.StateError, registry.StateClosing:
		return done
	}
	if a.Rec.IdleFor() < a.IdleTimeout {
		return done
	}
	metrics.IncInactivityTimeout()
	a.Rec.StatusCode = bcp.StatusError
	a.Rec.StatusMsg = "Disconnected for inactivity."
	a.Rec.SetState(registry.StateError)
	a.Dir = Outbound
	return requeue
}

func stepPreRegister(a *Args) outcome {
	if a.Dir != Inbound {
		return requeue
	}
	op, err := bcp.ReadOpcode(a.Rec.Conn)
	if err != nil {
		if err == io.EOF {
			return beginLeave(a)
		}
		if isTransient(err) {
			return rearmAndDone(a)
		}
		return enterError(a, err, "read failure before registration")
	}
	if op != bcp.OpRegister {
		return enterError(a, nil, fmt.Sprintf("expected Register, got %s", op))
	}
	reg, err := bcp.ReadRegister(a.Rec.Conn)
	if err != nil {
		return enterError(a, err, "malformed Register")
	}
	clean, err := sanitize.Sanitize(reg.Username, sanitize.Strict)
	if err != nil {
		metrics.IncRegistrationConflict()
		return enterError(a, err, "empty username after sanitisation")
	}
	name := strings.TrimRight(clean.String(), "\x00")
	if existing := a.Reg.FindByUsername(name); existing != nil {
		metrics.IncRegistrationConflict()
		return enterError(a, nil, fmt.Sprintf("username %q already in use", name))
	}

	a.Rec.Username = name
	metrics.IncRegistrations()
	metrics.SetActiveConnections(a.Reg.CountActive())

	fanout(a.Reg, a, a.Reg.ServerIdentity().String(), fmt.Sprintf("%s has joined the server.", name))
	greeting := fmt.Sprintf("Logged in as %s.\nCurrent Clients: \n%s", name, a.Reg.ListUsernames())
	enqueueDeliver(a.Rec, a.Reg, a.Pool, a.Poller, a.Reg.ServerIdentity(), toBounded(greeting))

	a.Rec.StatusCode = bcp.StatusGood
	a.Rec.StatusMsg = ""
	a.Rec.SetState(registry.StateSendStat)
	a.Dir = Outbound
	return requeue
}

func stepAvailable(a *Args) outcome {
	if a.Dir == Outbound {
		if a.Deliver == nil {
			// An outbound chain without a recipient's own scratch Status
			// arriving here would be a programmer error; requeue rather
			// than crash, same as the PendingStatus "not yet allowed" row.
			return requeue
		}
		a.Rec.SetState(registry.StateSendMsg)
		return requeue
	}

	op, err := bcp.ReadOpcode(a.Rec.Conn)
	if err != nil {
		if err == io.EOF {
			return beginLeave(a)
		}
		if isTransient(err) {
			return rearmAndDone(a)
		}
		return enterError(a, err, "read failure")
	}

	switch op {
	case bcp.OpSend:
		send, err := bcp.ReadSend(a.Rec.Conn)
		if err != nil {
			return enterError(a, err, "malformed Send")
		}
		clean, err := sanitize.Sanitize(send.Message, sanitize.Permissive)
		if err != nil {
			return enterError(a, err, "empty message after sanitisation")
		}
		from := strings.TrimRight(a.Rec.Username, "\x00")
		fanout(a.Reg, a, from, clean.String())
		metrics.IncBroadcastMessages()

		a.Rec.StatusCode = bcp.StatusGood
		a.Rec.StatusMsg = ""
		a.Rec.SetState(registry.StateSendStat)
		a.Dir = Outbound
		return requeue
	default:
		return enterError(a, nil, fmt.Sprintf("unexpected %s while available", op))
	}
}

func stepSendStat(a *Args) outcome {
	if a.Dir != Outbound || a.Deliver != nil {
		// A Deliver-carrying chain that observes SendStat isn't ready: the
		// scratch Status write below belongs only to the chain that put
		// the record into this state. Requeue and wait for Available.
		return requeue
	}
	frame := bcp.StatusFrame{Code: a.Rec.StatusCode, Message: toBounded(a.Rec.StatusMsg)}
	if _, err := a.Rec.Conn.Write(bcp.EncodeStatus(frame)); err != nil {
		if isTransient(err) {
			return rearmAndDone(a)
		}
		metrics.IncIOError()
		return enterError(a, err, "status write failed")
	}
	if err := a.Poller.Rearm(a.Rec.Fd, ReadinessFlags); err != nil {
		logging.L().Warn("rearm_failed", "fd", a.Rec.Fd, "error", err)
	}
	a.Rec.SetState(registry.StateAvailable)
	return done
}

func stepSendMsg(a *Args) outcome {
	if a.Dir != Outbound || a.Deliver == nil {
		return requeue
	}
	if _, err := a.Rec.Conn.Write(bcp.EncodeDeliver(*a.Deliver)); err != nil {
		if isTransient(err) {
			return rearmAndDone(a)
		}
		metrics.IncIOError()
		return enterError(a, err, "deliver write failed")
	}
	if err := a.Poller.Rearm(a.Rec.Fd, ReadinessFlags); err != nil {
		logging.L().Warn("rearm_failed", "fd", a.Rec.Fd, "error", err)
	}
	a.Rec.SetState(registry.StatePendingStatus)
	a.Deliver = nil
	return done
}

func stepPendingStatus(a *Args) outcome {
	if a.Dir == Outbound {
		// Not yet allowed: a new outbound chain must wait for the
		// in-flight Deliver's Status ack before it may start.
		return requeue
	}
	op, err := bcp.ReadOpcode(a.Rec.Conn)
	if err != nil {
		if err == io.EOF {
			return beginLeave(a)
		}
		if isTransient(err) {
			return rearmAndDone(a)
		}
		return enterError(a, err, "read failure awaiting status ack")
	}
	if op != bcp.OpStatus {
		return enterError(a, nil, fmt.Sprintf("expected Status ack, got %s", op))
	}
	status, err := bcp.ReadStatus(a.Rec.Conn)
	if err != nil {
		return enterError(a, err, "malformed Status ack")
	}
	if status.Code != bcp.StatusGood {
		return enterError(a, nil, "peer rejected delivery")
	}
	a.Rec.SetState(registry.StateAvailable)
	return rearmAndDone(a)
}

func stepError(a *Args) outcome {
	if a.Dir != Outbound {
		return requeue
	}
	frame := bcp.StatusFrame{Code: a.Rec.StatusCode, Message: toBounded(a.Rec.StatusMsg)}
	// Best effort: the peer may already be gone. Either way the next step
	// is Closing.
	_, _ = a.Rec.Conn.Write(bcp.EncodeStatus(frame))
	a.Rec.SetState(registry.StateClosing)
	return requeue
}

func stepClosing(a *Args) outcome {
	if a.Rec.PendingJobs() != 0 {
		return requeue
	}
	name := a.Rec.DisplayName()
	wasRegistered := a.Rec.Username != ""

	_ = a.Poller.Disarm(a.Rec.Fd)
	_ = a.Rec.Conn.Close()
	a.Reg.Remove(a.Rec)
	a.Rec.Unlock()

	if wasRegistered {
		metrics.SetActiveConnections(a.Reg.CountActive())
		notifyLeft(a.Reg, a.Pool, a.Poller, a.Reg.ServerIdentity().String(), fmt.Sprintf("%s has left the server.", name))
	}
	if a.OnClosed != nil {
		a.OnClosed(a.Rec)
	}
	return closed
}

// notifyLeft fans a leave notice out to every remaining record. The
// departing record has already been unlinked from reg, so there is no
// sender to exclude from the snapshot.
func notifyLeft(reg *registry.Registry, p *pool.Pool, poller Poller, from, message string) {
	seed := &Args{Reg: reg, Pool: p, Poller: poller}
	_ = fanout(reg, seed, from, message)
}

// toBounded sanitises an arbitrary server-originated string (Permissive
// mode) into wire-ready BoundedString form. Input longer than MaxStringLen
// is truncated first; an empty string is returned when nothing is left
// after filtering.
func toBounded(msg string) bcp.BoundedString {
	if msg == "" {
		bs, _ := bcp.NewBoundedString("")
		return bs
	}
	if len(msg) > bcp.MaxStringLen {
		msg = msg[:bcp.MaxStringLen]
	}
	raw, err := bcp.NewBoundedString(msg)
	if err != nil {
		bs, _ := bcp.NewBoundedString("")
		return bs
	}
	clean, err := sanitize.Sanitize(raw, sanitize.Permissive)
	if err != nil {
		bs, _ := bcp.NewBoundedString("")
		return bs
	}
	return clean
}
