package dispatcher

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-bcp-chatd/internal/auditor"
	"github.com/kstaniek/go-bcp-chatd/internal/logging"
	"github.com/kstaniek/go-bcp-chatd/internal/metrics"
	"github.com/kstaniek/go-bcp-chatd/internal/pool"
	"github.com/kstaniek/go-bcp-chatd/internal/registry"
	"github.com/kstaniek/go-bcp-chatd/internal/task"
)

// Dispatcher runs the readiness-driven event loop of spec.md §4.5: one
// epoll instance blocking on {listen socket, shutdown pipe, tick pipe, N
// peer sockets}, classifying each wakeup and handing peer events to the
// worker pool after disarming the descriptor.
type Dispatcher struct {
	Poller   *Poller
	ListenFd int
	Sig      *SignalPipe
	Tick     *TickPipe
	Reg      *registry.Registry
	Pool     *pool.Pool
	Auditor  *auditor.Auditor

	maxEvents int
}

// New wires a Dispatcher from already-constructed primitives.
func New(poller *Poller, listenFd int, sig *SignalPipe, tick *TickPipe, reg *registry.Registry, p *pool.Pool, au *auditor.Auditor) *Dispatcher {
	return &Dispatcher{
		Poller:    poller,
		ListenFd:  listenFd,
		Sig:       sig,
		Tick:      tick,
		Reg:       reg,
		Pool:      p,
		Auditor:   au,
		maxEvents: 256,
	}
}

// Arm registers the listen socket, the signal pipe and the tick pipe with
// the poller. Peer descriptors are armed individually as they're accepted.
func (d *Dispatcher) Arm() error {
	if err := d.Poller.Arm(d.ListenFd, uint32(unix.EPOLLIN)); err != nil {
		return err
	}
	if err := d.Poller.Arm(d.Sig.Fd(), uint32(unix.EPOLLIN)); err != nil {
		return err
	}
	if err := d.Poller.Arm(d.Tick.Fd(), uint32(unix.EPOLLIN)); err != nil {
		return err
	}
	return nil
}

// Run blocks, servicing readiness events, until the signal pipe fires (it
// then calls shutdown and returns nil) or the epoll wait fails with an
// error other than EINTR (returned). Each wake-up classifies its ready set
// once (spec §4.5): signal -> stop; tick -> idle audit; listen socket ->
// drain the accept backlog; anything else -> disarm and submit to the pool.
func (d *Dispatcher) Run(shutdown func()) error {
	raw := make([]unix.EpollEvent, d.maxEvents)
	for {
		n, err := d.Poller.Wait(raw, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		stop := false
		for i := 0; i < n; i++ {
			if stop {
				// Once the signal branch has fired, no further event in
				// this same batch may accept or dispatch: spec §8 forbids
				// accepting new peers after SIGINT is consumed, and epoll
				// gives no ordering guarantee between the signal pipe and
				// a listen-socket readiness event landing in one batch.
				break
			}
			fd := int(raw[i].Fd)
			switch {
			case fd == d.Sig.Fd():
				d.Sig.Drain()
				stop = true
			case fd == d.Tick.Fd():
				d.Tick.Drain()
				if d.Auditor != nil {
					d.Auditor.Sweep()
				}
			case fd == d.ListenFd:
				d.acceptAll()
			default:
				d.dispatchPeer(fd)
			}
		}
		metrics.SetQueueDepth(d.Pool.QueueDepth())
		if stop {
			if shutdown != nil {
				shutdown()
			}
			return nil
		}
	}
}

// acceptAll drains the listen backlog: every pending connection is accepted
// in a loop until EAGAIN, so one wake-up of the (level-triggered) listen
// socket handles a whole burst (spec §4.5 step 2).
func (d *Dispatcher) acceptAll() {
	for {
		fd, _, err := AcceptOne(d.ListenFd)
		if err != nil {
			if IsWouldBlock(err) {
				return
			}
			logging.L().Warn("accept_failed", "error", err)
			return
		}
		metrics.IncAccepted()
		rec := registry.NewRecord(fd, FDConn{Fd: fd})
		d.Reg.Insert(rec)
		if err := d.Poller.Arm(fd, ReadinessFlags); err != nil {
			logging.L().Warn("arm_failed", "fd", fd, "error", err)
			_ = unix.Close(fd)
			d.Reg.Remove(rec)
			continue
		}
		logging.ForConn(uint64(fd), "").Info("accepted")
	}
}

// dispatchPeer disarms fd (enforcing at-most-one-in-flight without holding
// the record's mutex on the dispatcher goroutine) and submits a fresh
// Inbound task (spec §4.5 step 3).
func (d *Dispatcher) dispatchPeer(fd int) {
	rec := d.Reg.LookupByFd(fd)
	if rec == nil {
		return
	}
	_ = d.Poller.Disarm(fd)
	args := &task.Args{
		Dir:         task.Inbound,
		Rec:         rec,
		Reg:         d.Reg,
		Pool:        d.Pool,
		Poller:      d.Poller,
		IdleTimeout: d.Auditor.IdleTimeout,
	}
	rec.IncPending()
	d.Pool.Submit(func() { task.Step(args) })
}

// Close releases the poller, signal pipe and tick pipe.
func (d *Dispatcher) Close() {
	d.Tick.Close()
	d.Sig.Close()
	_ = d.Poller.Close()
}

// DefaultTickInterval is the idle-audit cadence (spec.md §6 "raised every
// 10 s").
const DefaultTickInterval = 10 * time.Second
