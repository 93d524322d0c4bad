// Package auditor implements the idle-connection sweep of spec.md §4.8: on
// every periodic tick, walk a registry snapshot and submit a Heartbeat task
// for each record that a lock-free pre-check finds idle past the timeout, so
// the state machine itself (holding that record's mutex) confirms the idle
// time and disconnects it.
package auditor

import (
	"time"

	"github.com/kstaniek/go-bcp-chatd/internal/pool"
	"github.com/kstaniek/go-bcp-chatd/internal/registry"
	"github.com/kstaniek/go-bcp-chatd/internal/task"
)

// Auditor holds the dependencies one Sweep call needs.
type Auditor struct {
	Reg         *registry.Registry
	Pool        *pool.Pool
	Poller      task.Poller
	IdleTimeout time.Duration
}

// New constructs an Auditor.
func New(reg *registry.Registry, p *pool.Pool, poller task.Poller, idleTimeout time.Duration) *Auditor {
	return &Auditor{Reg: reg, Pool: p, Poller: poller, IdleTimeout: idleTimeout}
}

// Sweep is invoked once per tick-pipe wakeup (spec §4.5 step 1, §6 "raised
// every 10 s"). It does the cheap IdleFor() pre-check itself (lock-free,
// via the record's atomic last_active word) so a mostly-idle server
// doesn't flood the pool with no-op heartbeats; the Heartbeat task
// re-verifies under the record's own mutex before acting, since Touch()
// may race this check.
func (au *Auditor) Sweep() int {
	snap := au.Reg.Snapshot()
	submitted := 0
	for _, rec := range snap {
		switch rec.State() {
		case registry.StateClosing, registry.StateError:
			continue
		}
		if rec.IdleFor() < au.IdleTimeout {
			continue
		}
		args := &task.Args{
			Dir:         task.Heartbeat,
			Rec:         rec,
			Reg:         au.Reg,
			Pool:        au.Pool,
			Poller:      au.Poller,
			IdleTimeout: au.IdleTimeout,
		}
		rec.IncPending()
		au.Pool.Submit(func() { task.Step(args) })
		submitted++
	}
	return submitted
}
