package task

import (
	"github.com/kstaniek/go-bcp-chatd/internal/bcp"
	"github.com/kstaniek/go-bcp-chatd/internal/metrics"
	"github.com/kstaniek/go-bcp-chatd/internal/pool"
	"github.com/kstaniek/go-bcp-chatd/internal/registry"
	"github.com/kstaniek/go-bcp-chatd/internal/sanitize"
)

// fanout enqueues one outbound Deliver chain per recipient in reg, skipping
// sender and any record in Closing or Error (spec §4.7). It lives beside
// the step functions rather than in a standalone package: every call site
// is a state-machine transition reached only from inside Step, and a
// separate package would need to both construct *Args (so it must import
// this package) and be called from stepAvailable/stepPreRegister/
// stepClosing (so this package would have to import it back) — the same
// compile unit resolves that without a cycle.
//
// message is sanitised once, in Permissive mode, and the resulting
// BoundedString is shared read-only across every recipient's frame.
func fanout(reg *registry.Registry, p *Args, from string, rawMessage string) int {
	fromBS, err := bcp.NewBoundedString(from)
	if err != nil {
		return 0
	}
	rawBS, err := bcp.NewBoundedString(rawMessage)
	if err != nil {
		return 0
	}
	clean, err := sanitize.Sanitize(rawBS, sanitize.Permissive)
	if err != nil {
		return 0
	}

	snap := reg.Snapshot()
	n := 0
	for _, rec := range snap {
		if rec == p.Rec {
			continue
		}
		switch rec.State() {
		case registry.StateClosing, registry.StateError:
			continue
		}
		enqueueDeliver(rec, p.Reg, p.Pool, p.Poller, fromBS, clean)
		n++
	}
	metrics.SetBroadcastFanout(n)
	return n
}

// enqueueDeliver starts a fresh outbound chain targeting rec. The chain
// busy-requeues (stepPreRegister/stepSendStat/stepPendingStatus) until rec
// reaches Available, then advances Available -> SendMsg -> PendingStatus on
// its own.
func enqueueDeliver(rec *registry.Record, reg *registry.Registry, p *pool.Pool, poller Poller, from, message bcp.BoundedString) {
	deliver := &bcp.DeliverFrame{From: from, Message: message}
	args := &Args{
		Dir:     Outbound,
		Rec:     rec,
		Reg:     reg,
		Pool:    p,
		Poller:  poller,
		Deliver: deliver,
	}
	rec.IncPending()
	p.Submit(func() { Step(args) })
}
