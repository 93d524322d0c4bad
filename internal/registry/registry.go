// Package registry implements the connection record and connection
// registry described by spec.md §3 and §4.3: an ordered set of per-peer
// records, username lookup, user-list rendering, and a registry-wide mutex
// that must never be held across socket I/O or a per-connection lock
// acquisition.
package registry

import (
	"strings"
	"sync"

	"github.com/kstaniek/go-bcp-chatd/internal/bcp"
)

// Registry owns every live Record, keyed both by insertion order and by fd
// for O(1) dispatcher lookups on a readiness event.
type Registry struct {
	mu       sync.Mutex
	order    []*Record
	byFd     map[int]*Record
	identity bcp.BoundedString
}

// New creates an empty registry whose server-originated notices (join,
// leave, greeting) carry the given identity as their "from" field.
func New(identity string) *Registry {
	id, err := bcp.NewBoundedString(identity)
	if err != nil {
		// identity comes from configuration, which does not check its
		// length; one longer than MaxStringLen panics here.
		panic("registry: server identity too long: " + err.Error())
	}
	return &Registry{
		byFd:     make(map[int]*Record),
		identity: id,
	}
}

// ServerIdentity returns the cached "from" BoundedString used on
// server-originated notifications.
func (reg *Registry) ServerIdentity() bcp.BoundedString { return reg.identity }

// Insert appends rec under the registry mutex. Constant amortised time.
func (reg *Registry) Insert(rec *Record) {
	reg.mu.Lock()
	reg.order = append(reg.order, rec)
	reg.byFd[rec.Fd] = rec
	reg.mu.Unlock()
}

// Remove unlinks rec under the registry mutex. Remove itself does not touch
// rec.Mu: the Closing teardown calls it while still holding rec.Mu
// (per-connection lock first, then the registry mutex), and the dispatcher
// calls it on a never-armed record that no task has locked.
func (reg *Registry) Remove(rec *Record) {
	reg.mu.Lock()
	delete(reg.byFd, rec.Fd)
	for i, r := range reg.order {
		if r == rec {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
	reg.mu.Unlock()
}

// LookupByFd returns the record registered under fd, or nil.
func (reg *Registry) LookupByFd(fd int) *Record {
	reg.mu.Lock()
	rec := reg.byFd[fd]
	reg.mu.Unlock()
	return rec
}

// FindByUsername performs the linear scan described by spec §4.3 and §9
// open question 1: compare lengths first, and only call it a match on
// exact length equality followed by an exact byte compare. Never returns a
// record in Closing.
func (reg *Registry) FindByUsername(name string) *Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.order {
		if r.State() == StateClosing {
			continue
		}
		if r.Username == name {
			return r
		}
	}
	return nil
}

// ListUsernames renders "u1, u2, ..." for every record not in PreRegister,
// in registry order.
func (reg *Registry) ListUsernames() string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var names []string
	for _, r := range reg.order {
		if r.State() == StatePreRegister {
			continue
		}
		names = append(names, r.Username)
	}
	return strings.Join(names, ", ")
}

// Snapshot returns a point-in-time copy of the registry's records, safe to
// range over after the registry mutex has been released. Used by the
// broadcast fan-out (spec §4.7) and the idle auditor (spec §4.8), both of
// which must not hold the registry mutex across per-connection locking or
// socket I/O.
func (reg *Registry) Snapshot() []*Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Record, len(reg.order))
	copy(out, reg.order)
	return out
}

// Count returns the number of records of any state currently in the
// registry, including unregistered (PreRegister) peers.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.order)
}

// CountActive returns the number of records that have completed
// registration and aren't tearing down: the set ListUsernames renders with
// records in Error or Closing subtracted back out.
func (reg *Registry) CountActive() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n := 0
	for _, r := range reg.order {
		switch r.State() {
		case StatePreRegister, StateClosing, StateError:
			continue
		}
		n++
	}
	return n
}
