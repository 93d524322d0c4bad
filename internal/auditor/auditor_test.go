package auditor

import (
	"io"
	"testing"
	"time"

	"github.com/kstaniek/go-bcp-chatd/internal/pool"
	"github.com/kstaniek/go-bcp-chatd/internal/registry"
)

type nopConn struct{}

func (nopConn) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopConn) Write(p []byte) (int, error) { return len(p), nil }
func (nopConn) Close() error                { return nil }

type fakePoller struct{}

func (fakePoller) Rearm(int, uint32) error  { return nil }
func (fakePoller) Disarm(int) error         { return nil }

func TestSweepSkipsFreshRecords(t *testing.T) {
	reg := registry.New("[Server]")
	rec := registry.NewRecord(1, nopConn{})
	rec.Username = "ali"
	rec.SetState(registry.StateAvailable)
	reg.Insert(rec)

	p := pool.New(1)
	p.Start()
	defer p.Shutdown(true)

	au := New(reg, p, fakePoller{}, time.Hour)
	if n := au.Sweep(); n != 0 {
		t.Fatalf("Sweep() = %d, want 0 for a freshly touched record", n)
	}
}

func TestSweepSubmitsHeartbeatForStaleRecords(t *testing.T) {
	reg := registry.New("[Server]")
	rec := registry.NewRecord(1, nopConn{})
	rec.Username = "ali"
	rec.SetState(registry.StateAvailable)
	reg.Insert(rec)

	p := pool.New(1)
	p.Start()
	defer p.Shutdown(true)

	au := New(reg, p, fakePoller{}, 0)
	time.Sleep(5 * time.Millisecond)
	if n := au.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1 for a stale record", n)
	}
	p.Wait()
	// The heartbeat moves the record to Error; the same chain then sends the
	// error status and tears the record down, so it ends in Closing.
	if got := rec.State(); got != registry.StateClosing {
		t.Fatalf("stale record state = %s, want Closing", got)
	}
}

func TestSweepSkipsClosingAndError(t *testing.T) {
	reg := registry.New("[Server]")
	closing := registry.NewRecord(1, nopConn{})
	closing.SetState(registry.StateClosing)
	reg.Insert(closing)
	erroring := registry.NewRecord(2, nopConn{})
	erroring.SetState(registry.StateError)
	reg.Insert(erroring)

	p := pool.New(1)
	p.Start()
	defer p.Shutdown(true)

	au := New(reg, p, fakePoller{}, 0)
	time.Sleep(5 * time.Millisecond)
	if n := au.Sweep(); n != 0 {
		t.Fatalf("Sweep() = %d, want 0 when every record is Closing/Error", n)
	}
}
