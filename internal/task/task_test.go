package task

import (
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-bcp-chatd/internal/bcp"
	"github.com/kstaniek/go-bcp-chatd/internal/pool"
	"github.com/kstaniek/go-bcp-chatd/internal/registry"
)

type fakePoller struct{}

func (fakePoller) Rearm(int, uint32) error { return nil }
func (fakePoller) Disarm(int) error        { return nil }

func newHarness(t *testing.T) (*registry.Registry, *pool.Pool) {
	t.Helper()
	reg := registry.New("[Server]")
	p := pool.New(2)
	p.Start()
	t.Cleanup(func() { p.Shutdown(true); p.Join() })
	return reg, p
}

func connectRecord(reg *registry.Registry, p *pool.Pool, fd int) (*registry.Record, net.Conn) {
	server, client := net.Pipe()
	rec := registry.NewRecord(fd, server)
	reg.Insert(rec)
	return rec, client
}

func submitInbound(rec *registry.Record, reg *registry.Registry, p *pool.Pool) {
	args := &Args{Dir: Inbound, Rec: rec, Reg: reg, Pool: p, Poller: fakePoller{}}
	rec.IncPending()
	p.Submit(func() { Step(args) })
}

func readFrame(t *testing.T, c net.Conn) (bcp.Opcode, []byte) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var opByte [1]byte
	if _, err := c.Read(opByte[:]); err != nil {
		t.Fatalf("read opcode: %v", err)
	}
	op, err := bcp.ClassifyOpcode(opByte[0])
	if err != nil {
		t.Fatalf("classify opcode: %v", err)
	}
	buf := make([]byte, 4096)
	n, _ := c.Read(buf)
	return op, buf[:n]
}

func TestRegisterHandshakeAndGreeting(t *testing.T) {
	reg, p := newHarness(t)
	rec, client := connectRecord(reg, p, 1)
	defer client.Close()

	submitInbound(rec, reg, p)
	if _, err := client.Write(bcp.EncodeRegister(bcp.RegisterFrame{Username: mustBS(t, "ali")})); err != nil {
		t.Fatalf("write register: %v", err)
	}

	op, payload := readFrame(t, client)
	if op != bcp.OpStatus {
		t.Fatalf("first server frame = %s, want Status", op)
	}
	if len(payload) == 0 || payload[0] != byte(bcp.StatusGood) {
		t.Fatalf("status code = %v, want Good", payload)
	}

	op2, _ := readFrame(t, client)
	if op2 != bcp.OpDeliver {
		t.Fatalf("second server frame = %s, want Deliver (greeting)", op2)
	}

	// Ack the greeting so the chain completes back to Available.
	submitInbound(rec, reg, p)
	if _, err := client.Write(bcp.EncodeStatus(bcp.StatusFrame{Code: bcp.StatusGood})); err != nil {
		t.Fatalf("write status ack: %v", err)
	}

	p.Wait()
	if got := rec.State(); got != registry.StateAvailable {
		t.Fatalf("state after greeting ack = %s, want Available", got)
	}
	if rec.Username != "ali" {
		t.Fatalf("Username = %q, want ali", rec.Username)
	}
}

func TestDuplicateUsernameRejected(t *testing.T) {
	reg, p := newHarness(t)

	rec1, c1 := connectRecord(reg, p, 1)
	defer c1.Close()
	rec1.Username = "bob"
	rec1.SetState(registry.StateAvailable)

	rec2, c2 := connectRecord(reg, p, 2)
	defer c2.Close()
	submitInbound(rec2, reg, p)
	if _, err := c2.Write(bcp.EncodeRegister(bcp.RegisterFrame{Username: mustBS(t, "bob")})); err != nil {
		t.Fatalf("write register: %v", err)
	}

	op, payload := readFrame(t, c2)
	if op != bcp.OpStatus {
		t.Fatalf("frame = %s, want Status", op)
	}
	if payload[0] != byte(bcp.StatusError) {
		t.Fatalf("status = %v, want Error for duplicate username", payload)
	}
	p.Wait()
	if got := rec2.State(); got != registry.StateClosing && got != registry.StateError {
		t.Fatalf("rec2 state = %s, want Error or Closing", got)
	}
}

func TestSendBroadcastsToOtherRegisteredPeers(t *testing.T) {
	reg, p := newHarness(t)

	sender, senderConn := connectRecord(reg, p, 1)
	defer senderConn.Close()
	sender.Username = "ali"
	sender.SetState(registry.StateAvailable)

	recipient, recipientConn := connectRecord(reg, p, 2)
	defer recipientConn.Close()
	recipient.Username = "bob"
	recipient.SetState(registry.StateAvailable)

	submitInbound(sender, reg, p)
	if _, err := senderConn.Write(bcp.EncodeSend(bcp.SendFrame{Message: mustBS(t, "hello")})); err != nil {
		t.Fatalf("write send: %v", err)
	}

	op, payload := readFrame(t, recipientConn)
	if op != bcp.OpDeliver {
		t.Fatalf("recipient frame = %s, want Deliver", op)
	}
	if len(payload) < 2 {
		t.Fatalf("deliver payload too short: %v", payload)
	}

	op2, statusPayload := readFrame(t, senderConn)
	if op2 != bcp.OpStatus || statusPayload[0] != byte(bcp.StatusGood) {
		t.Fatalf("sender ack = %s %v, want Status(Good)", op2, statusPayload)
	}
}

func mustBS(t *testing.T, s string) bcp.BoundedString {
	t.Helper()
	bs, err := bcp.NewBoundedString(s)
	if err != nil {
		t.Fatalf("NewBoundedString(%q): %v", s, err)
	}
	return bs
}
