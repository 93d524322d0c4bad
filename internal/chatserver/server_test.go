package chatserver

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-bcp-chatd/internal/bcp"
)

func mustBS(t *testing.T, s string) bcp.BoundedString {
	t.Helper()
	bs, err := bcp.NewBoundedString(s)
	if err != nil {
		t.Fatalf("NewBoundedString(%q): %v", s, err)
	}
	return bs
}

func readOpcode(t *testing.T, c net.Conn) bcp.Opcode {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var b [1]byte
	if _, err := c.Read(b[:]); err != nil {
		t.Fatalf("read opcode: %v", err)
	}
	op, err := bcp.ClassifyOpcode(b[0])
	if err != nil {
		t.Fatalf("classify opcode: %v", err)
	}
	buf := make([]byte, 4096)
	_, _ = c.Read(buf)
	return op
}

// TestSmokeRegisterAndBroadcast starts the real dispatcher on an ephemeral
// port, registers two clients and checks that a Send from one reaches the
// other as a Deliver (spec.md §3 end-to-end).
func TestSmokeRegisterAndBroadcast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := New(WithPort(0), WithWorkers(4), WithIdleTimeout(time.Hour))
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not signal readiness")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", srv.Port())
	d := net.Dialer{Timeout: 1 * time.Second}

	aliConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial ali: %v", err)
	}
	defer aliConn.Close()
	if _, err := aliConn.Write(bcp.EncodeRegister(bcp.RegisterFrame{Username: mustBS(t, "ali")})); err != nil {
		t.Fatalf("write register: %v", err)
	}
	if op := readOpcode(t, aliConn); op != bcp.OpStatus {
		t.Fatalf("ali first frame = %s, want Status", op)
	}
	if op := readOpcode(t, aliConn); op != bcp.OpDeliver {
		t.Fatalf("ali second frame = %s, want Deliver (greeting)", op)
	}
	if _, err := aliConn.Write(bcp.EncodeStatus(bcp.StatusFrame{Code: bcp.StatusGood})); err != nil {
		t.Fatalf("ack greeting: %v", err)
	}

	bobConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bobConn.Close()
	if _, err := bobConn.Write(bcp.EncodeRegister(bcp.RegisterFrame{Username: mustBS(t, "bob")})); err != nil {
		t.Fatalf("write register: %v", err)
	}
	if op := readOpcode(t, bobConn); op != bcp.OpStatus {
		t.Fatalf("bob first frame = %s, want Status", op)
	}
	if op := readOpcode(t, bobConn); op != bcp.OpDeliver {
		t.Fatalf("bob second frame = %s, want Deliver (greeting)", op)
	}
	if _, err := bobConn.Write(bcp.EncodeStatus(bcp.StatusFrame{Code: bcp.StatusGood})); err != nil {
		t.Fatalf("ack greeting: %v", err)
	}
	// ali also observes bob's join notice.
	if op := readOpcode(t, aliConn); op != bcp.OpDeliver {
		t.Fatalf("ali join-notice frame = %s, want Deliver", op)
	}
	if _, err := aliConn.Write(bcp.EncodeStatus(bcp.StatusFrame{Code: bcp.StatusGood})); err != nil {
		t.Fatalf("ack join notice: %v", err)
	}

	if _, err := bobConn.Write(bcp.EncodeSend(bcp.SendFrame{Message: mustBS(t, "hi ali")})); err != nil {
		t.Fatalf("write send: %v", err)
	}
	if op := readOpcode(t, bobConn); op != bcp.OpStatus {
		t.Fatalf("bob ack frame = %s, want Status", op)
	}
	if op := readOpcode(t, aliConn); op != bcp.OpDeliver {
		t.Fatalf("ali frame = %s, want Deliver", op)
	}
}
