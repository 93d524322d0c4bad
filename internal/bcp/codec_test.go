package bcp

import (
	"bytes"
	"strings"
	"testing"
)

func mustBS(t *testing.T, s string) BoundedString {
	t.Helper()
	bs, err := NewBoundedString(s)
	if err != nil {
		t.Fatalf("NewBoundedString(%d bytes): %v", len(s), err)
	}
	return bs
}

func TestClassifyOpcode(t *testing.T) {
	for _, op := range []Opcode{OpRegister, OpSend, OpDeliver, OpStatus} {
		got, err := ClassifyOpcode(byte(op))
		if err != nil || got != op {
			t.Fatalf("ClassifyOpcode(%d) = %v, %v; want %v, nil", op, got, err, op)
		}
	}
	if _, err := ClassifyOpcode(0); err == nil {
		t.Fatalf("expected error for opcode 0")
	}
	if _, err := ClassifyOpcode(9); err == nil {
		t.Fatalf("expected error for opcode 9")
	}
}

func TestDeliverRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, MaxStringLen} {
		from := mustBS(t, strings.Repeat("a", min(n, MaxStringLen)))
		msg := mustBS(t, strings.Repeat("b", n))
		want := DeliverFrame{From: from, Message: msg}
		wire := EncodeDeliver(want)

		op, err := ReadOpcode(bytes.NewReader(wire[:1]))
		if err != nil || op != OpDeliver {
			t.Fatalf("opcode round trip: %v %v", op, err)
		}
		got, err := ReadDeliver(bytes.NewReader(wire[1:]))
		if err != nil {
			t.Fatalf("ReadDeliver: %v", err)
		}
		if !bytes.Equal(got.From.Bytes(), want.From.Bytes()) || !bytes.Equal(got.Message.Bytes(), want.Message.Bytes()) {
			t.Fatalf("round trip mismatch at n=%d", n)
		}
		// re-encoding the decoded frame must reproduce the same wire bytes.
		if !bytes.Equal(EncodeDeliver(got), wire) {
			t.Fatalf("encode(decode(bytes)) != bytes at n=%d", n)
		}
	}
}

func TestStatusRoundTrip(t *testing.T) {
	want := StatusFrame{Code: StatusError, Message: mustBS(t, "duplicate username")}
	wire := EncodeStatus(want)
	got, err := ReadStatus(bytes.NewReader(wire[1:]))
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if got.Code != want.Code || got.Message.String() != want.Message.String() {
		t.Fatalf("status mismatch: %+v vs %+v", got, want)
	}
}

func TestReadBoundedStringOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x10, 0x00}) // length 4096 > MaxStringLen
	_, err := readBoundedString(&buf)
	if !IsFraming(err) {
		t.Fatalf("expected FramingError for oversize length, got %v", err)
	}
}

func TestReadBoundedStringTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x05})
	buf.Write([]byte{1, 2, 3}) // only 3 of 5 declared bytes
	_, err := readBoundedString(&buf)
	if !IsFraming(err) {
		t.Fatalf("expected FramingError for truncated payload, got %v", err)
	}
}

func TestReadOpcodeUnknownIsFraming(t *testing.T) {
	_, err := ReadOpcode(bytes.NewReader([]byte{0x09}))
	if !IsFraming(err) {
		t.Fatalf("expected FramingError for bad opcode, got %v", err)
	}
}
