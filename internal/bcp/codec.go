package bcp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ReadOpcode reads and classifies the single opcode octet that begins every
// frame. A read failure is returned verbatim (the caller distinguishes
// EAGAIN-style "nothing ready yet" from genuine I/O failure); an
// out-of-range octet is wrapped as a FramingError.
func ReadOpcode(r io.Reader) (Opcode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	op, err := ClassifyOpcode(b[0])
	if err != nil {
		return 0, framingErr("bad opcode", err)
	}
	return op, nil
}

// readBoundedString reads the 16-bit big-endian length prefix followed by
// that many bytes. A length exceeding MaxStringLen, or a short read of
// either the length or the payload, is a fatal FramingError.
func readBoundedString(r io.Reader) (BoundedString, error) {
	var lb [2]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return BoundedString{}, framingErr("truncated length prefix", err)
	}
	length := binary.BigEndian.Uint16(lb[:])
	if int(length) > MaxStringLen {
		return BoundedString{}, framingErr(fmt.Sprintf("oversize length %d", length), nil)
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return BoundedString{}, framingErr("truncated string payload", err)
		}
	}
	return BoundedString{data: buf}, nil
}

func writeBoundedString(w *bytes.Buffer, s BoundedString) {
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], s.Len())
	w.Write(lb[:])
	w.Write(s.Bytes())
}

// ReadRegister reads a Register frame's payload (opcode already consumed).
func ReadRegister(r io.Reader) (RegisterFrame, error) {
	username, err := readBoundedString(r)
	if err != nil {
		return RegisterFrame{}, err
	}
	return RegisterFrame{Username: username}, nil
}

// ReadSend reads a Send frame's payload (opcode already consumed).
func ReadSend(r io.Reader) (SendFrame, error) {
	msg, err := readBoundedString(r)
	if err != nil {
		return SendFrame{}, err
	}
	return SendFrame{Message: msg}, nil
}

// ReadDeliver reads a Deliver frame's payload. The server never builds one
// of these for itself to parse, but the reader is symmetric with the
// encoder so tests can round-trip it.
func ReadDeliver(r io.Reader) (DeliverFrame, error) {
	from, err := readBoundedString(r)
	if err != nil {
		return DeliverFrame{}, err
	}
	msg, err := readBoundedString(r)
	if err != nil {
		return DeliverFrame{}, err
	}
	return DeliverFrame{From: from, Message: msg}, nil
}

// ReadStatus reads a Status frame's payload (opcode already consumed).
func ReadStatus(r io.Reader) (StatusFrame, error) {
	var cb [1]byte
	if _, err := io.ReadFull(r, cb[:]); err != nil {
		return StatusFrame{}, framingErr("truncated status code", err)
	}
	code := StatusCode(cb[0])
	if code != StatusGood && code != StatusError {
		return StatusFrame{}, framingErr(fmt.Sprintf("bad status code %d", cb[0]), nil)
	}
	msg, err := readBoundedString(r)
	if err != nil {
		return StatusFrame{}, err
	}
	return StatusFrame{Code: code, Message: msg}, nil
}

// EncodeRegister builds the wire bytes for a Register frame. The server
// never sends one; provided for symmetry and round-trip tests.
func EncodeRegister(f RegisterFrame) []byte {
	var buf bytes.Buffer
	buf.Grow(1 + 2 + int(f.Username.Len()))
	buf.WriteByte(byte(OpRegister))
	writeBoundedString(&buf, f.Username)
	return buf.Bytes()
}

// EncodeSend builds the wire bytes for a Send frame. The server never
// sends one; provided for symmetry and round-trip tests.
func EncodeSend(f SendFrame) []byte {
	var buf bytes.Buffer
	buf.Grow(1 + 2 + int(f.Message.Len()))
	buf.WriteByte(byte(OpSend))
	writeBoundedString(&buf, f.Message)
	return buf.Bytes()
}

// EncodeDeliver builds the wire bytes for a Deliver frame.
func EncodeDeliver(f DeliverFrame) []byte {
	var buf bytes.Buffer
	buf.Grow(1 + 2 + int(f.From.Len()) + 2 + int(f.Message.Len()))
	buf.WriteByte(byte(OpDeliver))
	writeBoundedString(&buf, f.From)
	writeBoundedString(&buf, f.Message)
	return buf.Bytes()
}

// EncodeStatus builds the wire bytes for a Status frame.
func EncodeStatus(f StatusFrame) []byte {
	var buf bytes.Buffer
	buf.Grow(1 + 1 + 2 + int(f.Message.Len()))
	buf.WriteByte(byte(OpStatus))
	buf.WriteByte(byte(f.Code))
	writeBoundedString(&buf, f.Message)
	return buf.Bytes()
}

// IsFraming reports whether err is (or wraps) a FramingError.
func IsFraming(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}
