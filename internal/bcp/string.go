package bcp

import "fmt"

// BoundedString owns up to MaxStringLen bytes plus an implicit 16-bit
// length on the wire. Contents need not be NUL-terminated; sanitisation may
// append one, but the codec itself never inspects content, only length.
type BoundedString struct {
	data []byte
}

// NewBoundedString validates and wraps a Go string as a BoundedString.
func NewBoundedString(s string) (BoundedString, error) {
	return BoundedStringFromBytes([]byte(s))
}

// BoundedStringFromBytes validates and wraps a byte slice as a BoundedString.
// The slice is copied so the caller may reuse its backing array.
func BoundedStringFromBytes(b []byte) (BoundedString, error) {
	if len(b) > MaxStringLen {
		return BoundedString{}, fmt.Errorf("bcp: string length %d exceeds max %d", len(b), MaxStringLen)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return BoundedString{data: cp}, nil
}

// Len returns the wire-encoded 16-bit length.
func (b BoundedString) Len() uint16 { return uint16(len(b.data)) }

// Bytes returns the raw bytes (not a copy; callers must not mutate it).
func (b BoundedString) Bytes() []byte { return b.data }

// String renders the bytes as a Go string.
func (b BoundedString) String() string { return string(b.data) }

// Empty reports whether the string carries zero bytes.
func (b BoundedString) Empty() bool { return len(b.data) == 0 }
