package sanitize

import (
	"strings"
	"testing"

	"github.com/kstaniek/go-bcp-chatd/internal/bcp"
)

func bs(t *testing.T, s string) bcp.BoundedString {
	t.Helper()
	v, err := bcp.NewBoundedString(s)
	if err != nil {
		t.Fatalf("NewBoundedString: %v", err)
	}
	return v
}

func TestStrictDropsControlAndSpace(t *testing.T) {
	got, err := Sanitize(bs(t, "al i\tce\n"), Strict)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if got.String() != "alice\x00" {
		t.Fatalf("got %q", got.String())
	}
}

func TestPermissiveKeepsTabNewlineSpace(t *testing.T) {
	got, err := Sanitize(bs(t, "hi\tthere\n"), Permissive)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if got.String() != "hi\tthere\n\x00" {
		t.Fatalf("got %q", got.String())
	}
}

func TestEmptyAfterFilterFails(t *testing.T) {
	if _, err := Sanitize(bs(t, "\x01\x02\x03"), Strict); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	once, err := Sanitize(bs(t, "bob says: hi!"), Permissive)
	if err != nil {
		t.Fatalf("first Sanitize: %v", err)
	}
	twice, err := Sanitize(once, Permissive)
	if err != nil {
		t.Fatalf("second Sanitize: %v", err)
	}
	if once.String() != twice.String() {
		t.Fatalf("not idempotent: %q vs %q", once.String(), twice.String())
	}
}

func TestMaxLengthClamped(t *testing.T) {
	got, err := Sanitize(bs(t, strings.Repeat("x", bcp.MaxStringLen)), Strict)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if int(got.Len()) > bcp.MaxStringLen {
		t.Fatalf("result length %d exceeds max %d", got.Len(), bcp.MaxStringLen)
	}
}
