// Package sanitize filters inbound BCP strings to an allowed ASCII subset
// before they are stored (usernames) or rebroadcast (chat messages).
package sanitize

import (
	"errors"

	"github.com/kstaniek/go-bcp-chatd/internal/bcp"
)

// Mode selects the allowed character set.
type Mode int

const (
	// Strict allows only printable ASCII 0x21..0x7E. Used for usernames.
	Strict Mode = iota
	// Permissive allows Strict's set plus TAB, LF, and SPACE. Used for
	// chat/message text and server notices.
	Permissive
)

// ErrEmpty is returned when the filtered output carries zero bytes.
var ErrEmpty = errors.New("sanitize: filtered result is empty")

func allowed(b byte, mode Mode) bool {
	if b >= 0x21 && b <= 0x7E {
		return true
	}
	if mode == Permissive {
		switch b {
		case 0x09, 0x0A, 0x20:
			return true
		}
	}
	return false
}

// Sanitize filters in to the allowed set for mode, appends a terminating
// NUL if the result doesn't already end in one, and fails iff the filtered
// content (before any appended NUL) is empty.
func Sanitize(in bcp.BoundedString, mode Mode) (bcp.BoundedString, error) {
	src := in.Bytes()
	filtered := make([]byte, 0, len(src))
	for _, b := range src {
		if allowed(b, mode) {
			filtered = append(filtered, b)
		}
	}
	if len(filtered) == 0 {
		return bcp.BoundedString{}, ErrEmpty
	}
	if len(filtered) > bcp.MaxStringLen-1 {
		filtered = filtered[:bcp.MaxStringLen-1]
	}
	// allowed() never passes through 0x00, so filtered never already ends
	// in a NUL; the terminator is always appended here.
	filtered = append(filtered, 0x00)
	return bcp.BoundedStringFromBytes(filtered)
}
