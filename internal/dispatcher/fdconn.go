package dispatcher

import (
	"io"

	"golang.org/x/sys/unix"
)

// FDConn adapts a raw non-blocking socket descriptor to io.ReadWriteCloser
// so the bcp codec's io.Reader-based readers work unmodified whether the
// underlying transport is epoll-driven raw sockets (production) or a
// net.Pipe / bytes.Buffer (tests).
//
// A single Read or Write issues exactly one syscall: on a non-blocking,
// edge-triggered fd, a task step that needs more bytes than one syscall
// returned has, by spec §4.1, suffered a fatal partial read and the
// connection moves to Error — there is no internal retry loop here.
type FDConn struct {
	Fd int
}

func (c FDConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.Fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c FDConn) Write(p []byte) (int, error) {
	return unix.Write(c.Fd, p)
}

func (c FDConn) Close() error {
	return unix.Close(c.Fd)
}

// IsWouldBlock reports whether err is EAGAIN/EWOULDBLOCK: no data was
// ready yet on a non-blocking fd, as opposed to a genuine I/O failure.
func IsWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
