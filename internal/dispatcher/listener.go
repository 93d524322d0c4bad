package dispatcher

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ListenTCP opens a non-blocking IPv4 TCP listening socket on port with
// SO_REUSEADDR and SO_REUSEPORT set and the maximum backlog, per spec.md
// §6 "Transport".
func ListenTCP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dispatcher: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("dispatcher: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("dispatcher: SO_REUSEPORT: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("dispatcher: bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("dispatcher: listen: %w", err)
	}
	return fd, nil
}

// AcceptOne accepts a single pending connection on a non-blocking listen
// fd. It returns (-1, a zero address, unix.EAGAIN) when nothing is pending.
func AcceptOne(listenFd int) (int, [4]byte, error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, [4]byte{}, err
	}
	var addr [4]byte
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		addr = in4.Addr
	}
	return nfd, addr, nil
}

// CloseFd closes a raw descriptor, for the listen socket and any peer fd
// not already wrapped in an FDConn.
func CloseFd(fd int) error {
	return unix.Close(fd)
}

// BoundPort reports the port a listening socket was bound to, resolving
// the ephemeral port the kernel picked when ListenTCP was called with 0.
func BoundPort(listenFd int) (int, error) {
	sa, err := unix.Getsockname(listenFd)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("dispatcher: unexpected sockaddr type %T", sa)
	}
	return in4.Port, nil
}
