package dispatcher

import (
	"os"
	"os/signal"
	"syscall"
)

// SignalPipe is the classic self-pipe trick: os/signal delivers SIGINT on
// a Go channel, and a goroutine turns that into a byte written to a pipe
// whose read end is armed in the epoll set, so the dispatcher observes
// shutdown requests the same way it observes any other readiness event
// (spec.md §4.5 step 1, §6 "Signals").
type SignalPipe struct {
	r, w  *os.File
	sigCh chan os.Signal
	done  chan struct{}
}

// NewSignalPipe installs a SIGINT handler and returns the pipe whose read
// fd should be armed in the poller.
func NewSignalPipe() (*SignalPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	sp := &SignalPipe{
		r:     r,
		w:     w,
		sigCh: make(chan os.Signal, 1),
		done:  make(chan struct{}),
	}
	signal.Notify(sp.sigCh, syscall.SIGINT)
	go func() {
		select {
		case <-sp.sigCh:
			_, _ = sp.w.Write([]byte{1})
		case <-sp.done:
		}
	}()
	return sp, nil
}

// Fd is the descriptor to arm in the poller.
func (sp *SignalPipe) Fd() int { return int(sp.r.Fd()) }

// Drain consumes the wakeup byte(s).
func (sp *SignalPipe) Drain() {
	buf := make([]byte, 16)
	_, _ = sp.r.Read(buf)
}

// Raise wakes the dispatcher the same way a real SIGINT would, for
// programmatic shutdown (Server.Shutdown, tests).
func (sp *SignalPipe) Raise() error {
	_, err := sp.w.Write([]byte{1})
	return err
}

// Close stops the signal handler and releases the pipe.
func (sp *SignalPipe) Close() {
	signal.Stop(sp.sigCh)
	close(sp.done)
	_ = sp.w.Close()
	_ = sp.r.Close()
}
