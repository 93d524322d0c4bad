package dispatcher

import (
	"os"
	"time"
)

// TickPipe raises the periodic idle-audit tick (spec.md §4.5 step 1,
// §6 "raised every 10 s by an interval timer") as a readiness event, the
// same self-pipe shape as SignalPipe.
type TickPipe struct {
	r, w   *os.File
	ticker *time.Ticker
	done   chan struct{}
}

// NewTickPipe starts a ticker at interval and returns the pipe whose read
// fd should be armed in the poller.
func NewTickPipe(interval time.Duration) (*TickPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	tp := &TickPipe{r: r, w: w, ticker: time.NewTicker(interval), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-tp.ticker.C:
				_, _ = tp.w.Write([]byte{1})
			case <-tp.done:
				return
			}
		}
	}()
	return tp, nil
}

// Fd is the descriptor to arm in the poller.
func (tp *TickPipe) Fd() int { return int(tp.r.Fd()) }

// Drain consumes the wakeup byte(s).
func (tp *TickPipe) Drain() {
	buf := make([]byte, 16)
	_, _ = tp.r.Read(buf)
}

// Close stops the ticker and releases the pipe.
func (tp *TickPipe) Close() {
	tp.ticker.Stop()
	close(tp.done)
	_ = tp.w.Close()
	_ = tp.r.Close()
}
