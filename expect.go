package serialterm

import (
	"bytes"
	"sync"
	"time"
)

// ExpectBuffer accumulates bytes written to it and lets another goroutine
// block until a pattern shows up. Plugged into EventLoop.SetRecorder it
// scripts request/response exchanges over the device: send a command
// through the Notifier, then WaitFor the reply terminator.
//
// All methods are safe for concurrent use.
type ExpectBuffer struct {
	mu  sync.Mutex
	buf []byte

	// wait is closed and replaced on every append; waiters snapshot it
	// under the lock and block on the snapshot.
	wait chan struct{}
}

func NewExpectBuffer() *ExpectBuffer {
	return &ExpectBuffer{wait: make(chan struct{})}
}

// Write implements io.Writer. It never fails.
func (b *ExpectBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	old := b.wait
	b.wait = make(chan struct{})
	b.mu.Unlock()
	close(old)
	return len(p), nil
}

// Len returns the number of buffered bytes.
func (b *ExpectBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Take removes and returns up to count buffered bytes; -1 takes everything.
func (b *ExpectBuffer) Take(count int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count < 0 || count > len(b.buf) {
		count = len(b.buf)
	}
	ret := append([]byte(nil), b.buf[:count]...)
	b.buf = b.buf[count:]
	return ret
}

// WaitFor blocks until pattern appears in the buffered bytes or maxWait
// elapses. It returns the index just past the match, or -1 on timeout. A
// non-positive maxWait checks the current buffer without waiting. The
// buffer is not consumed; pair with Take.
func (b *ExpectBuffer) WaitFor(pattern []byte, maxWait time.Duration) int {
	var deadline time.Time
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}

	// Resume scanning where the previous pass left off, keeping the last
	// len(pattern)-1 bytes in range since a match may straddle appends.
	overlap := len(pattern) - 1
	if overlap < 0 {
		overlap = 0
	}
	start := 0

	for {
		b.mu.Lock()
		if i := bytes.Index(b.buf[start:], pattern); i >= 0 {
			end := start + i + len(pattern)
			b.mu.Unlock()
			return end
		}
		if next := len(b.buf) - overlap; next > start {
			start = next
		}
		ch := b.wait
		b.mu.Unlock()

		if deadline.IsZero() {
			return -1
		}
		rem := time.Until(deadline)
		if rem <= 0 {
			return -1
		}
		timer := time.NewTimer(rem)
		select {
		case <-ch:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			return -1
		}
	}
}
