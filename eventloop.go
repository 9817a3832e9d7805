package serialterm

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// ReadBufferSize is the hard cap on bytes a single read pass may hold
	// unparsed while the reader waits for the terminal lock. Reaching it
	// forces the lock instead of reading further.
	ReadBufferSize = 0x10_0000

	// MaxLockedRead bounds how many bytes are parsed under one lock
	// acquisition before the terminal is released to its consumer.
	MaxLockedRead = 0xFFFF
)

// noTimeout makes a transport wait block indefinitely.
const noTimeout = time.Duration(-1)

// EventLoop multiplexes a serial device and a control channel onto one
// goroutine. It reads device bytes into the terminal state machine, drains
// queued writes when the device accepts them, and expires synchronized
// updates on their deadline.
type EventLoop struct {
	tty      DeviceTransport
	term     *Term
	listener EventListener

	tx    chan Msg
	rx    *peekableReceiver
	state *LoopState

	// recorder, when set, receives a copy of every byte read from the
	// device. Used to capture sessions for replay.
	recorder io.Writer

	maxLockedRead int

	logger zerolog.Logger
	done   chan struct{}
}

// NewEventLoop wires a transport, shared terminal and event listener into a
// loop ready to Spawn.
func NewEventLoop(tty DeviceTransport, term *Term, listener EventListener) *EventLoop {
	ch := make(chan Msg, backlog)
	return &EventLoop{
		tty:           tty,
		term:          term,
		listener:      listener,
		tx:            ch,
		rx:            newPeekableReceiver(ch),
		state:         newLoopState(ReadBufferSize),
		maxLockedRead: MaxLockedRead,
		logger:        log.With().Str("component", "eventloop").Logger(),
		done:          make(chan struct{}),
	}
}

// SetLogger replaces the loop logger. Call before Spawn.
func (l *EventLoop) SetLogger(logger zerolog.Logger) {
	l.logger = logger
}

// SetRecorder mirrors all received bytes into w. Call before Spawn.
func (l *EventLoop) SetRecorder(w io.Writer) {
	l.recorder = w
}

// Notifier returns the sending handle for this loop. Safe to share across
// goroutines.
func (l *EventLoop) Notifier() Notifier {
	return Notifier{ch: l.tx, tty: l.tty}
}

// State exposes the loop's write bookkeeping. It is owned by the loop
// goroutine; read it only after the done channel has closed.
func (l *EventLoop) State() *LoopState {
	return l.state
}

// Spawn starts the loop goroutine. The returned channel closes once the
// loop has exited and deregistered the transport.
func (l *EventLoop) Spawn() <-chan struct{} {
	go l.run()
	return l.done
}

func (l *EventLoop) run() {
	defer close(l.done)

	writeInterest := l.state.needsWrite()
	if err := l.tty.Register(writeInterest); err != nil {
		l.logger.Error().Err(err).Msg("device registration failed")
		return
	}
	defer func() {
		if err := l.tty.Deregister(); err != nil {
			l.logger.Warn().Err(err).Msg("device deregistration failed")
		}
	}()

	for {
		// When a synchronized update is pending its deadline bounds the
		// wait, so the update can be expired on time.
		timeout := noTimeout
		if deadline, ok := l.term.emulator().SyncDeadline(); ok {
			timeout = time.Until(deadline)
			if timeout < 0 {
				timeout = 0
			}
		}

		r, err := l.tty.Wait(timeout)
		if err != nil {
			if isTransientIO(err) {
				continue
			}
			l.logger.Error().Err(err).Msg("device wait failed")
			break
		}

		// A wait that produced nothing means the synchronized update
		// deadline passed. Force the update visible and notify.
		if r.none() && !l.rx.peek() {
			em := l.term.Lock()
			em.StopSync()
			l.term.Unlock()
			l.listener.SendEvent(EventWakeup)
			continue
		}

		// Channel messages are handled before device I/O so a queued
		// write is never delayed past a writable dispatch.
		if !l.drainRecv() {
			break
		}

		if r.Unexpected {
			l.logger.Warn().Msg("unexpected device readiness")
		}

		if r.Readable {
			if err := l.deviceRead(); err != nil {
				if isHangupRead(err) {
					// The remote side hung up. The device itself is
					// still there, so keep polling.
					continue
				}
				l.logger.Error().Err(err).Msg("error reading from serial device")
				break
			}
		}

		if r.Writable {
			if err := l.deviceWrite(); err != nil {
				l.logger.Error().Err(err).Msg("error writing to serial device")
				break
			}
		}

		if nw := l.state.needsWrite(); nw != writeInterest {
			if err := l.tty.Reregister(nw); err != nil {
				l.logger.Error().Err(err).Msg("updating device interest failed")
				break
			}
			writeInterest = nw
		}
	}
}

// drainRecv empties the control channel. It returns false when a shutdown
// was requested.
func (l *EventLoop) drainRecv() bool {
	for {
		m, ok := l.rx.tryRecv()
		if !ok {
			return true
		}
		switch m := m.(type) {
		case InputMsg:
			l.state.pushWrite(m.Data)
		case ResizeMsg:
			l.tty.OnResize(m.Size)
		case ShutdownMsg:
			return false
		}
	}
}

// deviceRead drains the device into the terminal state machine. It tries
// to take the terminal lock opportunistically and keeps buffering while a
// consumer holds it, forcing the lock only once the buffer cap is reached.
// At most maxLockedRead bytes are parsed under one acquisition.
func (l *EventLoop) deviceRead() error {
	buf := l.state.buf
	unprocessed := 0
	processed := 0

	// Reserve the next fair slot so the reader does not starve behind a
	// stream of consumer lock acquisitions.
	release := l.term.lease()
	defer release()

	var em Emulator
	locked := false
	defer func() {
		if locked {
			l.term.Unlock()
		}
	}()

	for {
		n, err := l.tty.Read(buf[unprocessed:])
		switch {
		case err != nil:
			if !isTransientIO(err) {
				return err
			}
			// Caught up with the device; stop once nothing is buffered.
			if unprocessed == 0 {
				goto parsed
			}
		case n == 0:
			// Platform signal for "no more data readable right now".
			if unprocessed == 0 {
				goto parsed
			}
		default:
			if l.recorder != nil {
				_, _ = l.recorder.Write(buf[unprocessed : unprocessed+n])
			}
			unprocessed += n
		}

		if !locked {
			var ok bool
			em, ok = l.term.TryLockUnfair()
			if !ok {
				if unprocessed < len(buf) {
					continue
				}
				// Buffer cap reached, block for the lock.
				em = l.term.LockUnfair()
			}
			locked = true
		}

		for _, b := range buf[:unprocessed] {
			em.Advance(b)
		}
		processed += unprocessed
		unprocessed = 0

		if processed >= l.maxLockedRead {
			break
		}
	}

parsed:
	if locked {
		l.term.Unlock()
		locked = false
	}

	// Notify the consumer unless everything parsed was absorbed into a
	// pending synchronized update.
	if processed > 0 && l.term.emulator().SyncBytes() < processed {
		l.listener.SendEvent(EventWakeup)
	}
	return nil
}

// deviceWrite pushes queued payloads to the device in arrival order,
// carrying partial-write cursors across calls.
func (l *EventLoop) deviceWrite() error {
	for {
		entry := l.state.takeCurrent()
		if entry == nil {
			return nil
		}

		n, err := l.tty.Write(entry.remaining())
		if err != nil {
			if isTransientIO(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}

		entry.advance(n)
		if entry.finished() {
			l.state.gotoNext()
		}
	}
}
