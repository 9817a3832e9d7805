package serialterm

// Msg is a message delivered to the event loop through its Notifier.
type Msg interface {
	isMsg()
}

// InputMsg carries bytes to be written to the device. The payload is sent
// verbatim; entries are written fully and in order of arrival.
type InputMsg struct {
	Data []byte
}

// ResizeMsg informs the device of a new window geometry.
type ResizeMsg struct {
	Size WindowSize
}

// ShutdownMsg asks the event loop to terminate.
type ShutdownMsg struct{}

func (InputMsg) isMsg()    {}
func (ResizeMsg) isMsg()   {}
func (ShutdownMsg) isMsg() {}

// backlog bounds the number of undelivered messages. Sends beyond it fail
// with ErrChannelFull instead of blocking the caller.
const backlog = 1024

// peekableReceiver wraps the loop side of the message channel with
// one-message lookahead so the loop can check for pending work without
// consuming it.
type peekableReceiver struct {
	ch     <-chan Msg
	peeked *Msg
}

func newPeekableReceiver(ch <-chan Msg) *peekableReceiver {
	return &peekableReceiver{ch: ch}
}

// tryRecv returns the next message without blocking.
func (r *peekableReceiver) tryRecv() (Msg, bool) {
	if r.peeked != nil {
		m := *r.peeked
		r.peeked = nil
		return m, true
	}
	select {
	case m, ok := <-r.ch:
		if !ok {
			panic("event loop channel closed")
		}
		return m, true
	default:
		return nil, false
	}
}

// peek reports whether a message is pending. Repeated calls without an
// intervening tryRecv see the same message.
func (r *peekableReceiver) peek() bool {
	if r.peeked != nil {
		return true
	}
	select {
	case m, ok := <-r.ch:
		if !ok {
			panic("event loop channel closed")
		}
		r.peeked = &m
		return true
	default:
		return false
	}
}

// Notifier is the handle other goroutines use to feed the event loop. It is
// safe for concurrent use; a copy refers to the same loop.
type Notifier struct {
	ch  chan<- Msg
	tty DeviceTransport
}

// Send queues a message for the loop and wakes it. It never blocks; when
// the backlog is full the message is dropped and ErrChannelFull returned.
func (n Notifier) Send(m Msg) error {
	select {
	case n.ch <- m:
	default:
		return ErrChannelFull
	}
	n.tty.Wake()
	return nil
}

// Notify queues payload for writing to the device. Empty payloads are
// skipped without touching the loop.
func (n Notifier) Notify(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	return n.Send(InputMsg{Data: payload})
}

// Resize reports a new window geometry to the device.
func (n Notifier) Resize(size WindowSize) error {
	return n.Send(ResizeMsg{Size: size})
}

// Shutdown asks the loop to exit after draining its queued writes.
func (n Notifier) Shutdown() error {
	return n.Send(ShutdownMsg{})
}
