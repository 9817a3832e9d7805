package serialterm

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scripted DeviceTransport. Tests feed it input bytes
// and readiness dispatches; it records everything the loop does to it.
type fakeTransport struct {
	mu           sync.Mutex
	input        bytes.Buffer
	output       bytes.Buffer
	readCap      int // max bytes per Read call, 0 = unlimited
	writeBudget  int // bytes accepted before Write returns 0, -1 = unlimited
	registered   bool
	writable     bool
	deregistered bool
	lastResize   WindowSize

	ready    chan Readiness
	wakeCh   chan struct{}
	interest chan bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		writeBudget: -1,
		ready:       make(chan Readiness),
		wakeCh:      make(chan struct{}, 1),
		interest:    make(chan bool, 8),
	}
}

func (f *fakeTransport) feed(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input.Write(p)
}

func (f *fakeTransport) setWriteBudget(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeBudget = n
}

func (f *fakeTransport) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.output.Bytes()...)
}

func (f *fakeTransport) isDeregistered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deregistered
}

func (f *fakeTransport) resize() WindowSize {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastResize
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.input.Len() == 0 {
		return 0, nil
	}
	limit := len(p)
	if f.readCap > 0 && f.readCap < limit {
		limit = f.readCap
	}
	return f.input.Read(p[:limit])
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeBudget == 0 {
		return 0, nil
	}
	n := len(p)
	if f.writeBudget > 0 && n > f.writeBudget {
		n = f.writeBudget
	}
	f.output.Write(p[:n])
	if f.writeBudget > 0 {
		f.writeBudget -= n
	}
	return n, nil
}

func (f *fakeTransport) OnResize(size WindowSize) {
	f.mu.Lock()
	f.lastResize = size
	f.mu.Unlock()
}

func (f *fakeTransport) Register(writable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	f.writable = writable
	return nil
}

func (f *fakeTransport) Reregister(writable bool) error {
	f.mu.Lock()
	f.writable = writable
	f.mu.Unlock()
	f.interest <- writable
	return nil
}

func (f *fakeTransport) Deregister() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = true
	return nil
}

func (f *fakeTransport) Wait(timeout time.Duration) (Readiness, error) {
	var timer <-chan time.Time
	if timeout >= 0 {
		timer = time.After(timeout)
	}
	select {
	case r := <-f.ready:
		return r, nil
	case <-f.wakeCh:
		return Readiness{Woken: true}, nil
	case <-timer:
		return Readiness{}, nil
	}
}

func (f *fakeTransport) Wake() {
	select {
	case f.wakeCh <- struct{}{}:
	default:
	}
}

func (f *fakeTransport) Close() error { return nil }

// captureEmulator appends every advanced byte and tracks synchronized
// update bookkeeping for the tests to script.
type captureEmulator struct {
	mu        sync.Mutex
	data      []byte
	stopSyncs int
	deadline  time.Time
	pending   bool
	syncBytes int
}

func (e *captureEmulator) Advance(b byte) {
	e.mu.Lock()
	e.data = append(e.data, b)
	e.mu.Unlock()
}

func (e *captureEmulator) StopSync() {
	e.mu.Lock()
	e.stopSyncs++
	e.pending = false
	e.mu.Unlock()
}

func (e *captureEmulator) SyncDeadline() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadline, e.pending
}

func (e *captureEmulator) SyncBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncBytes
}

func (e *captureEmulator) bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.data...)
}

func (e *captureEmulator) stopSyncCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopSyncs
}

func (e *captureEmulator) armSync(deadline time.Time) {
	e.mu.Lock()
	e.deadline = deadline
	e.pending = true
	e.mu.Unlock()
}

type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingListener) SendEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingListener) wakeups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == EventWakeup {
			n++
		}
	}
	return n
}

type loopFixture struct {
	tty      *fakeTransport
	em       *captureEmulator
	term     *Term
	listener *recordingListener
	loop     *EventLoop
	done     <-chan struct{}
}

func startLoop(t *testing.T, configure func(*EventLoop)) *loopFixture {
	t.Helper()
	f := &loopFixture{
		tty:      newFakeTransport(),
		em:       &captureEmulator{},
		listener: &recordingListener{},
	}
	f.term = NewTerm(f.em)
	f.loop = NewEventLoop(f.tty, f.term, f.listener)
	if configure != nil {
		configure(f.loop)
	}
	f.done = f.loop.Spawn()
	t.Cleanup(func() {
		select {
		case <-f.done:
		default:
			_ = f.loop.Notifier().Shutdown()
			select {
			case <-f.done:
			case <-time.After(2 * time.Second):
				t.Error("event loop did not shut down")
			}
		}
	})
	return f
}

func (f *loopFixture) dispatch(t *testing.T, r Readiness) {
	t.Helper()
	select {
	case f.tty.ready <- r:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop never waited for readiness")
	}
}

func (f *loopFixture) waitInterest(t *testing.T, want bool) {
	t.Helper()
	select {
	case got := <-f.tty.interest:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("interest never changed to %v", want)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestEventLoopAdvancesReceivedBytes(t *testing.T) {
	rec := NewExpectBuffer()
	f := startLoop(t, func(l *EventLoop) { l.SetRecorder(rec) })

	f.tty.feed([]byte("hello"))
	f.dispatch(t, Readiness{Readable: true})

	eventually(t, func() bool {
		return bytes.Equal(f.em.bytes(), []byte("hello"))
	}, "bytes never reached the emulator")
	assert.Equal(t, 1, f.listener.wakeups())

	// The recorder mirrors the received stream.
	require.Equal(t, 5, rec.WaitFor([]byte("hello"), time.Second))

	require.NoError(t, f.loop.Notifier().Shutdown())
	<-f.done
	assert.True(t, f.tty.isDeregistered())
	assert.Equal(t, []byte("hello"), rec.Take(-1))
}

func TestEventLoopOrderIndependentOfChunking(t *testing.T) {
	f := startLoop(t, nil)

	f.tty.feed([]byte("he"))
	f.dispatch(t, Readiness{Readable: true})
	eventually(t, func() bool { return len(f.em.bytes()) == 2 }, "first chunk lost")

	f.tty.feed([]byte("llo"))
	f.dispatch(t, Readiness{Readable: true})
	eventually(t, func() bool {
		return bytes.Equal(f.em.bytes(), []byte("hello"))
	}, "chunks reordered or lost")
}

func TestEventLoopZeroReadProducesNothing(t *testing.T) {
	f := startLoop(t, nil)

	f.dispatch(t, Readiness{Readable: true})
	f.dispatch(t, Readiness{Readable: true})

	assert.Empty(t, f.em.bytes())
	assert.Zero(t, f.listener.wakeups())
}

func TestEventLoopWritesInOrderAcrossPartialWrites(t *testing.T) {
	f := startLoop(t, nil)
	f.tty.setWriteBudget(2)

	n := f.loop.Notifier()
	require.NoError(t, n.Notify([]byte("AT\r\n")))
	require.NoError(t, n.Notify([]byte("ATI\r\n")))

	// Queued payloads raise write interest.
	f.waitInterest(t, true)

	f.dispatch(t, Readiness{Writable: true})
	eventually(t, func() bool {
		return bytes.Equal(f.tty.written(), []byte("AT"))
	}, "partial write not stopped at budget")

	// The cursor must resume mid-entry on the next writable dispatch.
	f.tty.setWriteBudget(-1)
	f.dispatch(t, Readiness{Writable: true})
	eventually(t, func() bool {
		return bytes.Equal(f.tty.written(), []byte("AT\r\nATI\r\n"))
	}, "entries drained out of order")

	// Fully drained, interest drops again.
	f.waitInterest(t, false)
}

func TestEventLoopLockedReadCap(t *testing.T) {
	f := startLoop(t, func(l *EventLoop) { l.maxLockedRead = 4 })
	f.tty.readCap = 4

	f.tty.feed([]byte("0123456789"))
	for i := 0; i < 3; i++ {
		f.dispatch(t, Readiness{Readable: true})
	}

	eventually(t, func() bool {
		return bytes.Equal(f.em.bytes(), []byte("0123456789"))
	}, "capped reads never drained the device")
	assert.Equal(t, 3, f.listener.wakeups())
}

func TestEventLoopWaitsForHeldTerminal(t *testing.T) {
	f := startLoop(t, nil)

	// A consumer holds the terminal while bytes arrive.
	f.term.Lock()
	f.tty.feed([]byte("abc"))
	f.dispatch(t, Readiness{Readable: true})

	time.Sleep(10 * time.Millisecond)
	f.term.Unlock()

	eventually(t, func() bool {
		return bytes.Equal(f.em.bytes(), []byte("abc"))
	}, "bytes lost while terminal was held")
}

func TestEventLoopExpiresSyncUpdate(t *testing.T) {
	f := startLoop(t, nil)

	f.em.armSync(time.Now().Add(20 * time.Millisecond))
	// Nudge the loop so it recomputes its wait timeout.
	f.tty.Wake()

	eventually(t, func() bool { return f.em.stopSyncCount() == 1 }, "sync update never expired")
	assert.GreaterOrEqual(t, f.listener.wakeups(), 1)
}

func TestEventLoopSuppressesWakeupForSynchronizedBytes(t *testing.T) {
	f := startLoop(t, nil)

	// Everything read is absorbed into a pending synchronized update.
	f.em.mu.Lock()
	f.em.syncBytes = 1 << 20
	f.em.mu.Unlock()

	f.tty.feed([]byte("\x1b[?2026h"))
	f.dispatch(t, Readiness{Readable: true})

	eventually(t, func() bool { return len(f.em.bytes()) > 0 }, "bytes never parsed")
	assert.Zero(t, f.listener.wakeups())
}

func TestEventLoopForwardsResize(t *testing.T) {
	f := startLoop(t, nil)

	size := WindowSize{NumLines: 50, NumCols: 132, CellWidth: 8, CellHeight: 16}
	require.NoError(t, f.loop.Notifier().Resize(size))

	eventually(t, func() bool { return f.tty.resize() == size }, "resize never reached the device")
}

func TestEventLoopShutdownReportsPendingWrites(t *testing.T) {
	f := startLoop(t, nil)
	f.tty.setWriteBudget(0)

	n := f.loop.Notifier()
	require.NoError(t, n.Notify([]byte("unsent")))
	f.waitInterest(t, true)

	require.NoError(t, n.Shutdown())
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on shutdown")
	}

	assert.True(t, f.tty.isDeregistered())
	assert.Equal(t, 6, f.loop.State().PendingWriteBytes())
}
