package serialterm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wakeCounter satisfies DeviceTransport for Notifier tests; only Wake is
// exercised.
type wakeCounter struct {
	wakes int
}

func (w *wakeCounter) Read([]byte) (int, error)              { return 0, nil }
func (w *wakeCounter) Write(p []byte) (int, error)           { return len(p), nil }
func (w *wakeCounter) OnResize(WindowSize)                   {}
func (w *wakeCounter) Register(bool) error                   { return nil }
func (w *wakeCounter) Reregister(bool) error                 { return nil }
func (w *wakeCounter) Deregister() error                     { return nil }
func (w *wakeCounter) Wait(time.Duration) (Readiness, error) { return Readiness{}, nil }
func (w *wakeCounter) Wake()                                 { w.wakes++ }
func (w *wakeCounter) Close() error                          { return nil }

func TestPeekableReceiverPeekIsIdempotent(t *testing.T) {
	ch := make(chan Msg, 4)
	rx := newPeekableReceiver(ch)

	assert.False(t, rx.peek())

	ch <- InputMsg{Data: []byte("a")}
	assert.True(t, rx.peek())
	assert.True(t, rx.peek())

	m, ok := rx.tryRecv()
	require.True(t, ok)
	assert.Equal(t, InputMsg{Data: []byte("a")}, m)
	assert.False(t, rx.peek())
}

func TestPeekableReceiverPreservesOrder(t *testing.T) {
	ch := make(chan Msg, 4)
	rx := newPeekableReceiver(ch)

	ch <- InputMsg{Data: []byte("first")}
	ch <- ShutdownMsg{}

	require.True(t, rx.peek())
	m, ok := rx.tryRecv()
	require.True(t, ok)
	assert.Equal(t, InputMsg{Data: []byte("first")}, m)

	m, ok = rx.tryRecv()
	require.True(t, ok)
	assert.Equal(t, ShutdownMsg{}, m)

	_, ok = rx.tryRecv()
	assert.False(t, ok)
}

func TestPeekableReceiverPanicsOnClosedChannel(t *testing.T) {
	ch := make(chan Msg)
	rx := newPeekableReceiver(ch)
	close(ch)

	assert.PanicsWithValue(t, "event loop channel closed", func() { rx.peek() })
}

func TestNotifierSendWakes(t *testing.T) {
	tty := &wakeCounter{}
	ch := make(chan Msg, 4)
	n := Notifier{ch: ch, tty: tty}

	require.NoError(t, n.Notify([]byte("data")))
	assert.Equal(t, 1, tty.wakes)
	assert.Len(t, ch, 1)

	require.NoError(t, n.Resize(WindowSize{NumLines: 24, NumCols: 80}))
	require.NoError(t, n.Shutdown())
	assert.Equal(t, 3, tty.wakes)
	assert.Len(t, ch, 3)
}

func TestNotifierSkipsEmptyPayload(t *testing.T) {
	tty := &wakeCounter{}
	ch := make(chan Msg, 4)
	n := Notifier{ch: ch, tty: tty}

	require.NoError(t, n.Notify(nil))
	require.NoError(t, n.Notify([]byte{}))
	assert.Zero(t, tty.wakes)
	assert.Empty(t, ch)
}

func TestNotifierBackpressure(t *testing.T) {
	tty := &wakeCounter{}
	ch := make(chan Msg, 2)
	n := Notifier{ch: ch, tty: tty}

	require.NoError(t, n.Notify([]byte("a")))
	require.NoError(t, n.Notify([]byte("b")))

	err := n.Notify([]byte("c"))
	require.ErrorIs(t, err, ErrChannelFull)
	// The failed send must not wake the loop.
	assert.Equal(t, 2, tty.wakes)
}
