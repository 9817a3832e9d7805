package serialterm

import (
	"errors"
	"time"
)

var (
	// ErrNoDeviceSelected is returned when the options carry an empty
	// device path.
	ErrNoDeviceSelected = errors.New("no serial device selected")

	// ErrSettingsNotApplied is returned when the line settings read back
	// from the device after configuration do not match what was requested.
	ErrSettingsNotApplied = errors.New("serial settings did not apply")

	// ErrChannelFull is returned by Notifier sends when the control
	// channel backlog is exhausted.
	ErrChannelFull = errors.New("event loop channel full")
)

// WindowSize carries the terminal dimensions of a Resize message: the grid
// in cells and the cell size in pixels. A serial line has no notion of
// either, but the surrounding protocol always sends it.
type WindowSize struct {
	NumLines   uint16
	NumCols    uint16
	CellWidth  uint16
	CellHeight uint16
}

// Readiness is the outcome of a transport wait.
type Readiness struct {
	// Readable reports the device has bytes (or a hangup) to read.
	Readable bool
	// Writable reports the device can accept bytes.
	Writable bool
	// Woken reports a Wake call interrupted the wait.
	Woken bool
	// Unexpected reports a readiness condition outside the registered
	// interest (spurious notifications happen on every polling backend).
	Unexpected bool
}

// none reports that the wait produced no device readiness and no wake,
// meaning it returned because the timeout elapsed.
func (r Readiness) none() bool {
	return !r.Readable && !r.Writable && !r.Woken && !r.Unexpected
}

// DeviceTransport is the capability set the event loop requires of a
// device. *SerialTty is the production implementation; one variant is
// selected per target OS at build time. The loop goroutine owns the
// transport exclusively except for Wake and OnResize, which any goroutine
// may call.
type DeviceTransport interface {
	// Read reads available bytes without blocking. A WouldBlock or
	// Interrupted error, or a zero count on platforms that signal "no
	// data" that way, means nothing is readable right now.
	Read(p []byte) (int, error)

	// Write writes as many bytes as the device accepts without blocking
	// and reports how many were taken.
	Write(p []byte) (int, error)

	// OnResize accepts a window size change. Serial lines ignore it.
	OnResize(WindowSize)

	// Register installs readiness interest. Read interest is always
	// registered; write interest follows the writable flag.
	Register(writable bool) error

	// Reregister updates the registered interest.
	Reregister(writable bool) error

	// Deregister removes all readiness interest.
	Deregister() error

	// Wait blocks until the device matches the registered interest, Wake
	// is called, or the timeout elapses. A negative timeout blocks
	// indefinitely.
	Wait(timeout time.Duration) (Readiness, error)

	// Wake interrupts a concurrent Wait. Safe from any goroutine.
	Wake()

	// Close releases the device handle. It never sends a line-reset
	// control signal: the device is a persistent external peer, not a
	// transient child-process pipe.
	Close() error
}
