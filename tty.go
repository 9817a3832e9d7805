package serialterm

import (
	"fmt"
	"sync"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// TraceHandler receives trace events that pass the configured trace level.
type TraceHandler func(gxcommon.TraceEventArgs)

// SerialTty is an open serial device configured from SerialOptions. It
// implements DeviceTransport; after Open the handle belongs to the event
// loop goroutine, except for Wake, OnResize and Close.
type SerialTty struct {
	opts SerialOptions
	s    port

	mu         sync.RWMutex
	traceLevel gxcommon.TraceLevel
	onTrace    TraceHandler

	closeOnce sync.Once

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Printer for localized messages.
	p *message.Printer
}

// GetPortNames returns the list of serial devices currently enumerable on
// this system.
func GetPortNames() ([]string, error) {
	return getPortNames()
}

// Open opens and configures the serial device described by opts.
//
// The device name is resolved against the enumerated ports first; a missing
// match is not fatal (the literal path is attempted anyway) but is logged,
// since it usually means a typo or an unplugged adapter. Configuration is
// applied through the native serial-control structure and read back; a
// mismatch fails the open with ErrSettingsNotApplied.
func Open(opts SerialOptions) (*SerialTty, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	t := &SerialTty{opts: opts}
	t.Localize(language.AmericanEnglish)

	if names, err := getPortNames(); err == nil {
		found := false
		for _, name := range names {
			if name == opts.Name {
				found = true
				break
			}
		}
		if !found {
			log.Warn().Str("device", opts.Name).
				Msg(t.p.Sprintf("msg.not_enumerated", opts.Name))
		}
	}

	t.trace(gxcommon.TraceTypesInfo, t.p.Sprintf("msg.connecting_to", opts.Name))
	if err := openPort(t); err != nil {
		t.trace(gxcommon.TraceTypesError, t.p.Sprintf("msg.connect_failed", opts.Name, err))
		return nil, err
	}
	t.trace(gxcommon.TraceTypesInfo, t.p.Sprintf("msg.connected_to", opts.Name))
	return t, nil
}

// Options returns the options the device was opened with.
func (t *SerialTty) Options() SerialOptions {
	return t.opts
}

// String implements fmt.Stringer.
func (t *SerialTty) String() string {
	return t.opts.String()
}

// IsOpen reports whether the device handle is still held.
func (t *SerialTty) IsOpen() bool {
	return t.s.isOpen()
}

// BytesSent returns the number of bytes written to the device so far.
func (t *SerialTty) BytesSent() uint64 {
	return t.bytesSent.Load()
}

// BytesReceived returns the number of bytes read from the device so far.
func (t *SerialTty) BytesReceived() uint64 {
	return t.bytesReceived.Load()
}

// ResetByteCounters zeroes both byte counters.
func (t *SerialTty) ResetByteCounters() {
	t.bytesSent.Store(0)
	t.bytesReceived.Store(0)
}

// GetTrace returns the active trace level.
func (t *SerialTty) GetTrace() gxcommon.TraceLevel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.traceLevel
}

// SetTrace sets the active trace level.
func (t *SerialTty) SetTrace(traceLevel gxcommon.TraceLevel) {
	t.mu.Lock()
	t.traceLevel = traceLevel
	t.mu.Unlock()
}

// SetOnTrace installs the trace callback.
func (t *SerialTty) SetOnTrace(value TraceHandler) {
	t.mu.Lock()
	t.onTrace = value
	t.mu.Unlock()
}

// Localize selects the language used for status messages. Unsupported
// languages fall back to English.
func (t *SerialTty) Localize(tag language.Tag) {
	t.p = message.NewPrinter(tag)
}

// Read implements DeviceTransport.
func (t *SerialTty) Read(p []byte) (int, error) {
	n, err := t.s.read(p)
	if n > 0 {
		t.bytesReceived.Add(uint64(n))
		t.tracef(gxcommon.TraceTypesReceived, "RX: %q", p[:n])
	}
	return n, err
}

// Write implements DeviceTransport.
func (t *SerialTty) Write(p []byte) (int, error) {
	n, err := t.s.write(p)
	if n > 0 {
		t.bytesSent.Add(uint64(n))
		t.tracef(gxcommon.TraceTypesSent, "TX: %q", p[:n])
	}
	return n, err
}

// OnResize implements DeviceTransport. A serial line has no window size, so
// the notification is accepted and dropped.
func (t *SerialTty) OnResize(WindowSize) {}

// Register implements DeviceTransport.
func (t *SerialTty) Register(writable bool) error {
	return t.s.register(writable)
}

// Reregister implements DeviceTransport.
func (t *SerialTty) Reregister(writable bool) error {
	return t.s.reregister(writable)
}

// Deregister implements DeviceTransport.
func (t *SerialTty) Deregister() error {
	return t.s.deregister()
}

// Wait implements DeviceTransport.
func (t *SerialTty) Wait(timeout time.Duration) (Readiness, error) {
	return t.s.wait(timeout)
}

// Wake implements DeviceTransport.
func (t *SerialTty) Wake() {
	t.s.wake()
}

// Close implements DeviceTransport. The handle is closed exactly once; no
// hangup or line-reset signal is sent, the external device outlives us.
func (t *SerialTty) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.trace(gxcommon.TraceTypesInfo, t.p.Sprintf("msg.closing_connection", t.opts.Name))
		err = t.s.close()
		t.trace(gxcommon.TraceTypesInfo, t.p.Sprintf("msg.connection_closed", t.opts.Name))
	})
	return err
}

func (t *SerialTty) tracef(traceType gxcommon.TraceTypes, fmtStr string, a ...any) {
	t.mu.RLock()
	emit := !(int(t.traceLevel) < int(traceType))
	cb := t.onTrace
	t.mu.RUnlock()
	if cb != nil && emit {
		cb(*gxcommon.NewTraceEventArgs(traceType, fmt.Sprintf(fmtStr, a...), t.opts.Name))
	}
}

func (t *SerialTty) trace(traceType gxcommon.TraceTypes, message string) {
	t.mu.RLock()
	emit := !(int(t.traceLevel) < int(traceType))
	cb := t.onTrace
	t.mu.RUnlock()
	if cb != nil && emit {
		cb(*gxcommon.NewTraceEventArgs(traceType, message, t.opts.Name))
	}
}

//nolint:errcheck
func init() {
	// --- English (default) ---
	message.SetString(language.AmericanEnglish, "msg.connecting_to", "Connecting to %s")
	message.SetString(language.AmericanEnglish, "msg.connect_failed", "connect to %s failed: %v")
	message.SetString(language.AmericanEnglish, "msg.connected_to", "Connected to %s")
	message.SetString(language.AmericanEnglish, "msg.not_enumerated", "%s not found among enumerated ports")
	message.SetString(language.AmericanEnglish, "msg.closing_connection", "Closing connection to %s")
	message.SetString(language.AmericanEnglish, "msg.connection_closed", "Connection closed to %s")

	// --- German (de) ---
	message.SetString(language.German, "msg.connecting_to", "Verbinde mit %s")
	message.SetString(language.German, "msg.connect_failed", "Verbindung zu %s fehlgeschlagen: %v")
	message.SetString(language.German, "msg.connected_to", "Verbunden mit %s")
	message.SetString(language.German, "msg.not_enumerated", "%s nicht unter den erkannten Ports gefunden")
	message.SetString(language.German, "msg.closing_connection", "Verbindung zu %s wird geschlossen")
	message.SetString(language.German, "msg.connection_closed", "Verbindung zu %s wurde geschlossen")

	// --- Korean (ko) ---
	message.SetString(language.Korean, "msg.connecting_to", "%s에 연결하는 중")
	message.SetString(language.Korean, "msg.connect_failed", "%s 연결 실패: %v")
	message.SetString(language.Korean, "msg.connected_to", "%s에 연결됨")
	message.SetString(language.Korean, "msg.not_enumerated", "%s을(를) 검색된 포트에서 찾을 수 없음")
	message.SetString(language.Korean, "msg.closing_connection", "%s 연결을 닫는 중")
	message.SetString(language.Korean, "msg.connection_closed", "%s 연결이 닫힘")
}
