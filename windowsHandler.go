//go:build windows

package serialterm

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const defaultDevicePath = "COM1"

type port struct {
	h       windows.Handle
	ovRead  windows.Overlapped
	ovWrite windows.Overlapped
	ovEvent windows.Overlapped

	// Manual-reset event other goroutines signal to interrupt a wait.
	wakeEvent windows.Handle

	// A WaitCommEvent is outstanding until its event fires; issuing a
	// second one on the same OVERLAPPED is an error.
	eventPending bool
	eventMask    uint32

	registered bool
	writable   bool
}

func (p *port) isOpen() bool {
	return p != nil && p.h != 0 && p.h != windows.InvalidHandle
}

// getPortNames retrieves the list of available serial port names on a Windows system by querying the registry.
func getPortNames() ([]string, error) {
	const path = `HARDWARE\DEVICEMAP\SERIALCOMM`

	key, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		if err == registry.ErrNotExist {
			return []string{}, nil
		}
		return nil, err
	}
	defer func() {
		_ = key.Close()
	}()

	valueNames, err := key.ReadValueNames(-1)
	if err != nil {
		return nil, err
	}

	var ports []string
	for _, name := range valueNames {
		port, _, err := key.GetStringValue(name)
		if err == nil {
			ports = append(ports, port)
		}
	}
	return ports, nil
}

const (
	dcbFBinary         = 1 << 0
	dcbFParity         = 1 << 1
	dcbFOutxCtsFlow    = 1 << 2
	dcbFOutxDsrFlow    = 1 << 3
	dcbFDsrSensitivity = 1 << 6
	dcbFOutX           = 1 << 8
	dcbFInX            = 1 << 9
	dcbFErrorChar      = 1 << 10
	dcbFNull           = 1 << 11
	dcbFAbortOnError   = 1 << 14
	dcbFDtrControlMask = 0x3 << 4  // bits 4-5
	dcbFRtsControlMask = 0x3 << 12 // bits 12-13
)

// XON/XOFF control characters
const (
	xon  byte = 0x11
	xoff byte = 0x13
)

// RTS/DTR control values (DCB 2-bit fields)
const (
	rtsControlDisable   uint32 = 0
	rtsControlHandshake uint32 = 2
	dtrControlDisable   uint32 = 0
)

const evRxChar uint32 = 0x0001 // EV_RXCHAR

// Largest timeout usable with SetCommTimeouts; MAXDWORD itself carries a
// special meaning in ReadIntervalTimeout.
const maxCommTimeoutMs = uint32(0xFFFFFFFF) - 1

func setFlag(d *windows.DCB, bit uint32, on bool) {
	if on {
		d.Flags |= bit
	} else {
		d.Flags &^= bit
	}
}
func setRtsControl(d *windows.DCB, val uint32) {
	d.Flags &^= dcbFRtsControlMask
	d.Flags |= (val & 0x3) << 12
}
func setDtrControl(d *windows.DCB, val uint32) {
	d.Flags &^= dcbFDtrControlMask
	d.Flags |= (val & 0x3) << 4
}

func (p *port) getCommState() (*windows.DCB, error) {
	if !p.isOpen() {
		return nil, errors.New("serial port is not open")
	}
	var d windows.DCB
	d.DCBlength = uint32(unsafe.Sizeof(d))
	if err := windows.GetCommState(p.h, &d); err != nil {
		return nil, fmt.Errorf("GetCommState failed: %w", err)
	}
	return &d, nil
}

func (p *port) setCommState(d *windows.DCB) error {
	if !p.isOpen() {
		return errors.New("serial port is not open")
	}
	if err := windows.SetCommState(p.h, d); err != nil {
		return fmt.Errorf("SetCommState failed: %w", err)
	}
	return nil
}

func (p *port) updateSettings(opts SerialOptions) error {
	d, err := p.getCommState()
	if err != nil {
		return err
	}

	// A baud rate of zero leaves the driver's current line speed alone.
	if opts.BaudRate != 0 {
		d.BaudRate = uint32(opts.BaudRate)
	}
	d.ByteSize = byte(opts.DataBits)
	d.Parity = byte(opts.Parity)

	switch opts.StopBits {
	case gxcommon.StopBitsOne:
		d.StopBits = 0 // ONESTOPBIT
	case gxcommon.StopBitsTwo:
		d.StopBits = 2 // TWOSTOPBITS
	default:
		return gxcommon.ErrInvalidArgument
	}
	setFlag(d, dcbFParity, d.Parity != 0)
	setFlag(d, dcbFBinary, true)
	setFlag(d, dcbFNull, false)
	setFlag(d, dcbFErrorChar, false)
	setFlag(d, dcbFAbortOnError, false)
	setFlag(d, dcbFOutxDsrFlow, false)
	setFlag(d, dcbFDsrSensitivity, false)
	d.XonChar = xon
	d.XoffChar = xoff
	d.EofChar = 0x1a

	switch opts.FlowControl {
	case FlowControlSoftware:
		setFlag(d, dcbFOutX, true)
		setFlag(d, dcbFInX, true)
		setFlag(d, dcbFOutxCtsFlow, false)
		setRtsControl(d, rtsControlDisable)
	case FlowControlHardware:
		setFlag(d, dcbFOutX, false)
		setFlag(d, dcbFInX, false)
		setFlag(d, dcbFOutxCtsFlow, true)
		setRtsControl(d, rtsControlHandshake)
	default:
		setFlag(d, dcbFOutX, false)
		setFlag(d, dcbFInX, false)
		setFlag(d, dcbFOutxCtsFlow, false)
		setRtsControl(d, rtsControlDisable)
	}
	setDtrControl(d, dtrControlDisable)

	if err := p.setCommState(d); err != nil {
		return err
	}

	// Read the line state back; a driver silently dropping a field is
	// reported as a configuration failure instead of running misconfigured.
	applied, err := p.getCommState()
	if err != nil {
		return err
	}
	if applied.BaudRate != d.BaudRate || applied.ByteSize != d.ByteSize ||
		applied.Parity != d.Parity || applied.StopBits != d.StopBits {
		return ErrSettingsNotApplied
	}
	return nil
}

// applyTimeouts makes reads return immediately with buffered data and
// bounds writes by the configured timeout.
func (p *port) applyTimeouts(opts SerialOptions) error {
	write := uint32(opts.Timeout / time.Millisecond)
	if write > maxCommTimeoutMs {
		write = maxCommTimeoutMs
	}
	t := windows.CommTimeouts{
		ReadIntervalTimeout:         0xFFFFFFFF, // MAXDWORD: return at once
		ReadTotalTimeoutMultiplier:  0,
		ReadTotalTimeoutConstant:    0,
		WriteTotalTimeoutMultiplier: 0,
		WriteTotalTimeoutConstant:   write,
	}
	if err := windows.SetCommTimeouts(p.h, &t); err != nil {
		return fmt.Errorf("SetCommTimeouts failed: %w", err)
	}
	return nil
}

func openPort(cfg *SerialTty) error {
	cfg.s = port{}

	path := `\\.\` + cfg.opts.Name
	h, err := windows.CreateFile(
		windows.StringToUTF16Ptr(path),
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to open port %q: %w", cfg.opts.Name, err)
	}
	cfg.s.h = h

	er, err := windows.CreateEvent(nil, 0, 0, nil) // auto-reset
	if err != nil {
		_ = cfg.s.close()
		return fmt.Errorf("CreateEvent(read) failed: %w", err)
	}
	cfg.s.ovRead.HEvent = er

	ew, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		_ = cfg.s.close()
		return fmt.Errorf("CreateEvent(write) failed: %w", err)
	}
	cfg.s.ovWrite.HEvent = ew

	ee, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		_ = cfg.s.close()
		return fmt.Errorf("CreateEvent(comm) failed: %w", err)
	}
	cfg.s.ovEvent.HEvent = ee

	wk, err := windows.CreateEvent(nil, 1, 0, nil) // manual-reset
	if err != nil {
		_ = cfg.s.close()
		return fmt.Errorf("CreateEvent(wake) failed: %w", err)
	}
	cfg.s.wakeEvent = wk

	if err := cfg.s.updateSettings(cfg.opts); err != nil {
		_ = cfg.s.close()
		return fmt.Errorf("failed to update serial port settings: %w", err)
	}
	if err := cfg.s.applyTimeouts(cfg.opts); err != nil {
		_ = cfg.s.close()
		return err
	}

	if err := windows.PurgeComm(cfg.s.h,
		windows.PURGE_TXCLEAR|windows.PURGE_TXABORT|windows.PURGE_RXCLEAR|windows.PURGE_RXABORT,
	); err != nil {
		_ = cfg.s.close()
		return fmt.Errorf("PurgeComm failed: %w", err)
	}

	if err := windows.SetCommMask(cfg.s.h, evRxChar); err != nil {
		_ = cfg.s.close()
		return fmt.Errorf("SetCommMask failed: %w", err)
	}
	return nil
}

// ClearCommError + COMSTAT.cbInQue
func (p *port) getBytesToRead() (int, error) {
	if !p.isOpen() {
		return 0, errors.New("serial port is not open")
	}
	var flags uint32
	var st windows.ComStat
	if err := windows.ClearCommError(p.h, &flags, &st); err != nil {
		return 0, fmt.Errorf("getBytesToRead failed: %w", err)
	}
	return int(st.CBInQue), nil
}

func (p *port) ensureOpen() error {
	if !p.isOpen() {
		return errors.New("serial port not open")
	}
	return nil
}

// read drains at most len(buf) buffered bytes. An empty receive queue
// returns (0, nil); the caller treats that as "no more data for now".
func (p *port) read(buf []byte) (int, error) {
	if err := p.ensureOpen(); err != nil {
		return 0, err
	}

	count, err := p.getBytesToRead()
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	if count > len(buf) {
		count = len(buf)
	}

	var n uint32
	_ = windows.ResetEvent(p.ovRead.HEvent)
	err = windows.ReadFile(p.h, buf[:count], &n, &p.ovRead)
	if err == nil {
		return int(n), nil
	}
	if !errors.Is(err, windows.ERROR_IO_PENDING) {
		return 0, fmt.Errorf("read failed: %w", err)
	}
	if gerr := windows.GetOverlappedResult(p.h, &p.ovRead, &n, true); gerr != nil {
		if errors.Is(gerr, windows.ERROR_OPERATION_ABORTED) {
			return 0, nil
		}
		return 0, fmt.Errorf("read failed: %w", gerr)
	}
	return int(n), nil
}

func (p *port) write(data []byte) (int, error) {
	if err := p.ensureOpen(); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}

	var n uint32
	_ = windows.ResetEvent(p.ovWrite.HEvent)
	err := windows.WriteFile(p.h, data, &n, &p.ovWrite)
	if err == nil {
		return int(n), nil
	}
	if !errors.Is(err, windows.ERROR_IO_PENDING) {
		return 0, fmt.Errorf("write failed: %w", err)
	}
	if gerr := windows.GetOverlappedResult(p.h, &p.ovWrite, &n, true); gerr != nil {
		if errors.Is(gerr, windows.ERROR_OPERATION_ABORTED) {
			return int(n), nil
		}
		return int(n), fmt.Errorf("write failed: %w", gerr)
	}
	return int(n), nil
}

func (p *port) register(writable bool) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}
	p.registered = true
	p.writable = writable
	return nil
}

func (p *port) reregister(writable bool) error {
	if !p.registered {
		return errors.New("serial port not registered")
	}
	p.writable = writable
	return nil
}

func (p *port) deregister() error {
	p.registered = false
	p.writable = false
	if p.eventPending {
		_ = windows.CancelIoEx(p.h, &p.ovEvent)
		p.eventPending = false
	}
	return nil
}

// wait blocks until the device has received data, a wake was requested, or
// the timeout elapses. Writes through an overlapped handle with bounded
// timeouts complete on their own, so write interest is reported as writable
// immediately rather than waited on.
func (p *port) wait(timeout time.Duration) (Readiness, error) {
	var r Readiness
	if !p.registered {
		return r, errors.New("serial port not registered")
	}
	if err := p.ensureOpen(); err != nil {
		return r, err
	}

	if !p.eventPending {
		count, err := p.getBytesToRead()
		if err != nil {
			return r, err
		}
		if count > 0 {
			r.Readable = true
			r.Writable = p.writable
			p.checkWake(&r)
			return r, nil
		}
		p.eventMask = 0
		err = windows.WaitCommEvent(p.h, &p.eventMask, &p.ovEvent)
		if err == nil {
			r.Readable = p.eventMask&evRxChar != 0
			r.Unexpected = !r.Readable
			r.Writable = p.writable
			p.checkWake(&r)
			return r, nil
		}
		if !errors.Is(err, windows.ERROR_IO_PENDING) {
			return r, fmt.Errorf("WaitCommEvent failed: %w", err)
		}
		p.eventPending = true
	}

	wms := uint32(windows.INFINITE)
	if p.writable {
		// Pending writes are serviced without waiting for received data.
		wms = 0
	} else if timeout >= 0 {
		wms = uint32(timeout / time.Millisecond)
	}

	handles := []windows.Handle{p.wakeEvent, p.ovEvent.HEvent}
	idx, werr := windows.WaitForMultipleObjects(handles, false, wms)
	switch {
	case werr != nil:
		return r, fmt.Errorf("wait failed: %w", werr)
	case idx == windows.WAIT_TIMEOUT:
		r.Writable = p.writable
		return r, nil
	case idx == windows.WAIT_OBJECT_0:
		_ = windows.ResetEvent(p.wakeEvent)
		r.Woken = true
		r.Writable = p.writable
		return r, nil
	}

	var n uint32
	if gerr := windows.GetOverlappedResult(p.h, &p.ovEvent, &n, false); gerr != nil {
		p.eventPending = false
		return r, fmt.Errorf("comm event failed: %w", gerr)
	}
	p.eventPending = false
	r.Readable = p.eventMask&evRxChar != 0
	r.Unexpected = !r.Readable
	r.Writable = p.writable
	p.checkWake(&r)
	return r, nil
}

func (p *port) checkWake(r *Readiness) {
	s, err := windows.WaitForSingleObject(p.wakeEvent, 0)
	if err == nil && s == windows.WAIT_OBJECT_0 {
		_ = windows.ResetEvent(p.wakeEvent)
		r.Woken = true
	}
}

func (p *port) wake() {
	if p.wakeEvent != 0 {
		_ = windows.SetEvent(p.wakeEvent)
	}
}

func (p *port) close() error {
	if p == nil {
		return nil
	}
	if p.h != 0 && p.h != windows.InvalidHandle {
		_ = windows.CancelIoEx(p.h, nil)
	}

	if p.ovRead.HEvent != 0 {
		_ = windows.CloseHandle(p.ovRead.HEvent)
		p.ovRead.HEvent = 0
	}
	if p.ovWrite.HEvent != 0 {
		_ = windows.CloseHandle(p.ovWrite.HEvent)
		p.ovWrite.HEvent = 0
	}
	if p.ovEvent.HEvent != 0 {
		_ = windows.CloseHandle(p.ovEvent.HEvent)
		p.ovEvent.HEvent = 0
	}
	if p.wakeEvent != 0 {
		_ = windows.CloseHandle(p.wakeEvent)
		p.wakeEvent = 0
	}
	if p.h != 0 {
		_ = windows.CloseHandle(p.h)
		p.h = 0
	}
	p.eventPending = false
	return nil
}

// Readiness already covers hangup and transient states through the comm
// event mask; these mirror the unix helpers for shared loop code.
func isTransientIO(err error) bool {
	return errors.Is(err, windows.ERROR_IO_PENDING)
}

func isHangupRead(error) bool {
	return false
}
