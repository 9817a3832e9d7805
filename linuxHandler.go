//go:build linux

package serialterm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/sys/unix"
)

const defaultDevicePath = "/dev/ttyUSB0"

type port struct {
	f  *os.File
	fd int

	// Self-pipe used to interrupt a blocked poll from other goroutines.
	wakeR *os.File
	wakeW *os.File

	registered bool
	writable   bool
}

// toUnixBaudrate maps a baud rate to the corresponding constant in the unix package.
var toUnixBaudrate = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	3000000: unix.B3000000,
	4000000: unix.B4000000,
}

func (p *port) isOpen() bool {
	return p.f != nil
}

// getPortNames returns a list of available serial port device paths on Linux.
func getPortNames() ([]string, error) {
	patterns := []string{
		"/dev/ttyS*",
		"/dev/ttyUSB*",
		"/dev/ttyXRUSB*",
		"/dev/ttyACM*",
		"/dev/ttyAMA*",
		"/dev/rfcomm*",
		"/dev/ttyAP*",
	}

	var devices []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, device := range matches {
			name := filepath.Base(device)
			sysPath := filepath.Join("/sys/class/tty", name, "device")

			if _, err := os.Stat(sysPath); err == nil {
				devices = append(devices, device)
			}
		}
	}
	return devices, nil
}

const linuxCMSPAR = 0x40000000

func openPort(cfg *SerialTty) error {
	fd, err := unix.Open(cfg.opts.Name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0666)
	if err != nil {
		return err
	}

	f := os.NewFile(uintptr(fd), cfg.opts.Name)
	cfg.s = port{f: f, fd: fd}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		cfg.s.close()
		return err
	}
	if err := applyTermios(t, cfg.opts); err != nil {
		cfg.s.close()
		return err
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		cfg.s.close()
		return err
	}

	// Read the settings back and compare. Some drivers accept a TCSETS
	// and silently keep their old line discipline; a mismatch here is a
	// configuration failure, not a warning.
	applied, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		cfg.s.close()
		return err
	}
	if applied.Iflag != t.Iflag || applied.Oflag != t.Oflag ||
		applied.Cflag != t.Cflag || applied.Lflag != t.Lflag {
		cfg.s.close()
		return ErrSettingsNotApplied
	}

	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH); err != nil {
		cfg.s.close()
		return err
	}

	// The flag travels with the open call above, but drivers have been
	// seen clearing it during configuration. The poll loop depends on it.
	if err := unix.SetNonblock(fd, true); err != nil {
		cfg.s.close()
		return err
	}

	cfg.s.wakeR, cfg.s.wakeW, err = os.Pipe()
	if err != nil {
		cfg.s.close()
		return err
	}
	_ = unix.SetNonblock(int(cfg.s.wakeR.Fd()), true)
	_ = unix.SetNonblock(int(cfg.s.wakeW.Fd()), true)
	return nil
}

// applyTermios rewrites t into raw mode with the requested line settings.
func applyTermios(t *unix.Termios, opts SerialOptions) error {
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.ISIG | unix.IEXTEN
	t.Oflag &^= unix.OPOST | unix.ONLCR | unix.OCRNL
	t.Iflag &^= unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IGNBRK | unix.BRKINT | unix.PARMRK

	// Baud rate. Zero means leave the line speed untouched.
	if opts.BaudRate != 0 {
		speed, ok := toUnixBaudrate[int(opts.BaudRate)]
		if !ok {
			return fmt.Errorf("unsupported baud rate: %d", opts.BaudRate)
		}
		t.Cflag &^= unix.CBAUD
		t.Cflag |= speed
		t.Ispeed = speed
		t.Ospeed = speed
	}

	// Databits:
	t.Cflag &^= unix.CSIZE
	switch opts.DataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	case 8:
		t.Cflag |= unix.CS8
	default:
		return errors.New("invalid databits (must be 5..8)")
	}

	// Stop bits
	switch opts.StopBits {
	case gxcommon.StopBitsOne:
		t.Cflag &^= unix.CSTOPB
	case gxcommon.StopBitsTwo:
		t.Cflag |= unix.CSTOPB
	default:
		return errors.New("invalid stopbits (must be 1 or 2)")
	}

	// Parity
	t.Iflag &^= unix.INPCK | unix.ISTRIP
	t.Cflag &^= unix.PARENB | unix.PARODD | linuxCMSPAR
	switch opts.Parity {
	case gxcommon.ParityNone:
		// No parity: parity bit off, no parity checking
	case gxcommon.ParityEven:
		t.Cflag |= unix.PARENB
	case gxcommon.ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case gxcommon.ParityMark:
		t.Cflag |= unix.PARENB | linuxCMSPAR | unix.PARODD
	case gxcommon.ParitySpace:
		t.Cflag |= unix.PARENB | linuxCMSPAR
	default:
		return errors.New("invalid parity")
	}

	// Flow control
	t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	t.Cflag &^= unix.CRTSCTS
	switch opts.FlowControl {
	case FlowControlNone:
	case FlowControlSoftware:
		t.Iflag |= unix.IXON | unix.IXOFF
	case FlowControlHardware:
		t.Cflag |= unix.CRTSCTS
	default:
		return errors.New("invalid flow control")
	}

	// The handle is non-blocking, so VMIN/VTIME never gate a read; the
	// values still describe the configured timeout for drivers that
	// inspect them.
	vtime := opts.Timeout.Milliseconds() / 100
	if vtime > 255 {
		vtime = 255
	}
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = uint8(vtime)
	return nil
}

func (p *port) close() error {
	if p == nil {
		return nil
	}
	if p.wakeR != nil {
		_ = p.wakeR.Close()
		p.wakeR = nil
	}
	if p.wakeW != nil {
		_ = p.wakeW.Close()
		p.wakeW = nil
	}
	if p.f != nil {
		f := p.f
		p.f = nil
		p.fd = -1
		return f.Close()
	}
	return nil
}

func (p *port) ensureOpen() error {
	if p == nil || p.f == nil {
		return errors.New("serial port not open")
	}
	return nil
}

func (p *port) read(buf []byte) (int, error) {
	if err := p.ensureOpen(); err != nil {
		return 0, err
	}
	n, err := unix.Read(p.fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (p *port) write(buf []byte) (int, error) {
	if err := p.ensureOpen(); err != nil {
		return 0, err
	}
	n, err := unix.Write(p.fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
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
	return nil
}

func (p *port) wait(timeout time.Duration) (Readiness, error) {
	var r Readiness
	if !p.registered {
		return r, errors.New("serial port not registered")
	}
	if err := p.ensureOpen(); err != nil {
		return r, err
	}

	events := int16(unix.POLLIN)
	if p.writable {
		events |= unix.POLLOUT
	}
	pfds := []unix.PollFd{
		{Fd: int32(p.fd), Events: events},
		{Fd: int32(p.wakeR.Fd()), Events: unix.POLLIN},
	}

	tmo := -1
	if timeout >= 0 {
		tmo = int(timeout / time.Millisecond)
	}
	n, err := unix.Poll(pfds, tmo)
	if err != nil {
		return r, err
	}
	if n == 0 {
		return r, nil
	}

	re := pfds[0].Revents
	// A hangup or error condition is reported as readable so the read
	// path observes it as EIO/EOF instead of the loop guessing.
	if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		r.Readable = true
	}
	if re&unix.POLLOUT != 0 {
		r.Writable = true
	}
	if re&unix.POLLNVAL != 0 {
		r.Unexpected = true
	}
	if pfds[1].Revents&unix.POLLIN != 0 {
		p.drainWake()
		r.Woken = true
	}
	return r, nil
}

func (p *port) wake() {
	if p.wakeW == nil {
		return
	}
	// A full pipe already carries a pending wake.
	_, _ = p.wakeW.Write([]byte{0})
}

func (p *port) drainWake() {
	var buf [64]byte
	for {
		n, err := p.wakeR.Read(buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}

// isTransientIO reports conditions meaning "no data / try again"; they are
// retried, never surfaced as failures.
func isTransientIO(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// isHangupRead reports the Linux-specific EIO a tty read returns when the
// remote side hangs up. The loop goes back to polling for the
// device-closed notification instead of treating it as fatal.
func isHangupRead(err error) bool {
	return errors.Is(err, unix.EIO)
}
