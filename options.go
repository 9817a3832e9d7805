package serialterm

import (
	"fmt"
	"strings"
	"time"

	"github.com/Gurux/gxcommon-go"
)

// FlowControl selects how the line paces transmission.
type FlowControl int

const (
	// FlowControlNone disables flow control.
	FlowControlNone FlowControl = iota
	// FlowControlSoftware enables XON/XOFF flow control.
	FlowControlSoftware
	// FlowControlHardware enables RTS/CTS flow control.
	FlowControlHardware
)

// String implements fmt.Stringer.
func (f FlowControl) String() string {
	switch f {
	case FlowControlNone:
		return "None"
	case FlowControlSoftware:
		return "Software"
	case FlowControlHardware:
		return "Hardware"
	default:
		return fmt.Sprintf("FlowControl(%d)", int(f))
	}
}

// FlowControlParse parses a flow control name.
func FlowControlParse(value string) (FlowControl, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "":
		return FlowControlNone, nil
	case "software", "xonxoff":
		return FlowControlSoftware, nil
	case "hardware", "rtscts":
		return FlowControlHardware, nil
	default:
		return 0, fmt.Errorf("invalid flow control: %q", value)
	}
}

// DefaultBaudRate is used when the caller does not override the line speed.
const DefaultBaudRate = gxcommon.BaudRate(115200)

// SerialOptions describes a (device, line settings, timeout) tuple. It is an
// immutable value type; the With* methods return modified copies.
//
// A BaudRate of 0 is a "leave the line speed untouched" sentinel honored on
// platforms where reapplying the speed is unsafe; any real transmission
// needs a positive rate.
type SerialOptions struct {
	Name        string
	BaudRate    gxcommon.BaudRate
	DataBits    int
	Parity      gxcommon.Parity
	StopBits    gxcommon.StopBits
	FlowControl FlowControl
	Timeout     time.Duration
}

// DefaultOptions returns options for the platform default device path at
// 115200 8N1 with no flow control and a 100 ms read timeout.
func DefaultOptions() SerialOptions {
	return SerialOptions{
		Name:        defaultDevicePath,
		BaudRate:    DefaultBaudRate,
		DataBits:    8,
		Parity:      gxcommon.ParityNone,
		StopBits:    gxcommon.StopBitsOne,
		FlowControl: FlowControlNone,
		Timeout:     100 * time.Millisecond,
	}
}

// WithName returns a copy using the given device path.
func (o SerialOptions) WithName(name string) SerialOptions {
	o.Name = name
	return o
}

// WithBaudRate returns a copy using the given line speed.
func (o SerialOptions) WithBaudRate(value gxcommon.BaudRate) SerialOptions {
	o.BaudRate = value
	return o
}

// WithDataBits returns a copy using the given data bit count (5..8).
func (o SerialOptions) WithDataBits(value int) SerialOptions {
	o.DataBits = value
	return o
}

// WithParity returns a copy using the given parity.
func (o SerialOptions) WithParity(value gxcommon.Parity) SerialOptions {
	o.Parity = value
	return o
}

// WithStopBits returns a copy using the given stop bit count.
func (o SerialOptions) WithStopBits(value gxcommon.StopBits) SerialOptions {
	o.StopBits = value
	return o
}

// WithFlowControl returns a copy using the given flow control mode.
func (o SerialOptions) WithFlowControl(value FlowControl) SerialOptions {
	o.FlowControl = value
	return o
}

// WithTimeout returns a copy using the given read timeout.
func (o SerialOptions) WithTimeout(value time.Duration) SerialOptions {
	o.Timeout = value
	return o
}

// String implements fmt.Stringer.
func (o SerialOptions) String() string {
	return fmt.Sprintf("%s %d %d %s %s %s",
		o.Name, o.BaudRate, o.DataBits, o.StopBits, o.Parity, o.FlowControl)
}

// validate rejects settings no platform configuration path can apply.
func (o SerialOptions) validate() error {
	if strings.TrimSpace(o.Name) == "" {
		return ErrNoDeviceSelected
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return fmt.Errorf("invalid databits: %d (must be 5..8)", o.DataBits)
	}
	switch o.StopBits {
	case gxcommon.StopBitsOne, gxcommon.StopBitsTwo:
	default:
		return fmt.Errorf("invalid stopbits: %d", o.StopBits)
	}
	switch o.FlowControl {
	case FlowControlNone, FlowControlSoftware, FlowControlHardware:
	default:
		return fmt.Errorf("invalid flow control: %d", o.FlowControl)
	}
	if o.BaudRate < 0 {
		return fmt.Errorf("invalid baud rate: %d", o.BaudRate)
	}
	return nil
}
