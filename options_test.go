package serialterm

import (
	"testing"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.NotEmpty(t, opts.Name)
	assert.Equal(t, DefaultBaudRate, opts.BaudRate)
	assert.Equal(t, 8, opts.DataBits)
	assert.Equal(t, gxcommon.ParityNone, opts.Parity)
	assert.Equal(t, gxcommon.StopBitsOne, opts.StopBits)
	assert.Equal(t, FlowControlNone, opts.FlowControl)
	assert.Equal(t, 100*time.Millisecond, opts.Timeout)
	require.NoError(t, opts.validate())
}

func TestOptionsBuilderReturnsCopies(t *testing.T) {
	base := DefaultOptions()
	modified := base.
		WithName("/dev/ttyS7").
		WithBaudRate(gxcommon.BaudRate(9600)).
		WithDataBits(7).
		WithParity(gxcommon.ParityEven).
		WithStopBits(gxcommon.StopBitsTwo).
		WithFlowControl(FlowControlHardware).
		WithTimeout(time.Second)

	assert.Equal(t, "/dev/ttyS7", modified.Name)
	assert.Equal(t, gxcommon.BaudRate(9600), modified.BaudRate)
	assert.Equal(t, 7, modified.DataBits)
	assert.Equal(t, gxcommon.ParityEven, modified.Parity)
	assert.Equal(t, gxcommon.StopBitsTwo, modified.StopBits)
	assert.Equal(t, FlowControlHardware, modified.FlowControl)
	assert.Equal(t, time.Second, modified.Timeout)

	// The base must be untouched.
	assert.Equal(t, DefaultOptions(), base)
}

func TestOptionsValidate(t *testing.T) {
	base := DefaultOptions()

	err := base.WithName("  ").validate()
	require.ErrorIs(t, err, ErrNoDeviceSelected)

	require.Error(t, base.WithDataBits(4).validate())
	require.Error(t, base.WithDataBits(9).validate())
	require.Error(t, base.WithStopBits(gxcommon.StopBits(42)).validate())
	require.Error(t, base.WithFlowControl(FlowControl(42)).validate())
	require.Error(t, base.WithBaudRate(gxcommon.BaudRate(-1)).validate())

	// Zero baud is the "leave line speed alone" sentinel, not an error.
	require.NoError(t, base.WithBaudRate(0).validate())
}

func TestFlowControlParse(t *testing.T) {
	tests := []struct {
		in   string
		want FlowControl
	}{
		{"none", FlowControlNone},
		{"", FlowControlNone},
		{"Software", FlowControlSoftware},
		{"xonxoff", FlowControlSoftware},
		{" hardware ", FlowControlHardware},
		{"RTSCTS", FlowControlHardware},
	}
	for _, tc := range tests {
		got, err := FlowControlParse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := FlowControlParse("dtr")
	require.Error(t, err)
}

func TestFlowControlString(t *testing.T) {
	assert.Equal(t, "None", FlowControlNone.String())
	assert.Equal(t, "Software", FlowControlSoftware.String())
	assert.Equal(t, "Hardware", FlowControlHardware.String())
}
