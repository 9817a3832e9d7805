// Package serialterm connects a physical serial line to a terminal-emulator
// state machine. It opens and configures the device per operating system,
// runs a dedicated polling event loop that multiplexes readability and
// writability on the line, feeds received bytes one at a time into an
// incremental parser under a fairness-bounded lock, and drains an ordered
// write queue without blocking producers.
//
// Features
//
//   - Configurable serial settings (device path, baud rate, data bits,
//     parity, stop bits, flow control, timeout) as an immutable value type
//     with builder-style mutation.
//   - Per-OS open and configuration: raw termios on Linux, a hand-rolled
//     low-level open on macOS that works around USB-serial chipsets with a
//     defective library line-speed path, and overlapped (asynchronous) COM
//     handles on Windows. Applied settings are read back and verified.
//   - A single worker goroutine owning the device handle: readiness polling
//     with a synchronized-update flush deadline, a peekable control channel
//     carrying Input/Resize/Shutdown, and partial-write cursors that never
//     retransmit or drop a byte.
//   - Fair three-mode locking (try / fair / forced) around the shared
//     terminal state so neither the reader path nor a renderer can starve
//     the other.
//   - Tracing: configurable trace level/mask for sent/received/error/info,
//     and localized status messages.
//
// # Construction
//
// Build options with DefaultOptions and the With* methods, open the device
// with Open, then hand the transport to NewEventLoop together with the
// shared terminal state and an event listener:
//
//	opts := serialterm.DefaultOptions().
//	    WithName("/dev/ttyUSB0").
//	    WithBaudRate(115200)
//
//	tty, err := serialterm.Open(opts)
//	if err != nil {
//	    // device missing, permissions, or settings did not apply
//	}
//
//	term := serialterm.NewTerm(emulator)
//	loop := serialterm.NewEventLoop(tty, term, listener)
//	done := loop.Spawn()
//
//	notifier := loop.Notifier()
//	notifier.Notify([]byte("AT\r\n"))
//	...
//	notifier.Shutdown()
//	<-done
//	pending := loop.State().PendingWriteBytes()
//
// # Concurrency
//
// Exactly one goroutine (the spawned loop) touches the device handle. Any
// number of goroutines may send through a Notifier; sends never block. The
// only state shared with a consumer is the Emulator inside Term, guarded by
// the fair lock. Cancellation is cooperative: a Shutdown message is the only
// way to stop the loop, and the loop state remains readable afterwards so
// undrained output can be inspected.
//
// # Errors
//
// Open-time failures (missing device, settings that do not apply on
// read-back, handle creation) are returned synchronously from Open.
// WouldBlock and Interrupted are retried internally and never surfaced. Any
// other post-open I/O failure terminates the loop after logging; no bytes
// flow afterwards until a new Open.
package serialterm
