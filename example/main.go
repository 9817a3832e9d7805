package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/pmnxis/serialterm-go"
	"golang.org/x/text/language"
)

var (
	port     = flag.String("S", "", "Port name")
	baudRate = flag.Int("b", 115200, "Baud rate")
	dataBits = flag.Int("d", 8, "DataBits (5, 6, 7, 8)")
	parity   = flag.String("p", "None", "Parity (None, Odd, Even, Mark, Space)")
	stopBits = flag.Int("s", 1, "Stop bits (1, 2)")
	flow     = flag.String("f", "None", "Flow control (None, Software, Hardware)")
	message  = flag.String("m", "", "Send message after opening")
	t        = flag.String("t", "", "Trace level.")
	lang     = flag.String("lang", "", "Used language.")
)

// printEmulator is a minimal terminal state machine: it buffers advanced
// bytes and prints them when the loop signals a wakeup. It does not track
// synchronized updates. The Term lock guards all access.
type printEmulator struct {
	buf []byte
}

func (e *printEmulator) Advance(b byte) {
	e.buf = append(e.buf, b)
}

func (e *printEmulator) StopSync() {}

func (e *printEmulator) SyncDeadline() (time.Time, bool) { return time.Time{}, false }

func (e *printEmulator) SyncBytes() int { return 0 }

// take returns and clears the buffered bytes. Called with the Term lock
// held.
func (e *printEmulator) take() []byte {
	out := e.buf
	e.buf = nil
	return out
}

// eventChan adapts a channel to the loop's listener interface.
type eventChan chan serialterm.Event

func (c eventChan) SendEvent(e serialterm.Event) {
	select {
	case c <- e:
	default:
	}
}

func main() {
	flag.Parse()
	if *port == "" {
		flag.PrintDefaults()
		return
	}

	p, err := gxcommon.ParityParse(*parity)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error parsing parity:", err)
		return
	}
	fc, err := serialterm.FlowControlParse(*flow)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error parsing flow control:", err)
		return
	}
	sb := gxcommon.StopBitsOne
	if *stopBits == 2 {
		sb = gxcommon.StopBitsTwo
	}

	opts := serialterm.DefaultOptions().
		WithName(*port).
		WithBaudRate(gxcommon.BaudRate(*baudRate)).
		WithDataBits(*dataBits).
		WithParity(p).
		WithStopBits(sb).
		WithFlowControl(fc)

	fmt.Printf("Opening %s\n", opts)
	tty, err := serialterm.Open(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error returned:", err)
		ret, err := serialterm.GetPortNames()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Failed to get available serial ports: ", err)
			return
		}
		fmt.Fprintln(os.Stderr, "Available serial ports: "+strings.Join(ret, ","))
		return
	}
	defer func() {
		if err := tty.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close failed:", err)
		}
	}()

	if *lang != "" {
		tag, err := language.Parse(*lang)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error parsing language:", err)
			return
		}
		tty.Localize(tag)
	}
	if *t != "" {
		tl, err := gxcommon.TraceLevelParse(*t)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return
		}
		tty.SetTrace(tl)
		tty.SetOnTrace(func(e gxcommon.TraceEventArgs) {
			fmt.Printf("Trace: %s\n", e.String())
		})
	}

	em := &printEmulator{}
	term := serialterm.NewTerm(em)
	events := make(eventChan, 16)
	loop := serialterm.NewEventLoop(tty, term, events)
	done := loop.Spawn()
	notifier := loop.Notifier()

	if *message != "" {
		if err := notifier.Notify([]byte(*message + "\r\n")); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}

	// Forward stdin lines to the device.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := notifier.Notify([]byte(scanner.Text() + "\r\n")); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	for {
		select {
		case <-interrupt:
			if err := notifier.Shutdown(); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		case <-done:
			fmt.Printf("Exit\n")
			fmt.Printf("RX %d bytes, TX %d bytes\n", tty.BytesReceived(), tty.BytesSent())
			return
		case <-events:
			term.Lock()
			out := em.take()
			term.Unlock()
			_, _ = os.Stdout.Write(out)
		}
	}
}
