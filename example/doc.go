/*
Package main contains a command-line serial monitor built on serialterm.

The example shows how to:
  - configure the serial line from command-line flags
  - open the device and spawn the event loop
  - feed typed lines to the device through the loop's Notifier
  - drain terminal output on wakeup events
*/
package main
