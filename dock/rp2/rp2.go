//go:build rp2040 || rp2350

// Package rp2 supplies the real rp2040/rp2350 dock.CSPin
// implementation: machine.Pin wrapped behind the small interface the
// rest of the mesh core depends on, so only this package ever imports
// "machine" (host builds use dock/hostlink instead). No SPI wrapper is
// needed: *machine.SPI satisfies dock.SPI (the tinygo drivers bus
// interface) directly; the caller configures machine.SPIConfig (mode,
// frequency) before constructing a Dock against it, and both sides of
// a connector must agree out of band.
package rp2

import (
	"machine"

	"dockmesh-go/dock"
	"dockmesh-go/dock/isrdeferral"
)

// CSPin wraps a machine.Pin as the shared chip-select/interrupt line:
// open-drain input with a falling-edge interrupt armed at idle,
// push-pull output while asserted. The falling-edge
// callback runs on real interrupt stack here (unlike dock/hostlink's
// simulated, synchronous version), so it is handed off through an
// isrdeferral.Worker rather than invoked directly — dock.Dock's
// handler calls scheduleReceive/scheduleInterrupt, which touch a mutex
// and a channel, neither of which is safe to do on the ISR stack.
type CSPin struct {
	pin machine.Pin

	worker *isrdeferral.Worker
	onFall func()
}

// NewCSPin configures pin as an open-drain-style pulled-up input with
// a falling-edge interrupt armed, and returns the dock.CSPin wrapping
// it. Call OnFallingEdge (done automatically by dock.New) before any
// transaction to install the ISR-deferral handoff.
func NewCSPin(pin machine.Pin) *CSPin {
	c := &CSPin{pin: pin, worker: isrdeferral.New()}
	pin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	return c
}

// Assert drives the line low as a push-pull output for the duration
// of a transaction.
func (c *CSPin) Assert() {
	c.pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	c.pin.Low()
}

// Release restores the line to a pulled-up input with the
// falling-edge interrupt re-armed.
func (c *CSPin) Release() {
	c.pin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	c.arm()
}

// OnFallingEdge registers fn as the callback to run, in normal context,
// when the peer asserts the line while this side is idle, and arms the
// interrupt immediately so it is live even before the first Release.
func (c *CSPin) OnFallingEdge(fn func()) {
	c.onFall = fn
	c.arm()
}

func (c *CSPin) arm() {
	if c.onFall == nil {
		return
	}
	_ = c.pin.SetInterrupt(machine.PinFalling, func(machine.Pin) {
		c.worker.NotifyFromISR(c.onFall)
	})
}

var _ dock.SPI = (*machine.SPI)(nil)
var _ dock.CSPin = (*CSPin)(nil)
