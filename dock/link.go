package dock

import "tinygo.org/x/drivers"

// SPI is the half-duplex transfer primitive a Dock needs. It is the
// tinygo drivers bus interface, so the real rp2040 wiring satisfies it
// with *machine.SPI directly; tests use an in-process loopback
// implementation (see the hostlink package).
type SPI = drivers.SPI

// CSPin models the shared chip-select/interrupt GPIO line used for role
// arbitration. At idle both sides hold it high through a
// pull-up in open-drain mode with a falling-edge interrupt armed. The
// side that wants to transact becomes master: Assert drives the line low
// as a push-pull output for the transaction's duration, and Release
// restores open-drain input with the interrupt re-armed.
type CSPin interface {
	Assert()
	Release()

	// OnFallingEdge registers the ISR-context callback invoked when the
	// peer asserts the line while this side is idle. The callback must
	// do only wait-free work: it is expected to hand off to an
	// isrdeferral.Worker rather than perform any SPI transfer itself.
	OnFallingEdge(fn func())
}
