// Package hostlink simulates one physical dock — one shared SPI bus
// plus one shared chip-select/interrupt GPIO line — entirely
// in-process, so the dock/netif/routing stack can be exercised end to
// end without real hardware.
//
// dock.Dock only implements the initiator's view of an exchange: on
// real hardware the addressed side is a passive SPI slave peripheral
// whose firmware has pre-staged a reply, and that firmware is not part
// of this module. hostlink stands in for it: each Wire endpoint
// carries an Identity (the Version/Status values and pending interrupt
// bits it presents when addressed), and a pushed Send is handed
// straight to the peer Dock's OnReceive callback, exactly as the real
// remote firmware would hand a received blob to its own IP stack.
//
// One simplification: a Receive pull always finds nothing queued on
// the simulated peer (content_type=0, size=0), so the initiator aborts
// through doReceive's zero-size path. End-to-end traffic here is
// driven by Send-push, so this only means hostlink cannot exercise the
// pending_receive-drain loop in Dock.doStatus; that loop is covered
// separately with a fake dock.SPI in the dock package's own tests.
package hostlink

import (
	"sync"

	"dockmesh-go/dock"
	"dockmesh-go/pktbuf"
)

// Identity is what one side of a Wire presents when its peer addresses
// it with a Version, Status, or Interrupt exchange. Tests mutate it
// directly (through Wire.IdentityA/IdentityB) to stage the values a
// Version/OnStatus callback on the other side should observe.
type Identity struct {
	mu      sync.Mutex
	version dock.Version
	status  dock.Status
	pending dock.InterruptFlag
}

// SetVersion installs the (variant, protocol_revision) pair this side
// reports to a peer's Version exchange.
func (id *Identity) SetVersion(v dock.Version) {
	id.mu.Lock()
	id.version = v
	id.mu.Unlock()
}

// SetStatus installs the telemetry this side reports to a peer's Status
// exchange. PendingSend/PendingReceive are ignored: hostlink always
// reports zero for both, matching the real initiator's own ack counters
// (dock.go's doStatus header comment: "currently always zero").
func (id *Identity) SetStatus(s dock.Status) {
	id.mu.Lock()
	id.status = s
	id.mu.Unlock()
}

// RaiseInterrupt ORs bits into the mask a peer observes on its next
// Interrupt exchange. Used by tests simulating a CONNECT event or an
// unsolicited blob-pending signal.
func (id *Identity) RaiseInterrupt(bits dock.InterruptFlag) {
	id.mu.Lock()
	id.pending |= bits
	id.mu.Unlock()
}

func (id *Identity) snapshotVersion() dock.Version {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.version
}

func (id *Identity) snapshotStatus() dock.Status {
	id.mu.Lock()
	defer id.mu.Unlock()
	s := id.status
	s.PendingSend = 0
	s.PendingReceive = 0
	return s
}

func (id *Identity) snapshotAndClear(clear dock.InterruptFlag) dock.InterruptFlag {
	id.mu.Lock()
	defer id.mu.Unlock()
	mask := id.pending
	id.pending &^= clear
	return mask
}

// endpoint is one side of a Wire: the Identity it presents to its peer
// and the callbacks of the real Dock bound to it, used to deliver a
// pushed Send and to capture OnFallingEdge registrations.
type endpoint struct {
	identity Identity

	mu          sync.Mutex
	cb          dock.Callbacks
	bound       bool
	fallingEdge func()
}

func (e *endpoint) bind(d *dock.Dock) {
	e.mu.Lock()
	e.cb = d.Callbacks()
	e.bound = true
	e.mu.Unlock()
}

// deliver hands a pushed blob to the bound Dock's OnReceive, the way
// the remote firmware's IP stack would receive it. An unbound or
// callback-less endpoint simply frees the buffer.
func (e *endpoint) deliver(contentType uint16, payload pktbuf.Buffer) {
	e.mu.Lock()
	cb := e.cb
	bound := e.bound
	e.mu.Unlock()
	if !bound || cb.OnReceive == nil {
		payload.Free()
		return
	}
	cb.OnReceive(contentType, payload)
}

// Wire connects two endpoints over a shared simulated SPI bus. Bind each
// side to its constructed Dock so a push from one reaches the other's
// on_receive.
type Wire struct {
	a, b *endpoint
}

// NewWire creates a fresh loopback wire with zeroed identities on both
// sides.
func NewWire() *Wire {
	return &Wire{a: &endpoint{}, b: &endpoint{}}
}

// IdentityA/IdentityB expose the mutable state each side presents to
// its peer.
func (w *Wire) IdentityA() *Identity { return &w.a.identity }
func (w *Wire) IdentityB() *Identity { return &w.b.identity }

// SideA/SideB return the dock.SPI and dock.CSPin to construct a Dock
// against. A Dock built on SideA talks to the identity and callbacks
// installed on side B, and vice versa.
func (w *Wire) SideA() (dock.SPI, dock.CSPin) {
	s := &spi{remote: w.b}
	return s, &cspin{spi: s, owner: w.a}
}

func (w *Wire) SideB() (dock.SPI, dock.CSPin) {
	s := &spi{remote: w.a}
	return s, &cspin{spi: s, owner: w.b}
}

// BindA/BindB register the constructed Dock for each side so a push
// addressed to it reaches its OnReceive callback.
func (w *Wire) BindA(d *dock.Dock) { w.a.bind(d) }
func (w *Wire) BindB(d *dock.Dock) { w.b.bind(d) }

// FireFallingEdgeA/FireFallingEdgeB invoke the falling-edge handler that
// dock.New registered on the corresponding CSPin, simulating the shared
// interrupt line being asserted. hostlink never fires these on its own
// (see the cspin doc comment); tests call them directly to drive a
// side's scheduleReceive/scheduleInterrupt path deterministically,
// standing in for the electrical event a real connector would deliver.
func (w *Wire) FireFallingEdgeA() { w.fire(w.a) }
func (w *Wire) FireFallingEdgeB() { w.fire(w.b) }

func (w *Wire) fire(e *endpoint) {
	e.mu.Lock()
	fn := e.fallingEdge
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// cspin brackets one exchange. Release is where the spi shim's
// accumulated state (in particular a completed Send push) is resolved
// and reset, mirroring the real chip-select line going high again.
// OnFallingEdge only captures the handler: hostlink never fires it
// automatically, since the one addressed command hostlink answers
// synchronously (Send) already delivers through Release without going
// through the normal scheduleReceive/scheduleInterrupt machinery, and
// firing both would risk duplicate delivery.
type cspin struct {
	spi   *spi
	owner *endpoint
}

func (c *cspin) Assert() {}

func (c *cspin) Release() { c.spi.endExchange() }

func (c *cspin) OnFallingEdge(fn func()) {
	c.owner.mu.Lock()
	c.owner.fallingEdge = fn
	c.owner.mu.Unlock()
}

// spi is the dock.SPI shim bound to one side of a Wire. A dock.Dock
// transaction issues 2-3 sequential Tx calls (command header, then body
// write or read, occasionally chunked) before releasing chip-select;
// spi accumulates just enough state across those calls to answer as the
// addressed peer would, then resets on Release.
type spi struct {
	remote *endpoint

	mu             sync.Mutex
	haveCmd        bool
	cmd            dock.Command
	interruptClear dock.InterruptFlag
	haveSendHeader bool
	sendHeader     dock.BlobHeader
	sendBuf        []byte
}

// Transfer implements the single-byte leg of dock.SPI. No exchange in
// the dock protocol uses it, but the tinygo drivers bus interface
// requires it.
func (s *spi) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := s.Tx([]byte{b}, r[:])
	return r[0], err
}

// Tx implements dock.SPI. The first call in an exchange is always the
// command header (sometimes including operands, as with Interrupt's
// clear mask); later calls are that command's body, written or read
// depending on direction.
func (s *spi) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveCmd {
		s.haveCmd = true
		s.cmd = dock.Command(w[0])
		if s.cmd == dock.CmdInterrupt && len(w) >= 3 {
			s.interruptClear = dock.DecodeInterruptMask(w[1:3])
		}
		return nil
	}

	switch s.cmd {
	case dock.CmdVersion:
		if r != nil {
			copy(r, dock.EncodeVersion(s.remote.identity.snapshotVersion()))
		}
	case dock.CmdStatus:
		if r != nil {
			copy(r, dock.EncodeStatus(s.remote.identity.snapshotStatus()))
		}
	case dock.CmdInterrupt:
		if r != nil {
			mask := s.remote.identity.snapshotAndClear(s.interruptClear)
			copy(r, dock.EncodeInterruptMask(mask))
		}
	case dock.CmdSend:
		if w != nil {
			if !s.haveSendHeader {
				s.sendHeader = dock.DecodeBlobHeader(w)
				s.haveSendHeader = true
				s.sendBuf = make([]byte, 0, s.sendHeader.Size)
			} else {
				s.sendBuf = append(s.sendBuf, w...)
			}
		}
	case dock.CmdReceive:
		// Nothing is ever queued on a simulated peer: report a zero-size
		// header so the initiator aborts the pull cleanly.
		if r != nil {
			copy(r, dock.EncodeBlobHeader(dock.BlobHeader{}))
		}
	}
	return nil
}

// endExchange resets the accumulated exchange state and, for a
// completed Send, delivers the assembled blob to the remote endpoint.
func (s *spi) endExchange() {
	s.mu.Lock()
	cmd := s.cmd
	have := s.haveCmd
	sent := s.haveSendHeader
	header := s.sendHeader
	buf := s.sendBuf
	s.haveCmd = false
	s.cmd = 0
	s.haveSendHeader = false
	s.sendHeader = dock.BlobHeader{}
	s.sendBuf = nil
	s.mu.Unlock()

	if !have || cmd != dock.CmdSend || !sent {
		return
	}
	payload, err := pktbuf.CopyFrom(buf)
	if err != nil {
		return
	}
	s.remote.deliver(header.ContentType, payload)
}
