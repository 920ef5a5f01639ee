// Package dock implements the half-duplex framed transport that carries
// blobs between two modules across one shared SPI bus and one shared
// chip-select/interrupt GPIO line.
//
// The SPI-touching methods (doVersion, doStatus, doInterrupt, doSend,
// doReceive) assume they run on the Link Serializer's single worker
// goroutine (see the linkserial package), which owns the bus on every
// Dock's behalf and runs one exchange to completion before the next.
// Everything else — acquiring a dock's semaphore and handing the worker
// its job — may be called from any goroutine.
package dock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dockmesh-go/linkserial"
	"dockmesh-go/pktbuf"
)

// slaveDelay separates the command header, body, and chip-select release
// in every exchange so a slave MCU can stage its next bytes.
const slaveDelay = 500 * time.Microsecond

// versionThrottle is the last-seen-version cache window: Version skips
// a redundant SPI exchange if the previous one succeeded less than this
// long ago, so a flapping link is not hammered with identity probes.
const versionThrottle = time.Second

// Callbacks delivers Dock events to the owner. Every callback runs on the
// Link Serializer worker; it must not itself call a blocking Dock method
// on the same dock, or the worker deadlocks.
type Callbacks struct {
	OnVersion   func(Version)
	OnStatus    func(Status)
	OnInterrupt func(InterruptFlag)
	OnReceive   func(contentType uint16, payload pktbuf.Buffer)
}

// Dock is one configured mechanical connector: an SPI device shared with
// other docks on the same bus, a dedicated chip-select/interrupt line,
// and the bookkeeping (semaphores, callbacks) that throttles and routes
// its traffic.
type Dock struct {
	spi SPI
	cs  CSPin
	cb  Callbacks

	versionSem *semaphore.Weighted
	isrSem     *semaphore.Weighted
	statusSem  *semaphore.Weighted
	sendSem    *semaphore.Weighted
	recvSem    *semaphore.Weighted

	mu          sync.Mutex
	lastVersion *Version
	lastVersAt  time.Time
}

// Semaphore capacities. send and status allow one in-flight plus one
// queued; recv is sized to drain a full pending_receive report.
const (
	versionPermits = 1
	isrPermits     = 2
	statusPermits  = 2
	sendPermits    = 2
	recvPermits    = 10
)

// New constructs a Dock bound to the given SPI device and chip-select
// line, and registers the ISR-context handler that feeds deferred work
// through onFallingEdge.
func New(spi SPI, cs CSPin, cb Callbacks) *Dock {
	d := &Dock{
		spi:        spi,
		cs:         cs,
		cb:         cb,
		versionSem: semaphore.NewWeighted(versionPermits),
		isrSem:     semaphore.NewWeighted(isrPermits),
		statusSem:  semaphore.NewWeighted(statusPermits),
		sendSem:    semaphore.NewWeighted(sendPermits),
		recvSem:    semaphore.NewWeighted(recvPermits),
	}
	cs.OnFallingEdge(d.onFallingEdge)
	return d
}

// Callbacks returns the event callbacks this Dock was constructed with.
// It exists so a simulated peer (dock/hostlink) can deliver an inbound
// push the way the real remote firmware's receiver would, without
// reaching into unexported state.
func (d *Dock) Callbacks() Callbacks { return d.cb }

// onFallingEdge runs on whatever deferred-interrupt worker the CSPin
// implementation hands ISR notifications to (see the isrdeferral
// package); it must never run on the real interrupt stack. The peer
// asserting the line unprompted is probably starting a Receive-style
// probe, so that is tried first, then the interrupt mask is checked.
func (d *Dock) onFallingEdge() {
	d.scheduleReceive()
	d.scheduleInterrupt()
}

// transaction brackets one SPI exchange with chip-select assertion,
// release, and the inter-step guard delays. It must only be called on
// the Link Serializer worker.
func (d *Dock) transaction(fn func()) {
	d.cs.Assert()
	fn()
	d.cs.Release()
	time.Sleep(slaveDelay)
}

// Version requests a Version exchange, blocking until a permit is
// free, which backpressures the caller. The exchange itself runs
// asynchronously on the Link
// Serializer; the result reaches the caller through Callbacks.OnVersion.
// A recent successful exchange (within versionThrottle) is served from
// cache without touching the link at all.
func (d *Dock) Version(ctx context.Context) error {
	d.mu.Lock()
	cached := d.lastVersion
	fresh := cached != nil && time.Since(d.lastVersAt) < versionThrottle
	d.mu.Unlock()
	if fresh {
		if d.cb.OnVersion != nil {
			d.cb.OnVersion(*cached)
		}
		return nil
	}

	if err := d.versionSem.Acquire(ctx, 1); err != nil {
		return err
	}
	linkserial.Submit(func() {
		defer d.versionSem.Release(1)
		d.doVersion()
	})
	return nil
}

// doVersion runs the Version exchange on the Link Serializer worker.
func (d *Dock) doVersion() {
	var v Version
	d.transaction(func() {
		header := [1]byte{byte(CmdVersion)}
		_ = d.spi.Tx(header[:], nil)
		time.Sleep(slaveDelay)

		body := make([]byte, 4)
		_ = d.spi.Tx(nil, body)
		v = DecodeVersion(body)
	})

	d.mu.Lock()
	vv := v
	d.lastVersion = &vv
	d.lastVersAt = time.Now()
	d.mu.Unlock()

	if d.cb.OnVersion != nil {
		d.cb.OnVersion(v)
	}
}

// scheduleStatus acquires a status permit if one is immediately
// available and, if so, submits doStatus to the worker. A busy status
// line is left alone; the next interrupt retriggers the flow.
func (d *Dock) scheduleStatus() {
	if !d.statusSem.TryAcquire(1) {
		return
	}
	linkserial.Submit(func() {
		defer d.statusSem.Release(1)
		d.doStatus()
	})
}

// doStatus runs the Status exchange on the Link Serializer worker, then
// drains the peer's reported pending_receive count with further
// Receive exchanges.
func (d *Dock) doStatus() {
	var s Status
	d.transaction(func() {
		header := make([]byte, 5)
		header[0] = byte(CmdStatus)
		// bytes 1-4 are the acknowledge counters, currently always zero.
		_ = d.spi.Tx(header, nil)
		time.Sleep(slaveDelay)

		body := make([]byte, statusBodyLen)
		_ = d.spi.Tx(nil, body)
		s = DecodeStatus(body)
	})

	for i := uint8(0); i < s.PendingReceive; i++ {
		d.doReceive()
	}
	if d.cb.OnStatus != nil {
		d.cb.OnStatus(s)
	}
}

// scheduleInterrupt acquires an isr permit if one is immediately
// available and, if so, submits doInterrupt to the worker.
func (d *Dock) scheduleInterrupt() {
	if !d.isrSem.TryAcquire(1) {
		return
	}
	linkserial.Submit(func() {
		defer d.isrSem.Release(1)
		d.doInterrupt()
	})
}

// doInterrupt runs the Interrupt exchange on the Link Serializer worker.
// If the returned mask reports a pending blob, it chains directly into
// doStatus rather than waiting for a second interrupt.
func (d *Dock) doInterrupt() {
	var mask InterruptFlag
	d.transaction(func() {
		header := make([]byte, 3)
		header[0] = byte(CmdInterrupt)
		clear := EncodeInterruptMask(InterruptConnect | InterruptBlob)
		copy(header[1:3], clear)
		_ = d.spi.Tx(header, nil)
		time.Sleep(slaveDelay)

		body := make([]byte, 2)
		_ = d.spi.Tx(nil, body)
		mask = DecodeInterruptMask(body)
	})

	if mask&InterruptBlob != 0 {
		d.doStatus()
	}
	if d.cb.OnInterrupt != nil {
		d.cb.OnInterrupt(mask)
	}
}

// scheduleReceive acquires a recv permit if one is immediately available
// and, if so, submits doReceive to the worker.
func (d *Dock) scheduleReceive() {
	if !d.recvSem.TryAcquire(1) {
		return
	}
	linkserial.Submit(func() {
		defer d.recvSem.Release(1)
		d.doReceive()
	})
}

// doReceive runs a Receive exchange on the Link Serializer worker. A
// zero or oversize declared length aborts the exchange before any
// buffer is allocated; otherwise OnReceive is delivered exactly the
// declared number of bytes.
func (d *Dock) doReceive() {
	var ct uint16
	var payload pktbuf.Buffer
	aborted := false

	d.transaction(func() {
		header := [1]byte{byte(CmdReceive)}
		_ = d.spi.Tx(header[:], nil)
		time.Sleep(slaveDelay)

		hdr := make([]byte, blobHeaderLen)
		_ = d.spi.Tx(nil, hdr)
		bh := DecodeBlobHeader(hdr)
		ct = bh.ContentType

		if err := validateReceiveSize(int(bh.Size)); err != nil {
			aborted = true
			return
		}

		var err error
		payload, err = pktbuf.Allocate(int(bh.Size))
		if err != nil {
			aborted = true
			return
		}
		payload.ForEachChunk(func(chunk []byte) bool {
			_ = d.spi.Tx(nil, chunk)
			return true
		})
	})

	if aborted {
		return
	}
	if d.cb.OnReceive != nil {
		d.cb.OnReceive(ct, payload)
	} else {
		payload.Free()
	}
}

// Send requests a Send exchange, blocking until a send permit is
// free, which backpressures the caller. The exchange
// itself — including the oversize check — runs asynchronously on the
// Link Serializer; Send returns as soon as the job is enqueued.
func (d *Dock) Send(ctx context.Context, contentType uint16, payload pktbuf.Buffer) error {
	if err := d.sendSem.Acquire(ctx, 1); err != nil {
		payload.Free()
		return err
	}
	linkserial.Submit(func() {
		defer d.sendSem.Release(1)
		d.doSend(contentType, payload)
	})
	return nil
}

// doSend runs the Send exchange on the Link Serializer worker. An
// oversize buffer is dropped silently before any bytes cross the
// wire; the buffer is always freed exactly once.
func (d *Dock) doSend(contentType uint16, payload pktbuf.Buffer) {
	defer payload.Free()

	if err := validateSendSize(payload.Len()); err != nil {
		return
	}

	d.transaction(func() {
		header := [1]byte{byte(CmdSend)}
		_ = d.spi.Tx(header[:], nil)
		time.Sleep(slaveDelay)

		bh := EncodeBlobHeader(BlobHeader{ContentType: contentType, Size: uint16(payload.Len())})
		_ = d.spi.Tx(bh, nil)

		payload.ForEachChunk(func(chunk []byte) bool {
			_ = d.spi.Tx(chunk, nil)
			return true
		})
	})
}
