package dock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dockmesh-go/pktbuf"
)

// blockingSPI is a fake SPI whose Tx for a Send body write blocks until
// release is signalled, letting a test pin an exchange in flight for as
// long as it likes. Every other command answers immediately with zeroed
// bytes, since these tests only care about Send's semaphore gating.
type blockingSPI struct {
	release chan struct{}

	mu        sync.Mutex
	sawCmd    Command
	sawHeader bool
}

func newBlockingSPI() *blockingSPI {
	return &blockingSPI{release: make(chan struct{})}
}

func (s *blockingSPI) Tx(w, r []byte) error {
	s.mu.Lock()
	if len(w) == 1 {
		s.sawCmd = Command(w[0])
		s.sawHeader = false
		s.mu.Unlock()
		return nil
	}
	cmd := s.sawCmd
	header := s.sawHeader
	s.sawHeader = true
	s.mu.Unlock()

	if cmd == CmdSend && !header {
		<-s.release
	}
	return nil
}

func (s *blockingSPI) Transfer(b byte) (byte, error) { return 0, s.Tx([]byte{b}, nil) }

type noopCSPin struct{}

func (noopCSPin) Assert()              {}
func (noopCSPin) Release()             {}
func (noopCSPin) OnFallingEdge(func()) {}

func TestSend_SemaphoreBoundsOutstandingExchanges(t *testing.T) {
	// The Link Serializer runs one exchange at a time regardless, so the
	// interesting bound here is "permits held" (submitted-but-not-yet-
	// completed Sends), not simultaneous SPI calls: send has capacity 2
	// (one in-flight + one queued), and a third Send must block the
	// caller until one of the first two completes.
	spi := newBlockingSPI()
	d := New(spi, noopCSPin{}, Callbacks{})

	for i := 0; i < sendPermits; i++ {
		payload, err := pktbuf.Allocate(8)
		if err != nil {
			t.Fatal(err)
		}
		if err := d.Send(context.Background(), 0, payload); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	// Both permits are now held: one job is blocked inside Tx, the other
	// is queued behind it (the serializer runs one job at a time). A
	// third Send must not be able to acquire a permit until one frees up.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	thirdPayload, err := pktbuf.Allocate(8)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Send(ctx, 0, thirdPayload); err == nil {
		t.Fatal("expected the third Send to block until a permit freed up, but it returned immediately")
	}

	close(spi.release)

	fourthPayload, err := pktbuf.Allocate(8)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Send(context.Background(), 0, fourthPayload); err != nil {
		t.Fatalf("Send after releasing a permit should succeed: %v", err)
	}
}

func TestStatus_DrainsPendingReceiveCount(t *testing.T) {
	var receiveCount atomic.Int32
	spi := &statusThenReceiveSPI{pendingReceive: 3}
	d := New(spi, noopCSPin{}, Callbacks{
		OnReceive: func(_ uint16, payload pktbuf.Buffer) {
			payload.Free()
			receiveCount.Add(1)
		},
	})

	d.scheduleStatus()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if receiveCount.Load() == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := receiveCount.Load(); got != 3 {
		t.Fatalf("received %d blobs, want 3 (the peer's reported pending_receive count)", got)
	}
}

// statusThenReceiveSPI answers one Status exchange reporting
// pending_receive=N, then answers every following Receive exchange with
// a fixed-size blob, so doStatus's drain loop has something to consume.
type statusThenReceiveSPI struct {
	pendingReceive uint8

	mu     sync.Mutex
	cmd    Command
	stage  int
}

func (s *statusThenReceiveSPI) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(w) >= 1 && s.stage == 0 {
		s.cmd = Command(w[0])
		s.stage = 1
		return nil
	}

	switch s.cmd {
	case CmdStatus:
		if r != nil {
			body := make([]byte, statusBodyLen)
			body[3] = s.pendingReceive
			copy(r, body)
		}
		s.stage = 0
	case CmdReceive:
		if r != nil {
			copy(r, EncodeBlobHeader(BlobHeader{ContentType: 0, Size: 4}))
		}
		s.stage = 0
	}
	return nil
}

func (s *statusThenReceiveSPI) Transfer(b byte) (byte, error) { return 0, s.Tx([]byte{b}, nil) }
