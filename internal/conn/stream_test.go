package conn

import (
	"net"
	"testing"

	"github.com/merlos/trip/pkg/wire"
)

// countingTransport is a Transport stub that always accepts a send and
// runs posted callbacks synchronously, so stream tests can drive a
// Connection's retry/currency logic deterministically without a real
// socket or goroutine-based timers.
type countingTransport struct {
	sendCount int
	removed   []uint32
}

func (t *countingTransport) Send(payload []byte, addr *net.UDPAddr) error {
	t.sendCount++
	return nil
}
func (t *countingTransport) Post(fn func())                        { fn() }
func (t *countingTransport) Removed(id uint32)                     { t.removed = append(t.removed, id) }
func (t *countingTransport) ReportEvent(id uint32, name string, data any) {}

func newTestConn(tr Transport) *Connection {
	c := New(1, Identity{}, nil, 0, tr)
	c.State = Ready
	return c
}

func TestStream_Write_FragmentsAndDrainsUnreliable(t *testing.T) {
	tr := &countingTransport{}
	c := newTestConn(tr)
	s := c.OpenStream(1, false, false, 100) // umtu = 100 - 9 - 48 - 7 = 36

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := s.Write(payload); err != nil {
		t.Fatalf("Write error = %v", err)
	}

	if want := 3; tr.sendCount != want {
		t.Fatalf("sendCount = %d, want %d", tr.sendCount, want)
	}
	if len(s.outQueue) != 0 {
		t.Fatalf("expected outQueue drained for unreliable stream, got %d messages", len(s.outQueue))
	}
}

func TestStream_Reliable_CurrencyGatesSendUntilAcked(t *testing.T) {
	tr := &countingTransport{}
	c := newTestConn(tr)
	c.maxCurrency = 1
	c.currency = 1
	s := c.OpenStream(1, true, true, 100)

	payload := make([]byte, 100) // 3 fragments at umtu=36
	if err := s.Write(payload); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if tr.sendCount != 1 {
		t.Fatalf("sendCount = %d, want 1 (blocked on currency)", tr.sendCount)
	}
	if c.currency != 0 {
		t.Fatalf("currency = %d, want 0", c.currency)
	}

	s.handleDataReceived(wire.StreamFrame{FragmentIndex: 0})
	if tr.sendCount != 2 {
		t.Fatalf("after first ack sendCount = %d, want 2", tr.sendCount)
	}

	s.handleDataReceived(wire.StreamFrame{FragmentIndex: 1})
	if tr.sendCount != 3 {
		t.Fatalf("after second ack sendCount = %d, want 3", tr.sendCount)
	}
	if len(s.outQueue) != 0 {
		t.Fatalf("expected message fully sent, outQueue has %d entries", len(s.outQueue))
	}
}

func TestStream_HandleData_ReassemblesOutOfOrder(t *testing.T) {
	tr := &countingTransport{}
	c := newTestConn(tr)
	s := c.OpenStream(1, false, false, 100)

	var got []byte
	s.OnMessage = func(payload []byte) { got = payload }

	frames := []wire.StreamFrame{
		{StreamID: 1, FragmentIndex: 2, FragmentCount: 3, Payload: []byte("ghi")},
		{StreamID: 1, FragmentIndex: 0, FragmentCount: 3, Payload: []byte("abc")},
		{StreamID: 1, FragmentIndex: 1, FragmentCount: 3, Payload: []byte("def")},
	}
	for _, f := range frames {
		if err := s.handleInbound(f); err != nil {
			t.Fatalf("handleInbound error = %v", err)
		}
	}

	if string(got) != "abcdefghi" {
		t.Fatalf("reassembled = %q, want %q", got, "abcdefghi")
	}
}

func TestStream_LatestWins_DropsStalePartialMessage(t *testing.T) {
	tr := &countingTransport{}
	c := newTestConn(tr)
	s := c.OpenStream(1, false, true, 100) // ordered, unreliable

	var deliveries [][]byte
	s.OnMessage = func(payload []byte) { deliveries = append(deliveries, payload) }

	// First message starts (2 of 3 fragments) but never completes.
	s.handleInbound(wire.StreamFrame{StreamID: 1, FragmentIndex: 0, FragmentCount: 3, Payload: []byte("old0")})
	s.handleInbound(wire.StreamFrame{StreamID: 1, FragmentIndex: 1, FragmentCount: 3, Payload: []byte("old1")})

	// A fresh message supersedes it.
	s.handleInbound(wire.StreamFrame{StreamID: 1, FragmentIndex: 0, FragmentCount: 2, Payload: []byte("new0")})
	s.handleInbound(wire.StreamFrame{StreamID: 1, FragmentIndex: 1, FragmentCount: 2, Payload: []byte("new1")})

	if len(deliveries) != 1 {
		t.Fatalf("expected exactly one delivered message, got %d", len(deliveries))
	}
	if string(deliveries[0]) != "new0new1" {
		t.Fatalf("delivered = %q, want %q", deliveries[0], "new0new1")
	}
}

func TestStream_Close_FinishesOnPeerConfirm(t *testing.T) {
	tr := &countingTransport{}
	c := newTestConn(tr)
	s := c.OpenStream(1, true, true, 100)

	closed := false
	s.OnClose = func() { closed = true }

	if err := s.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if !s.closeSent {
		t.Fatal("expected closeSent to be set")
	}
	if _, ok := c.streams[1]; !ok {
		t.Fatal("stream should still be registered until peer confirms")
	}

	if err := s.handleInbound(wire.StreamFrame{StreamID: 1, Subcode: wire.StreamCloseConfirm}); err != nil {
		t.Fatalf("handleInbound(CloseConfirm) error = %v", err)
	}
	if !closed {
		t.Fatal("expected OnClose to fire")
	}
	if _, ok := c.streams[1]; ok {
		t.Fatal("stream should be removed from Connection after close confirm")
	}
}

func TestStream_Write_RejectsOversizedMessage(t *testing.T) {
	tr := &countingTransport{}
	c := newTestConn(tr)
	s := c.OpenStream(1, false, false, 100) // umtu = 36

	huge := make([]byte, (MaxFragments+1)*36)
	if err := s.Write(huge); err == nil {
		t.Fatal("expected error for message exceeding MaxFragments")
	}
}
