package conn

import (
	"fmt"
	"sort"

	"github.com/merlos/trip/pkg/wire"
)

// MaxFragments is the largest fragment count a single message may be
// split into before Write rejects it outright.
const MaxFragments = 1024

// pendingInboundLimit is how many fully-buffered fragments a stream's
// inbound reassembly will hold before asking the sender to back off.
const pendingInboundLimit = 64

// inFragment is one fragment held in an inbound reassembly buffer.
type inFragment struct {
	index   int64
	payload []byte
}

// outMessage is one application message queued for send, split into
// fragments that have not yet all left the wire.
type outMessage struct {
	fragments [][]byte
	next      int // index of the next unsent fragment
}

// Stream is one typed, unidirectional-in-intent message channel inside a
// Connection. The reliable×ordered matrix gives four delivery
// disciplines: ordered/reliable behaves like TCP,
// ordered/unreliable keeps only the newest message, unordered/reliable
// is message passing with per-fragment acknowledgement, and
// unordered/unreliable is plain authenticated UDP.
type Stream struct {
	id       uint32
	reliable bool
	ordered  bool
	umtu     int

	conn *Connection

	closed    bool
	closeSent bool

	outQueue []*outMessage
	acked    map[int64]bool // fragment indices of the current send awaiting Data-Received

	inBuf         []inFragment
	inCount       int64 // FragmentCount of the message currently being reassembled, 0 if idle
	backpressured bool

	// OnMessage is invoked with each fully reassembled inbound message.
	OnMessage func(payload []byte)
	// OnClose is invoked once the peer's Close/CloseConfirm handshake
	// completes and the stream is removed from its Connection.
	OnClose func()
}

func newStream(id uint32, reliable, ordered bool, c *Connection, umtu int) *Stream {
	if umtu <= 0 {
		umtu = 1
	}
	return &Stream{
		id:       id,
		reliable: reliable,
		ordered:  ordered,
		umtu:     umtu,
		conn:     c,
		acked:    make(map[int64]bool),
	}
}

// ID returns the stream's identifier, unique within its Connection.
func (s *Stream) ID() uint32 { return s.id }

// Write fragments payload and enqueues it for send. Fragmentation
// respects UMTU; a payload needing more than MaxFragments fragments is
// rejected rather than silently truncated.
func (s *Stream) Write(payload []byte) error {
	if s.closed {
		return fmt.Errorf("stream %d: write after close", s.id)
	}
	count := (len(payload) + s.umtu - 1) / s.umtu
	if count == 0 {
		count = 1
	}
	if count > MaxFragments {
		return fmt.Errorf("stream %d: message needs %d fragments, limit is %d", s.id, count, MaxFragments)
	}

	msg := &outMessage{fragments: make([][]byte, 0, count)}
	for off := 0; off < len(payload); off += s.umtu {
		end := off + s.umtu
		if end > len(payload) {
			end = len(payload)
		}
		msg.fragments = append(msg.fragments, payload[off:end])
	}
	if len(msg.fragments) == 0 {
		msg.fragments = [][]byte{{}}
	}

	if s.ordered && !s.reliable {
		// Latest-wins: drop whatever is still queued, including a
		// partially-sent message, and replace it with this one.
		s.outQueue = s.outQueue[:0]
		s.acked = make(map[int64]bool)
	}
	s.outQueue = append(s.outQueue, msg)
	s.pump()
	return nil
}

// pump sends as many queued fragments as currency and backpressure
// allow. Unreliable fragments never consume currency; reliable
// fragments do, and block (remain queued) once it runs out.
func (s *Stream) pump() {
	for len(s.outQueue) > 0 {
		msg := s.outQueue[0]
		if msg.next >= len(msg.fragments) {
			s.outQueue = s.outQueue[1:]
			continue
		}
		if s.reliable {
			if s.backpressured || s.conn.currency == 0 {
				return
			}
		}

		idx := int64(msg.next)
		sub := wire.StreamData
		if s.reliable {
			sub = wire.StreamDataValidate
		}
		frame := wire.StreamFrame{
			StreamID:      s.id,
			Subcode:       sub,
			FragmentIndex: idx,
			FragmentCount: int64(len(msg.fragments)),
			Payload:       msg.fragments[msg.next],
		}
		if !s.send(frame) {
			return
		}
		if s.reliable {
			s.conn.currency--
			s.acked[idx] = false
		}
		msg.next++
	}
}

// drainPending is called by the Connection after currency regenerates or
// an ack frees budget, to resume a Stream that was blocked mid-message.
func (s *Stream) drainPending() {
	s.pump()
}

func (s *Stream) send(frame wire.StreamFrame) bool {
	plain, err := wire.MarshalStreamFrame(frame)
	if err != nil {
		return false
	}
	return s.conn.sendControl(wire.Stream, plain)
}

// Close half-closes the stream: queued sends are abandoned and a
// Stream-Close notice goes out; the stream is only removed from its
// Connection once the peer's Close-Confirm arrives.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.outQueue = nil
	s.closeSent = true
	frame := wire.StreamFrame{StreamID: s.id, Subcode: wire.StreamClose}
	if !s.send(frame) {
		return fmt.Errorf("stream %d: failed to send close", s.id)
	}
	return nil
}

// handleInbound processes one inbound STREAM plaintext addressed to this
// stream.
func (s *Stream) handleInbound(frame wire.StreamFrame) error {
	switch frame.Subcode {
	case wire.StreamData, wire.StreamDataValidate:
		return s.handleData(frame)
	case wire.StreamDataReceived:
		s.handleDataReceived(frame)
		return nil
	case wire.StreamBackpressure:
		s.backpressured = true
		return nil
	case wire.StreamBackpressureConfirm:
		s.backpressured = false
		s.pump()
		return nil
	case wire.StreamClose:
		if !s.closeSent {
			s.send(wire.StreamFrame{StreamID: s.id, Subcode: wire.StreamCloseConfirm})
		}
		s.finish()
		return nil
	case wire.StreamCloseConfirm:
		s.finish()
		return nil
	case wire.StreamReconfigure:
		s.send(wire.StreamFrame{StreamID: s.id, Subcode: wire.StreamReconfigureConfirm})
		return nil
	case wire.StreamReconfigureConfirm:
		return nil
	default:
		return fmt.Errorf("stream %d: unknown subcode %d", s.id, frame.Subcode)
	}
}

func (s *Stream) handleData(frame wire.StreamFrame) error {
	if frame.Subcode == wire.StreamDataValidate {
		s.send(wire.StreamFrame{StreamID: s.id, Subcode: wire.StreamDataReceived, FragmentIndex: frame.FragmentIndex})
	}

	if frame.FragmentIndex == 0 && s.ordered && !s.reliable && s.inCount != 0 {
		// Latest-wins: a fresh message superseded whatever was
		// mid-reassembly.
		s.inBuf = s.inBuf[:0]
	}
	s.inCount = frame.FragmentCount

	for _, f := range s.inBuf {
		if f.index == frame.FragmentIndex {
			return nil // duplicate fragment, already buffered
		}
	}
	s.inBuf = append(s.inBuf, inFragment{index: frame.FragmentIndex, payload: frame.Payload})

	if int64(len(s.inBuf)) >= s.inCount {
		sort.Slice(s.inBuf, func(i, j int) bool { return s.inBuf[i].index < s.inBuf[j].index })
		total := 0
		for _, f := range s.inBuf {
			total += len(f.payload)
		}
		out := make([]byte, 0, total)
		for _, f := range s.inBuf {
			out = append(out, f.payload...)
		}
		s.inBuf = s.inBuf[:0]
		s.inCount = 0
		if s.OnMessage != nil {
			s.OnMessage(out)
		}
		return nil
	}

	if len(s.inBuf) >= pendingInboundLimit && !s.backpressured {
		s.backpressured = true
		s.send(wire.StreamFrame{StreamID: s.id, Subcode: wire.StreamBackpressure})
	}
	return nil
}

func (s *Stream) handleDataReceived(frame wire.StreamFrame) {
	if _, ok := s.acked[frame.FragmentIndex]; !ok {
		return
	}
	delete(s.acked, frame.FragmentIndex)
	if s.conn.currency < s.conn.maxCurrency {
		s.conn.currency++
	}
	s.pump()
}

func (s *Stream) finish() {
	s.closed = true
	delete(s.conn.streams, s.id)
	if s.OnClose != nil {
		s.OnClose()
	}
}
