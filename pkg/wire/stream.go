package wire

import "encoding/binary"

// StreamSubcode identifies the purpose of a STREAM packet's plaintext body.
type StreamSubcode byte

const (
	StreamData                StreamSubcode = 0x00
	StreamDataValidate        StreamSubcode = 0x01
	StreamDataReceived        StreamSubcode = 0x02
	StreamBackpressure        StreamSubcode = 0x03
	StreamBackpressureConfirm StreamSubcode = 0x04
	StreamClose               StreamSubcode = 0x05
	StreamCloseConfirm        StreamSubcode = 0x06
	StreamReconfigure         StreamSubcode = 0x07
	StreamReconfigureConfirm  StreamSubcode = 0x08
)

// StreamFrame is the plaintext body of a STREAM packet (before the
// authenticated encryption every non-handshake control type carries).
// Fragment numbering reuses the routing-length varint encoding.
type StreamFrame struct {
	StreamID      uint32
	Subcode       StreamSubcode
	FragmentIndex int64
	FragmentCount int64
	Payload       []byte
}

// StreamHeaderMinSize is the minimum plaintext size of a STREAM body: a
// 4-octet stream id, a 1-octet subcode, and at least one octet each for
// the fragment-index and fragment-count varints.
const StreamHeaderMinSize = 4 + 1 + 1 + 1

// MarshalStreamFrame serialises a StreamFrame's plaintext body.
func MarshalStreamFrame(f StreamFrame) ([]byte, error) {
	idx, err := PutVarint(f.FragmentIndex, MaxVarintOctets)
	if err != nil {
		return nil, err
	}
	cnt, err := PutVarint(f.FragmentCount, MaxVarintOctets)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 4+1+len(idx)+len(cnt)+len(f.Payload))
	off := 0
	binary.BigEndian.PutUint32(buf[off:], f.StreamID)
	off += 4
	buf[off] = byte(f.Subcode)
	off++
	copy(buf[off:], idx)
	off += len(idx)
	copy(buf[off:], cnt)
	off += len(cnt)
	copy(buf[off:], f.Payload)
	return buf, nil
}

// ParseStreamFrame parses a STREAM plaintext body.
func ParseStreamFrame(buf []byte) (StreamFrame, error) {
	if len(buf) < StreamHeaderMinSize {
		return StreamFrame{}, ErrTruncated
	}
	var f StreamFrame
	f.StreamID = binary.BigEndian.Uint32(buf)
	f.Subcode = StreamSubcode(buf[4])
	rest := buf[5:]

	idx, n, err := ParseVarint(rest, MaxVarintOctets)
	if err != nil || n < 0 {
		return StreamFrame{}, ErrTruncated
	}
	f.FragmentIndex = idx
	rest = rest[n:]

	cnt, n, err := ParseVarint(rest, MaxVarintOctets)
	if err != nil || n < 0 {
		return StreamFrame{}, ErrTruncated
	}
	f.FragmentCount = cnt
	rest = rest[n:]

	f.Payload = rest
	return f, nil
}
