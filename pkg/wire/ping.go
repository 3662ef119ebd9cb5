package wire

import "encoding/binary"

// PingPlaintextSize is the size of a PING body before authenticated
// encryption: random(24) || timestamp(8) || rtt(4) || sent_count(4) ||
// recv_count(4).
const PingPlaintextSize = NonceSize + 8 + 4 + 4 + 4

// PingBody is the plaintext payload of a PING packet. Random is chosen by
// the pinger and must be echoed verbatim by the responder; RTT/Sent/Recv
// are informational.
type PingBody struct {
	Random    [NonceSize]byte
	Timestamp int64
	RTT       uint32
	Sent      uint32
	Recv      uint32
}

// MarshalPing serialises a PingBody into its fixed-size plaintext form.
func MarshalPing(b PingBody) []byte {
	buf := make([]byte, PingPlaintextSize)
	off := 0
	copy(buf[off:], b.Random[:])
	off += NonceSize
	PutTimestamp(buf[off:], b.Timestamp)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], b.RTT)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], b.Sent)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], b.Recv)
	return buf
}

// ParsePing parses a PingBody from its fixed-size plaintext form.
func ParsePing(buf []byte) (PingBody, error) {
	if len(buf) != PingPlaintextSize {
		return PingBody{}, ErrBadLength
	}
	var b PingBody
	off := 0
	copy(b.Random[:], buf[off:off+NonceSize])
	off += NonceSize
	b.Timestamp = ParseTimestamp(buf[off:])
	off += 8
	b.RTT = binary.BigEndian.Uint32(buf[off:])
	off += 4
	b.Sent = binary.BigEndian.Uint32(buf[off:])
	off += 4
	b.Recv = binary.BigEndian.Uint32(buf[off:])
	return b, nil
}

// EncodePing assembles a complete PING datagram given its already-sealed
// (crypto_box-authenticated) ciphertext.
func EncodePing(id, sequence uint32, ciphertext []byte) []byte {
	buf := make([]byte, PrefixSize+len(ciphertext))
	PutPrefix(buf, Prefix{Control: Ping, Encrypted: true, ID: id, Sequence: sequence})
	copy(buf[PrefixSize:], ciphertext)
	return buf
}

// DecodePing splits a raw PING datagram into its prefix and ciphertext.
func DecodePing(raw []byte) (Prefix, []byte, error) {
	prefix, err := ParsePrefix(raw)
	if err != nil {
		return Prefix{}, nil, err
	}
	return prefix, raw[PrefixSize:], nil
}
