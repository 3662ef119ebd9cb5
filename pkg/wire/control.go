package wire

import "encoding/binary"

// TimestampNonceBody is the shared shape of NOTIFY, NOTIFY_CONFIRM, RENEW
// and RENEW_CONFIRM bodies: a fresh timestamp plus a fresh session nonce
// the sender wants the peer to adopt (for RENEW/RENEW_CONFIRM) or simply
// prove freshness with (for NOTIFY/NOTIFY_CONFIRM).
type TimestampNonceBody struct {
	Timestamp int64
	Nonce     [NonceSize]byte
}

// TimestampNonceBodySize is the fixed size of a TimestampNonceBody.
const TimestampNonceBodySize = 8 + NonceSize

// MarshalTimestampNonce serialises a TimestampNonceBody.
func MarshalTimestampNonce(b TimestampNonceBody) []byte {
	buf := make([]byte, TimestampNonceBodySize)
	PutTimestamp(buf, b.Timestamp)
	copy(buf[8:], b.Nonce[:])
	return buf
}

// ParseTimestampNonce parses a TimestampNonceBody.
func ParseTimestampNonce(buf []byte) (TimestampNonceBody, error) {
	if len(buf) != TimestampNonceBodySize {
		return TimestampNonceBody{}, ErrBadLength
	}
	var b TimestampNonceBody
	b.Timestamp = ParseTimestamp(buf)
	copy(b.Nonce[:], buf[8:])
	return b, nil
}

// KillBody is the payload of KILL and KILL_CONFIRM: a timestamp and a
// one-octet advisory reason code (0 = unspecified).
type KillBody struct {
	Timestamp int64
	Reason    byte
}

// KillBodySize is the fixed size of a KillBody.
const KillBodySize = 8 + 1

// MarshalKill serialises a KillBody.
func MarshalKill(b KillBody) []byte {
	buf := make([]byte, KillBodySize)
	PutTimestamp(buf, b.Timestamp)
	buf[8] = b.Reason
	return buf
}

// ParseKill parses a KillBody.
func ParseKill(buf []byte) (KillBody, error) {
	if len(buf) != KillBodySize {
		return KillBody{}, ErrBadLength
	}
	return KillBody{Timestamp: ParseTimestamp(buf), Reason: buf[8]}, nil
}

// ForwardBody is the payload of FORWARD: an opaque relay of bytes destined
// for whatever peer the recipient associates with targetID. No Connection
// state sends FORWARD, and the Router strikes an inbound one as a protocol
// violation.
type ForwardBody struct {
	TargetID uint32
	Payload  []byte
}

// MarshalForward serialises a ForwardBody.
func MarshalForward(b ForwardBody) []byte {
	buf := make([]byte, 4+len(b.Payload))
	binary.BigEndian.PutUint32(buf, b.TargetID)
	copy(buf[4:], b.Payload)
	return buf
}

// ParseForward parses a ForwardBody.
func ParseForward(buf []byte) (ForwardBody, error) {
	if len(buf) < 4 {
		return ForwardBody{}, ErrTruncated
	}
	return ForwardBody{
		TargetID: binary.BigEndian.Uint32(buf),
		Payload:  buf[4:],
	}, nil
}

// EncodeControl assembles a complete datagram for any control type whose
// body is a single authenticated-encrypted blob with no further framing
// (STREAM, RENEW, RENEW_CONFIRM, NOTIFY, NOTIFY_CONFIRM, KILL,
// KILL_CONFIRM, FORWARD). ctrl must be one of those types.
func EncodeControl(ctrl Control, id, sequence uint32, ciphertext []byte) []byte {
	buf := make([]byte, PrefixSize+len(ciphertext))
	PutPrefix(buf, Prefix{Control: ctrl, Encrypted: true, ID: id, Sequence: sequence})
	copy(buf[PrefixSize:], ciphertext)
	return buf
}

// DecodeControl splits a raw datagram of one of the types handled by
// EncodeControl into its prefix and ciphertext.
func DecodeControl(raw []byte) (Prefix, []byte, error) {
	prefix, err := ParsePrefix(raw)
	if err != nil {
		return Prefix{}, nil, err
	}
	return prefix, raw[PrefixSize:], nil
}
