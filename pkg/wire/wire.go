// Package wire implements the TRiP on-wire packet formats: the
// unencrypted prefix shared by every packet, the per-type bodies
// (OPEN, CHALLENGE, PING, REJECT, the authenticated control types,
// and STREAM), the per-packet nonce derivation, and the
// variable-length integer encoding used by the routing blob and the
// stream sublayer.
//
// Cryptographic sealing/opening of a body is the caller's job
// (internal/crypto); this package only knows how to lay bytes out and
// parse them back.
package wire

import "encoding/binary"

// Control identifies a packet's type. The top bit of the control byte
// on the wire is the encrypted flag; Control itself never carries it.
type Control byte

const (
	Stream        Control = 0x00
	Open          Control = 0x01
	Challenge     Control = 0x02
	Response      Control = 0x03
	Forward       Control = 0x04
	Ping          Control = 0x05
	Renew         Control = 0x06
	RenewConfirm  Control = 0x07
	Notify        Control = 0x08
	NotifyConfirm Control = 0x09
	Kill          Control = 0x0A
	KillConfirm   Control = 0x0B
	Reject        Control = 0x0C
)

// EncryptedFlag is the top bit of the wire control byte.
const EncryptedFlag byte = 0x80

// controlMask isolates the low 7 bits that name the packet type.
const controlMask byte = 0x7F

func (c Control) String() string {
	switch c {
	case Stream:
		return "STREAM"
	case Open:
		return "OPEN"
	case Challenge:
		return "CHALLENGE"
	case Response:
		return "RESPONSE"
	case Forward:
		return "FORWARD"
	case Ping:
		return "PING"
	case Renew:
		return "RENEW"
	case RenewConfirm:
		return "RENEW_CONFIRM"
	case Notify:
		return "NOTIFY"
	case NotifyConfirm:
		return "NOTIFY_CONFIRM"
	case Kill:
		return "KILL"
	case KillConfirm:
		return "KILL_CONFIRM"
	case Reject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Prefix sizes: control(1) || id(4) || sequence(4).
const (
	ControlSize  = 1
	IDSize       = 4
	SequenceSize = 4
	PrefixSize   = ControlSize + IDSize + SequenceSize // 9
)

// Prefix is the unencrypted header present on every TRiP datagram.
type Prefix struct {
	Control   Control
	Encrypted bool
	ID        uint32
	Sequence  uint32
}

// PutPrefix writes p into buf[0:PrefixSize]. buf must be at least PrefixSize long.
func PutPrefix(buf []byte, p Prefix) {
	cb := byte(p.Control) & controlMask
	if p.Encrypted {
		cb |= EncryptedFlag
	}
	buf[0] = cb
	binary.BigEndian.PutUint32(buf[ControlSize:], p.ID)
	binary.BigEndian.PutUint32(buf[ControlSize+IDSize:], p.Sequence)
}

// PutPrefixBytes allocates and returns a fresh PrefixSize-byte buffer
// holding p, for callers that need the clear-header bytes on their own
// (e.g. to hash or sign) rather than as a prefix of a larger buffer.
func PutPrefixBytes(p Prefix) []byte {
	buf := make([]byte, PrefixSize)
	PutPrefix(buf, p)
	return buf
}

// ParsePrefix reads the prefix from the front of buf.
// Returns ErrTruncated if buf is shorter than PrefixSize.
func ParsePrefix(buf []byte) (Prefix, error) {
	if len(buf) < PrefixSize {
		return Prefix{}, ErrTruncated
	}
	return Prefix{
		Control:   Control(buf[0] & controlMask),
		Encrypted: buf[0]&EncryptedFlag != 0,
		ID:        binary.BigEndian.Uint32(buf[ControlSize:]),
		Sequence:  binary.BigEndian.Uint32(buf[ControlSize+IDSize:]),
	}, nil
}

// ControlByte returns the raw wire control byte (flag + type) for a prefix,
// used as input to per-packet nonce derivation.
func (p Prefix) ControlByte() byte {
	cb := byte(p.Control) & controlMask
	if p.Encrypted {
		cb |= EncryptedFlag
	}
	return cb
}

// PutTimestamp writes a 64-bit millisecond Unix timestamp, big-endian.
func PutTimestamp(buf []byte, ms int64) {
	binary.BigEndian.PutUint64(buf, uint64(ms))
}

// ParseTimestamp reads a 64-bit millisecond Unix timestamp, big-endian.
func ParseTimestamp(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}
