package wire

// RejectCode enumerates the reasons a REJECT may carry.
type RejectCode byte

const (
	RejectUnknown     RejectCode = 0
	RejectBusy        RejectCode = 1
	RejectVersion     RejectCode = 2
	RejectUnsafe      RejectCode = 3
	RejectInvalid     RejectCode = 4
	RejectViolation   RejectCode = 5
	RejectUser        RejectCode = 6
	RejectServerError RejectCode = 7
)

func (c RejectCode) String() string {
	switch c {
	case RejectUnknown:
		return "unknown"
	case RejectBusy:
		return "busy"
	case RejectVersion:
		return "version"
	case RejectUnsafe:
		return "unsafe"
	case RejectInvalid:
		return "invalid"
	case RejectViolation:
		return "violation"
	case RejectUser:
		return "user"
	case RejectServerError:
		return "server-error"
	default:
		return "unrecognised"
	}
}

// RejectBody is the plaintext payload of a REJECT packet: timestamp(8) ||
// reject_code(1) || message_utf8 || NUL. The reject code is a single
// octet (the original protocol this is modeled on used inconsistent 8/16-bit coding:
// this implementation fixes it at one octet everywhere).
type RejectBody struct {
	Timestamp int64
	Code      RejectCode
	Message   string
}

// MarshalReject serialises a RejectBody into its NUL-terminated wire form.
func MarshalReject(b RejectBody) []byte {
	msg := []byte(b.Message)
	buf := make([]byte, 8+1+len(msg)+1)
	PutTimestamp(buf, b.Timestamp)
	buf[8] = byte(b.Code)
	copy(buf[9:], msg)
	// buf[len(buf)-1] is already the zero NUL terminator.
	return buf
}

// ParseReject parses a RejectBody from its NUL-terminated wire form.
func ParseReject(buf []byte) (RejectBody, error) {
	if len(buf) < 10 || buf[len(buf)-1] != 0 {
		return RejectBody{}, ErrBadLength
	}
	return RejectBody{
		Timestamp: ParseTimestamp(buf),
		Code:      RejectCode(buf[8]),
		Message:   string(buf[9 : len(buf)-1]),
	}, nil
}

// EncodeReject assembles a complete REJECT datagram given already-sealed
// (crypto_box-authenticated) ciphertext, with the encrypted flag set. The
// Router's own admission-time REJECT does not use it: it is built in the
// clear by the Router.
func EncodeReject(id, sequence uint32, ciphertext []byte) []byte {
	buf := make([]byte, PrefixSize+len(ciphertext))
	PutPrefix(buf, Prefix{Control: Reject, Encrypted: true, ID: id, Sequence: sequence})
	copy(buf[PrefixSize:], ciphertext)
	return buf
}

// DecodeReject splits a raw REJECT datagram into its prefix and ciphertext.
func DecodeReject(raw []byte) (Prefix, []byte, error) {
	prefix, err := ParsePrefix(raw)
	if err != nil {
		return Prefix{}, nil, err
	}
	return prefix, raw[PrefixSize:], nil
}
