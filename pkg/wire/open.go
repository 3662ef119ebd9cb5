package wire

import "encoding/binary"

// SealedBoxOverhead is the number of octets a sealed-box construction adds
// to its plaintext: a 32-octet ephemeral Curve25519 public key followed by
// a 16-octet Poly1305 authentication tag. See internal/crypto for the
// actual seal/open implementation (nacl/box keyed by a BLAKE2b-derived
// nonce, the standard crypto_box_seal construction).
const SealedBoxOverhead = 32 + 16

// OpenInnerSize is the size of an OPEN/CHALLENGE sealed body before sealing:
// hash(32) || id_for_responses(4) || timestamp(8) || self_nonce(24) ||
// self_public_key(32) || max_currency(4) || currency_regen_rate(4) ||
// max_streams(4) || max_message_size(4).
const OpenInnerSize = 32 + 4 + 8 + 24 + 32 + 4 + 4 + 4 + 4

// SignatureSize is the size of a detached Ed25519 signature. If signing is
// disabled for a connection, this region is zero-filled on the wire.
const SignatureSize = 64

// HandshakeLimits are the negotiated per-connection limits carried in
// OPEN and CHALLENGE inner bodies.
type HandshakeLimits struct {
	MaxCurrency       uint32
	CurrencyRegenRate uint32
	MaxStreams        uint32
	MaxMessageSize    uint32
}

// OpenInnerFields is the plaintext of an OPEN/CHALLENGE sealed body, minus
// the hash (which binds it to the specific clear header it was sent with).
type OpenInnerFields struct {
	IDForResponses uint32
	Timestamp      int64
	SelfNonce      [NonceSize]byte
	SelfPublicKey  [32]byte
	Limits         HandshakeLimits
}

// MarshalOpenInner serialises hash+fields into the OpenInnerSize-byte
// plaintext that gets sealed into an OPEN or CHALLENGE packet.
func MarshalOpenInner(hash [32]byte, f OpenInnerFields) []byte {
	buf := make([]byte, OpenInnerSize)
	off := 0
	copy(buf[off:], hash[:])
	off += 32
	binary.BigEndian.PutUint32(buf[off:], f.IDForResponses)
	off += 4
	PutTimestamp(buf[off:], f.Timestamp)
	off += 8
	copy(buf[off:], f.SelfNonce[:])
	off += NonceSize
	copy(buf[off:], f.SelfPublicKey[:])
	off += 32
	binary.BigEndian.PutUint32(buf[off:], f.Limits.MaxCurrency)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], f.Limits.CurrencyRegenRate)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], f.Limits.MaxStreams)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], f.Limits.MaxMessageSize)
	off += 4
	return buf
}

// ParseOpenInner parses an OpenInnerSize-byte plaintext back into its hash
// and fields. Returns ErrBadLength if buf is not exactly OpenInnerSize.
func ParseOpenInner(buf []byte) (hash [32]byte, f OpenInnerFields, err error) {
	if len(buf) != OpenInnerSize {
		return hash, f, ErrBadLength
	}
	off := 0
	copy(hash[:], buf[off:off+32])
	off += 32
	f.IDForResponses = binary.BigEndian.Uint32(buf[off:])
	off += 4
	f.Timestamp = ParseTimestamp(buf[off:])
	off += 8
	copy(f.SelfNonce[:], buf[off:off+NonceSize])
	off += NonceSize
	copy(f.SelfPublicKey[:], buf[off:off+32])
	off += 32
	f.Limits.MaxCurrency = binary.BigEndian.Uint32(buf[off:])
	off += 4
	f.Limits.CurrencyRegenRate = binary.BigEndian.Uint32(buf[off:])
	off += 4
	f.Limits.MaxStreams = binary.BigEndian.Uint32(buf[off:])
	off += 4
	f.Limits.MaxMessageSize = binary.BigEndian.Uint32(buf[off:])
	off += 4
	return hash, f, nil
}

// OpenFrame is the parsed framing of an OPEN packet: the clear region
// (prefix + version + routing blob) and the still-sealed/signed tail.
// The caller is responsible for unsealing SealedBody (when
// Prefix.Encrypted is true — otherwise it's already the plaintext
// OpenInnerSize body, allow_unsafe_open) and verifying Signature over
// SignedRegion.
type OpenFrame struct {
	Prefix       Prefix
	Version      uint16
	Routing      []byte
	ClearHeader  []byte // prefix || version || routing_length || routing
	SealedBody   []byte // ephemeral_pub || ciphertext+tag, or plaintext if unsealed
	SignedRegion []byte // ClearHeader || SealedBody
	Signature    []byte // SignatureSize bytes, zero-filled if signing disabled
}

// OpenClearHeader builds the clear-header bytes (prefix || version ||
// routing_length || routing) an OPEN's embedded hash binds to, for a
// caller assembling the body before the rest of the datagram exists.
// id is always 0 on the wire for OPEN; the responder only learns the
// initiator's real id from the body. encrypted is OPEN's one
// repurposing of the shared prefix flag: for every other control type
// it marks crypto_box framing, but OPEN is never crypto_box-framed, so
// here it instead marks whether the body that follows is sealed (the
// normal case) or sent in the clear (only when both sides' policy
// allows it — allow_unsafe_open, for a peer with no known recipient
// key yet).
func OpenClearHeader(sequence uint32, version uint16, routing []byte, encrypted bool) ([]byte, error) {
	routingLen, err := PutVarint(int64(len(routing)), MaxVarintOctets)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, PrefixSize+2+len(routingLen)+len(routing))
	off := 0
	PutPrefix(buf[off:], Prefix{Control: Open, Encrypted: encrypted, ID: 0, Sequence: sequence})
	off += PrefixSize
	binary.BigEndian.PutUint16(buf[off:], version)
	off += 2
	copy(buf[off:], routingLen)
	off += len(routingLen)
	copy(buf[off:], routing)
	return buf, nil
}

// EncodeOpen assembles a complete OPEN datagram from its parts. body is
// either the sealed bytes (ephemeral pubkey + ciphertext+tag) when
// encrypted is true, or the raw OpenInnerSize-byte plaintext when
// encrypted is false (allow_unsafe_open); signature must be
// SignatureSize bytes (zero-filled if disabled).
func EncodeOpen(id, sequence uint32, version uint16, routing, body, signature []byte, encrypted bool) ([]byte, error) {
	routingLen, err := PutVarint(int64(len(routing)), MaxVarintOctets)
	if err != nil {
		return nil, err
	}
	if len(signature) != SignatureSize {
		return nil, ErrBadLength
	}

	total := PrefixSize + 2 + len(routingLen) + len(routing) + len(body) + SignatureSize
	buf := make([]byte, total)
	off := 0
	PutPrefix(buf[off:], Prefix{Control: Open, Encrypted: encrypted, ID: id, Sequence: sequence})
	off += PrefixSize
	binary.BigEndian.PutUint16(buf[off:], version)
	off += 2
	copy(buf[off:], routingLen)
	off += len(routingLen)
	copy(buf[off:], routing)
	off += len(routing)
	copy(buf[off:], body)
	off += len(body)
	copy(buf[off:], signature)
	return buf, nil
}

// DecodeOpen splits a raw OPEN datagram into its framing components without
// performing any cryptography.
func DecodeOpen(raw []byte) (OpenFrame, error) {
	prefix, err := ParsePrefix(raw)
	if err != nil {
		return OpenFrame{}, err
	}
	rest := raw[PrefixSize:]
	if len(rest) < 2 {
		return OpenFrame{}, ErrTruncated
	}
	version := binary.BigEndian.Uint16(rest)
	rest = rest[2:]

	routingLen, n, err := ParseVarint(rest, MaxVarintOctets)
	if err != nil || n < 0 {
		return OpenFrame{}, ErrTruncated
	}
	rest = rest[n:]
	if routingLen < 0 || int64(len(rest)) < routingLen {
		return OpenFrame{}, ErrTruncated
	}
	routing := rest[:routingLen]
	rest = rest[routingLen:]

	if len(rest) < SignatureSize {
		return OpenFrame{}, ErrTruncated
	}
	sealedBody := rest[:len(rest)-SignatureSize]
	signature := rest[len(rest)-SignatureSize:]

	clearHeaderLen := len(raw) - len(sealedBody) - SignatureSize
	clearHeader := raw[:clearHeaderLen]
	signedRegion := raw[:len(raw)-SignatureSize]

	return OpenFrame{
		Prefix:       prefix,
		Version:      version,
		Routing:      routing,
		ClearHeader:  clearHeader,
		SealedBody:   sealedBody,
		SignedRegion: signedRegion,
		Signature:    signature,
	}, nil
}
