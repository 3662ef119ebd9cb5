package wire

// ChallengeFrame is the parsed framing of a CHALLENGE packet. It has the
// same sealed-body shape as OPEN (see OpenInnerFields) but no version or
// routing fields of its own — the clear header is just the prefix.
//
// The detached signature over a CHALLENGE covers
// concat(savedOpenBuffer, UnsignedRegion), binding the CHALLENGE to the
// exact OPEN it answers. savedOpenBuffer is held by the caller (the raw
// bytes of the OPEN datagram this CHALLENGE responds to), not by this
// frame, since wire has no notion of "the connection's saved buffer".
type ChallengeFrame struct {
	Prefix         Prefix
	ClearHeader    []byte // == raw[:PrefixSize]
	SealedBody     []byte
	UnsignedRegion []byte // ClearHeader || SealedBody
	Signature      []byte
}

// EncodeChallenge assembles a complete CHALLENGE datagram. sealedBody and
// signature are produced by internal/crypto exactly as for OPEN.
func EncodeChallenge(id, sequence uint32, sealedBody, signature []byte) ([]byte, error) {
	if len(signature) != SignatureSize {
		return nil, ErrBadLength
	}
	total := PrefixSize + len(sealedBody) + SignatureSize
	buf := make([]byte, total)
	PutPrefix(buf, Prefix{Control: Challenge, Encrypted: false, ID: id, Sequence: sequence})
	copy(buf[PrefixSize:], sealedBody)
	copy(buf[PrefixSize+len(sealedBody):], signature)
	return buf, nil
}

// DecodeChallenge splits a raw CHALLENGE datagram into its framing
// components without performing any cryptography.
func DecodeChallenge(raw []byte) (ChallengeFrame, error) {
	prefix, err := ParsePrefix(raw)
	if err != nil {
		return ChallengeFrame{}, err
	}
	if len(raw) < PrefixSize+SignatureSize {
		return ChallengeFrame{}, ErrTruncated
	}
	sealedBody := raw[PrefixSize : len(raw)-SignatureSize]
	signature := raw[len(raw)-SignatureSize:]
	return ChallengeFrame{
		Prefix:         prefix,
		ClearHeader:    raw[:PrefixSize],
		SealedBody:     sealedBody,
		UnsignedRegion: raw[:len(raw)-SignatureSize],
		Signature:      signature,
	}, nil
}
