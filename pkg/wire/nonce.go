package wire

// NonceSize is the length in octets of a TRiP session nonce, matching the
// crypto_box/crypto_sign nonce size assumed of the underlying primitive set.
const NonceSize = 24

// DerivePacketNonce computes the per-packet nonce from a session nonce, a
// wire control byte (flag + type), and an outbound sequence number:
//
//	N'[0]      = (N[0] + controlByte) mod 256
//	N'[23-k]   = (N[23-k] + seqByte_k) mod 256, for k in {0,1,2,3}
//
// This binds ciphertext to (type, sequence): cross-pasting an encrypted
// payload onto a different control byte or sequence fails authentication
// downstream, because the AEAD was sealed under a different nonce.
func DerivePacketNonce(session [NonceSize]byte, controlByte byte, sequence uint32) [NonceSize]byte {
	out := session
	out[0] = out[0] + controlByte

	seqBytes := [4]byte{
		byte(sequence),
		byte(sequence >> 8),
		byte(sequence >> 16),
		byte(sequence >> 24),
	}
	for k := 0; k < 4; k++ {
		out[23-k] = out[23-k] + seqBytes[k]
	}
	return out
}
