// Package crypto provides the cryptographic primitives TRiP assumes of a
// libsodium-equivalent library: sealed boxes (anonymous authenticated
// encryption to a recipient public key), authenticated boxes
// (crypto_box), detached Ed25519 signatures, a generic hash, and random
// bytes. It is built entirely on golang.org/x/crypto (curve25519,
// nacl/box, blake2b) plus the standard library's crypto/ed25519, since
// the ecosystem has no single "libsodium" package to bind to.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size in bytes of a Curve25519 public or private key.
const KeySize = 32

// NonceSize is the size in bytes of a crypto_box/session nonce.
const NonceSize = 24

// SealOverhead is the number of bytes a sealed box adds to its plaintext:
// a 32-byte ephemeral public key plus box.Overhead (16 bytes).
const SealOverhead = KeySize + box.Overhead

// EncryptionKeyPair is a Curve25519 keypair used for ECDH/box operations.
type EncryptionKeyPair struct {
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
}

// SigningKeyPair is an Ed25519 keypair used for detached signatures.
type SigningKeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// VerifyFunc verifies a detached signature over msg, in place of (or in
// addition to) a single known signing public key. Connections may be
// configured with one instead of a static key.
type VerifyFunc func(msg, sig []byte) bool

// GenerateEncryptionKeyPair generates a fresh Curve25519 keypair suitable
// for both static router keys and per-handshake ephemeral keys.
func GenerateEncryptionKeyPair() (*EncryptionKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating encryption keypair: %w", err)
	}
	return &EncryptionKeyPair{PublicKey: *pub, PrivateKey: *priv}, nil
}

// GenerateSigningKeyPair generates a fresh Ed25519 signing keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing keypair: %w", err)
	}
	return &SigningKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// GenerateSessionNonce returns a fresh random 24-byte session nonce.
func GenerateSessionNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("generating session nonce: %w", err)
	}
	return n, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// GenericHash is crypto_generichash: BLAKE2b with a 32-byte digest, used
// to bind OPEN/CHALLENGE's sealed body to the clear prefix it was sent
// alongside.
func GenericHash(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// BoxSeal authenticated-encrypts message for peerPub using selfPriv and
// nonce, libsodium's crypto_box, used for PING, STREAM, NOTIFY and the
// other post-handshake control types a Connection sends. The Router's
// admission-time REJECT is sent in the clear, not through BoxSeal.
func BoxSeal(nonce [NonceSize]byte, peerPub, selfPriv [KeySize]byte, message []byte) []byte {
	return box.Seal(nil, message, &nonce, &peerPub, &selfPriv)
}

// BoxOpen authenticated-decrypts ciphertext sent by peerPub to selfPriv
// under nonce. Returns an error (never panics) on authentication failure.
func BoxOpen(nonce [NonceSize]byte, peerPub, selfPriv [KeySize]byte, ciphertext []byte) ([]byte, error) {
	out, ok := box.Open(nil, ciphertext, &nonce, &peerPub, &selfPriv)
	if !ok {
		return nil, ErrAuthFailed
	}
	return out, nil
}

// SealedBoxSeal performs anonymous authenticated encryption to recipientPub:
// a fresh ephemeral keypair is generated, the nonce is derived from
// BLAKE2b(ephemeralPub || recipientPub), and the output is
// ephemeralPub || crypto_box(message). This is the standard
// crypto_box_seal construction; golang.org/x/crypto has no sealed-box
// primitive of its own to call directly.
func SealedBoxSeal(recipientPub [KeySize]byte, message []byte) ([]byte, error) {
	ephemeral, err := GenerateEncryptionKeyPair()
	if err != nil {
		return nil, err
	}
	nonce := sealedBoxNonce(ephemeral.PublicKey, recipientPub)
	ciphertext := BoxSeal(nonce, recipientPub, ephemeral.PrivateKey, message)

	out := make([]byte, KeySize+len(ciphertext))
	copy(out, ephemeral.PublicKey[:])
	copy(out[KeySize:], ciphertext)
	return out, nil
}

// SealedBoxOpen opens a sealed box addressed to (recipientPub, recipientPriv).
func SealedBoxOpen(recipientPub, recipientPriv [KeySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < KeySize {
		return nil, ErrAuthFailed
	}
	var ephemeralPub [KeySize]byte
	copy(ephemeralPub[:], sealed[:KeySize])
	ciphertext := sealed[KeySize:]

	nonce := sealedBoxNonce(ephemeralPub, recipientPub)
	return BoxOpen(nonce, ephemeralPub, recipientPriv, ciphertext)
}

// sealedBoxNonce derives the deterministic nonce used to bind a sealed
// box to the specific ephemeral/recipient key pairing it was sealed
// under, per the libsodium crypto_box_seal construction.
func sealedBoxNonce(ephemeralPub, recipientPub [KeySize]byte) [NonceSize]byte {
	h, _ := blake2b.New(NonceSize, nil)
	h.Write(ephemeralPub[:])
	h.Write(recipientPub[:])
	var nonce [NonceSize]byte
	copy(nonce[:], h.Sum(nil))
	return nonce
}

// Sign produces a detached Ed25519 signature over message.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify checks a detached Ed25519 signature over message.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// EncodeKey base64-encodes a key for storage in config files.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey base64-decodes a key from a config file.
func DecodeKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode key: %w", err)
	}
	return b, nil
}

// FingerprintKey returns a short human-readable fingerprint (first 8
// bytes of its hash, hex-encoded) of a public key.
func FingerprintKey(pub []byte) string {
	h := GenericHash(pub)
	return fmt.Sprintf("%x", h[:8])
}
