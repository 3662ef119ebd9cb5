package wire_test

import (
	"testing"

	"github.com/merlos/trip/pkg/wire"
)

func TestDerivePacketNonce_DiffersByControl(t *testing.T) {
	var session [wire.NonceSize]byte
	for i := range session {
		session[i] = byte(i)
	}

	n1 := wire.DerivePacketNonce(session, byte(wire.Ping), 7)
	n2 := wire.DerivePacketNonce(session, byte(wire.Stream), 7)
	if n1 == n2 {
		t.Error("different control bytes produced identical nonces")
	}
}

func TestDerivePacketNonce_DiffersBySequence(t *testing.T) {
	var session [wire.NonceSize]byte
	n1 := wire.DerivePacketNonce(session, 0x01, 1)
	n2 := wire.DerivePacketNonce(session, 0x01, 2)
	if n1 == n2 {
		t.Error("different sequence numbers produced identical nonces")
	}
}

func TestDerivePacketNonce_Deterministic(t *testing.T) {
	var session [wire.NonceSize]byte
	session[3] = 0x42
	n1 := wire.DerivePacketNonce(session, 0x05, 99)
	n2 := wire.DerivePacketNonce(session, 0x05, 99)
	if n1 != n2 {
		t.Error("nonce derivation is not deterministic")
	}
}
