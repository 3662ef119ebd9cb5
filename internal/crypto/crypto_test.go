package crypto_test

import (
	"bytes"
	"testing"

	"github.com/merlos/trip/internal/crypto"
)

func TestGenerateEncryptionKeyPair(t *testing.T) {
	kp, err := crypto.GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatalf("GenerateEncryptionKeyPair() error = %v", err)
	}
	if kp.PublicKey == [32]byte{} {
		t.Error("public key is all zeros")
	}
	kp2, _ := crypto.GenerateEncryptionKeyPair()
	if kp.PrivateKey == kp2.PrivateKey {
		t.Error("two keypairs have identical private keys")
	}
}

func TestGenerateSigningKeyPair(t *testing.T) {
	kp, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair() error = %v", err)
	}
	if len(kp.PublicKey) == 0 || len(kp.PrivateKey) == 0 {
		t.Error("generated keys are empty")
	}
}

func TestBoxSealOpen_RoundTrip(t *testing.T) {
	server, _ := crypto.GenerateEncryptionKeyPair()
	client, _ := crypto.GenerateEncryptionKeyPair()
	nonce, _ := crypto.GenerateSessionNonce()

	ct := crypto.BoxSeal(nonce, server.PublicKey, client.PrivateKey, []byte("ping payload"))
	got, err := crypto.BoxOpen(nonce, client.PublicKey, server.PrivateKey, ct)
	if err != nil {
		t.Fatalf("BoxOpen error = %v", err)
	}
	if !bytes.Equal(got, []byte("ping payload")) {
		t.Errorf("got %q, want %q", got, "ping payload")
	}
}

func TestBoxOpen_TamperedCiphertext(t *testing.T) {
	server, _ := crypto.GenerateEncryptionKeyPair()
	client, _ := crypto.GenerateEncryptionKeyPair()
	nonce, _ := crypto.GenerateSessionNonce()

	ct := crypto.BoxSeal(nonce, server.PublicKey, client.PrivateKey, []byte("hello"))
	ct[0] ^= 0xFF

	if _, err := crypto.BoxOpen(nonce, client.PublicKey, server.PrivateKey, ct); err != crypto.ErrAuthFailed {
		t.Errorf("error = %v, want ErrAuthFailed", err)
	}
}

func TestBoxOpen_WrongNonceFails(t *testing.T) {
	server, _ := crypto.GenerateEncryptionKeyPair()
	client, _ := crypto.GenerateEncryptionKeyPair()
	nonce, _ := crypto.GenerateSessionNonce()
	other, _ := crypto.GenerateSessionNonce()

	ct := crypto.BoxSeal(nonce, server.PublicKey, client.PrivateKey, []byte("hello"))
	if _, err := crypto.BoxOpen(other, client.PublicKey, server.PrivateKey, ct); err == nil {
		t.Error("BoxOpen should fail when the nonce does not match the one sealed under")
	}
}

func TestSealedBox_RoundTrip(t *testing.T) {
	recipient, _ := crypto.GenerateEncryptionKeyPair()

	sealed, err := crypto.SealedBoxSeal(recipient.PublicKey, []byte("knock knock"))
	if err != nil {
		t.Fatalf("SealedBoxSeal error = %v", err)
	}
	if len(sealed) != len("knock knock")+crypto.SealOverhead {
		t.Errorf("sealed length = %d, want %d", len(sealed), len("knock knock")+crypto.SealOverhead)
	}

	got, err := crypto.SealedBoxOpen(recipient.PublicKey, recipient.PrivateKey, sealed)
	if err != nil {
		t.Fatalf("SealedBoxOpen error = %v", err)
	}
	if !bytes.Equal(got, []byte("knock knock")) {
		t.Errorf("got %q, want %q", got, "knock knock")
	}
}

func TestSealedBox_WrongRecipientFails(t *testing.T) {
	recipient, _ := crypto.GenerateEncryptionKeyPair()
	other, _ := crypto.GenerateEncryptionKeyPair()

	sealed, err := crypto.SealedBoxSeal(recipient.PublicKey, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := crypto.SealedBoxOpen(other.PublicKey, other.PrivateKey, sealed); err == nil {
		t.Error("SealedBoxOpen should fail for the wrong recipient")
	}
}

func TestSealedBox_EachCallFresh(t *testing.T) {
	recipient, _ := crypto.GenerateEncryptionKeyPair()
	s1, _ := crypto.SealedBoxSeal(recipient.PublicKey, []byte("same message"))
	s2, _ := crypto.SealedBoxSeal(recipient.PublicKey, []byte("same message"))
	if bytes.Equal(s1, s2) {
		t.Error("two seals of the same message should differ (fresh ephemeral key each time)")
	}
}

func TestSignVerify(t *testing.T) {
	kp, _ := crypto.GenerateSigningKeyPair()
	msg := []byte("bind this header")

	sig := crypto.Sign(kp.PrivateKey, msg)
	if !crypto.Verify(kp.PublicKey, msg, sig) {
		t.Error("Verify returned false for a valid signature")
	}
	if crypto.Verify(kp.PublicKey, []byte("different"), sig) {
		t.Error("Verify returned true for the wrong message")
	}
}

func TestGenericHash_Deterministic(t *testing.T) {
	data := []byte("clear header bytes")
	h1 := crypto.GenericHash(data)
	h2 := crypto.GenericHash(data)
	if h1 != h2 {
		t.Error("GenericHash is not deterministic")
	}
	if h1 == crypto.GenericHash([]byte("different bytes")) {
		t.Error("GenericHash collided on different input")
	}
}

func TestEncodeDecodeKey(t *testing.T) {
	original := []byte("0123456789abcdef0123456789abcdef")
	encoded := crypto.EncodeKey(original)
	decoded, err := crypto.DecodeKey(encoded)
	if err != nil {
		t.Fatalf("DecodeKey error = %v", err)
	}
	if !bytes.Equal(decoded, original) {
		t.Errorf("decoded = %v, want %v", decoded, original)
	}
}

func TestFingerprintKey_Deterministic(t *testing.T) {
	pub := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1")
	if crypto.FingerprintKey(pub) != crypto.FingerprintKey(pub) {
		t.Error("FingerprintKey is not deterministic")
	}
}
