package qr_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/merlos/trip/internal/qr"
)

func TestGenerate_WritesPNGFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.png")

	payload := &qr.Payload{
		ProfileName:  "laptop",
		RouterHost:   "1.2.3.4",
		RouterPort:   42443,
		RouterPubKey: "routerpub==",
		PeerPrivKey:  "peerpriv==",
		PeerPubKey:   "peerpub==",
	}

	if err := qr.Generate(payload, &qr.GenerateOptions{OutputPath: path}); err != nil {
		t.Fatalf("Generate error = %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Fatalf("expected non-empty PNG at %s, stat err = %v", path, err)
	}
}

func TestGenerate_OmitPrivateKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.png")

	payload := &qr.Payload{PeerPrivKey: "secret==", PeerPubKey: "pub=="}
	if err := qr.Generate(payload, &qr.GenerateOptions{OutputPath: path, OmitPrivateKey: true}); err != nil {
		t.Fatalf("Generate error = %v", err)
	}
	// The caller's payload struct itself must not be mutated.
	if payload.PeerPrivKey != "secret==" {
		t.Error("Generate should not mutate the caller's payload")
	}
}
