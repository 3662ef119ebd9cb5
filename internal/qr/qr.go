// Package qr generates QR codes for bootstrapping a TRiP peer profile onto
// a new device.
//
// The QR payload is a JSON object containing the minimum fields needed to
// configure a new peer: the remote Router's address and public key, plus
// this peer's own keypair. Since the payload includes private key
// material, callers should warn users to treat the QR as a secret.
package qr

import (
	"encoding/json"
	"fmt"
	"os"

	goqr "github.com/skip2/go-qrcode"
)

// Payload is the data encoded into the QR code.
type Payload struct {
	// ProfileName is the suggested profile name on the new device.
	ProfileName string `json:"profile"`

	// RouterHost is the remote Router's hostname or IP.
	RouterHost string `json:"host"`

	// RouterPort is the remote Router's UDP port.
	RouterPort uint16 `json:"port"`

	// RouterPubKey is the base64-encoded Curve25519 public key of the
	// remote Router, used to seal this peer's OPEN packet.
	RouterPubKey string `json:"router_pubkey"`

	// PeerPrivKey is the base64-encoded Curve25519 private key of the
	// peer. Omitted if GenerateOptions.OmitPrivateKey is true.
	PeerPrivKey string `json:"peer_privkey,omitempty"`

	// PeerPubKey is the base64-encoded Curve25519 public key of the peer.
	PeerPubKey string `json:"peer_pubkey"`

	// PeerSigningPubKey is the base64-encoded Ed25519 verification key
	// the Router's admission screen will check against its peer table.
	PeerSigningPubKey string `json:"peer_signing_pubkey"`
}

// GenerateOptions controls QR code generation.
type GenerateOptions struct {
	// OmitPrivateKey omits the peer's private key from the QR payload.
	// Use this when the new device will generate its own keypair.
	OmitPrivateKey bool

	// Size is the QR image size in pixels (default: 256).
	Size int

	// OutputPath is the file path to write the QR PNG to. If empty, the
	// QR is printed to the terminal as ASCII art.
	OutputPath string

	// RecoveryLevel is the QR error correction level (L, M, Q, H).
	// Default is M.
	RecoveryLevel goqr.RecoveryLevel
}

// Generate encodes payload into a QR code. If opts.OutputPath is set, the
// PNG is written to that path; otherwise ASCII art is printed to stdout.
func Generate(payload *Payload, opts *GenerateOptions) error {
	if opts == nil {
		opts = &GenerateOptions{}
	}
	if opts.Size == 0 {
		opts.Size = 256
	}
	if opts.RecoveryLevel == 0 {
		opts.RecoveryLevel = goqr.Medium
	}

	p := *payload
	if opts.OmitPrivateKey {
		p.PeerPrivKey = ""
	}

	data, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("marshalling QR payload: %w", err)
	}

	if opts.OutputPath != "" {
		if err := goqr.WriteFile(string(data), opts.RecoveryLevel, opts.Size, opts.OutputPath); err != nil {
			return fmt.Errorf("writing QR PNG to %s: %w", opts.OutputPath, err)
		}
		fmt.Fprintf(os.Stdout, "QR code written to %s\n", opts.OutputPath)
		return nil
	}

	q, err := goqr.New(string(data), opts.RecoveryLevel)
	if err != nil {
		return fmt.Errorf("generating QR: %w", err)
	}
	fmt.Println(q.ToSmallString(false))
	return nil
}
