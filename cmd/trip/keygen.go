package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/merlos/trip/internal/config"
	"github.com/merlos/trip/internal/crypto"
	"github.com/merlos/trip/internal/qr"
)

// newKeygenCmd creates the `trip keygen` command.
func newKeygenCmd() *cobra.Command {
	var (
		force      bool
		listenAddr string
		showQR     bool
		qrOutPath  string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh router keypair and write a default router config",
		Long: `Generate a fresh Curve25519 encryption keypair and Ed25519 signing
keypair, then write a default router config to --config.

Use --qr to also print a QR code peers can scan to provision a
peer.yaml profile pointing at this router.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(force, listenAddr, showQR, qrOutPath)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config without prompting")
	cmd.Flags().StringVar(&listenAddr, "listen", "0.0.0.0:42443", "UDP address the router will bind")
	cmd.Flags().BoolVar(&showQR, "qr", false, "print a provisioning QR code to the terminal")
	cmd.Flags().StringVar(&qrOutPath, "qr-out", "", "write the provisioning QR as a PNG to this path")

	return cmd
}

func runKeygen(force bool, listenAddr string, showQR bool, qrOutPath string) error {
	if _, err := os.Stat(routerConfigPath); err == nil && !force {
		return fmt.Errorf(
			"config already exists at %s\nuse --force to overwrite, or edit it directly to add peers",
			routerConfigPath,
		)
	}

	encKey, err := crypto.GenerateEncryptionKeyPair()
	if err != nil {
		return fmt.Errorf("generating encryption keypair: %w", err)
	}
	signKey, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return fmt.Errorf("generating signing keypair: %w", err)
	}

	cfg := config.DefaultRouterConfig()
	cfg.Router.ListenAddr = listenAddr
	cfg.Router.PrivateKey = crypto.EncodeKey(encKey.PrivateKey[:])
	cfg.Router.PublicKey = crypto.EncodeKey(encKey.PublicKey[:])
	cfg.Router.SigningPrivateKey = crypto.EncodeKey(signKey.PrivateKey)
	cfg.Router.SigningPublicKey = crypto.EncodeKey(signKey.PublicKey)

	if err := config.SaveRouterConfig(routerConfigPath, cfg); err != nil {
		return fmt.Errorf("writing router config: %w", err)
	}

	fmt.Printf(`trip router initialised.

  Config:     %s
  Listen:     %s

  Public key (share with peers):
    %s
  Signing public key (share with peers):
    %s

Next steps:
  1. Add a peer entry under "peers:" in %s with their ed25519_pubkey.
  2. Start the router:
       trip serve --config %s

`, routerConfigPath, listenAddr, cfg.Router.PublicKey, cfg.Router.SigningPublicKey, routerConfigPath, routerConfigPath)

	if showQR || qrOutPath != "" {
		host, port := splitHostPort(listenAddr)
		payload := &qr.Payload{
			ProfileName:       "default",
			RouterHost:        host,
			RouterPort:        port,
			RouterPubKey:      cfg.Router.PublicKey,
			PeerPubKey:        cfg.Router.PublicKey,
			PeerSigningPubKey: cfg.Router.SigningPublicKey,
		}
		fmt.Println("⚠ QR identifies this router to new peers; it does not contain a private key.")
		if err := qr.Generate(payload, &qr.GenerateOptions{OmitPrivateKey: true, OutputPath: qrOutPath}); err != nil {
			return fmt.Errorf("generating QR: %w", err)
		}
	}
	return nil
}

// splitHostPort is a permissive best-effort split of "host:port" for
// display purposes only; an unparsable listen address degrades to a 0.0.0.0
// host hint rather than failing keygen outright.
func splitHostPort(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "0.0.0.0", 42443
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 42443
	}
	return host, uint16(port)
}
