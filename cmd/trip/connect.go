package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/merlos/trip/internal/conn"
	"github.com/merlos/trip/internal/config"
	"github.com/merlos/trip/internal/crypto"
	"github.com/merlos/trip/internal/router"
)

func newConnectCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "connect [profile]",
		Short: "Open one outbound connection and echo-test a stream",
		Long: `Open one outbound Connection to the profile's remote router (the
profile named "default" is used if none is given), wait for the
handshake to complete, send one reliable/ordered stream message, and
exit once the peer's response (or a timeout) arrives.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profileName := ""
			if len(args) > 0 {
				profileName = args[0]
			}
			return runConnect(profileName, message)
		},
	}
	cmd.Flags().StringVar(&message, "message", "ping from trip connect", "payload to write on stream 1")
	return cmd
}

func runConnect(profileName, message string) error {
	log := newLogger()

	peerCfg, err := config.LoadPeerConfig(peerConfigPath)
	if err != nil {
		return fmt.Errorf("loading peer config: %w", err)
	}
	profile, err := config.GetProfile(peerCfg, profileName)
	if err != nil {
		return err
	}

	identity, err := identityFromPeerProfile(profile)
	if err != nil {
		return err
	}

	policy := router.Policy{
		AllowOutgoing: true,
		MaxConnections: 1,
		BindTimeout:    time.Second,
		PingInterval:   20 * time.Second,
		EstimatedRTT:   200 * time.Millisecond,
		EMTU:           516,
		Identity:       identity,
		Limits:         config.DefaultLimits(),
	}

	r := router.New(&router.UDPSocket{}, policy, log, nil)
	if err := r.Start("0.0.0.0:0"); err != nil {
		return fmt.Errorf("starting local router: %w", err)
	}
	defer func() { _ = r.Stop(context.Background(), 2*time.Second) }()

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(profile.RouterHost, strconv.Itoa(int(profile.RouterPort))))
	if err != nil {
		return fmt.Errorf("resolving %s:%d: %w", profile.RouterHost, profile.RouterPort, err)
	}

	routerPub, err := decodeRouterPubKey(profile)
	if err != nil {
		return err
	}

	ready := make(chan struct{ c *conn.Connection; err error }, 1)
	if err := r.Connect(addr, &routerPub, func(c *conn.Connection, err error) {
		ready <- struct {
			c   *conn.Connection
			err error
		}{c, err}
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	select {
	case res := <-ready:
		if res.err != nil {
			return fmt.Errorf("handshake failed: %w", res.err)
		}
		fmt.Printf("connected to %s (peer id %d)\n", addr, res.c.PeerID)

		received := make(chan []byte, 1)
		stream := res.c.OpenStream(0, true, true, policy.EMTU)
		stream.OnMessage = func(payload []byte) { received <- payload }
		if err := stream.Write([]byte(message)); err != nil {
			return fmt.Errorf("writing stream message: %w", err)
		}

		select {
		case payload := <-received:
			fmt.Printf("echo: %s\n", payload)
		case <-time.After(2 * time.Second):
			fmt.Println("no reply within 2s")
		}
		return nil
	case <-time.After(60 * time.Second):
		return fmt.Errorf("handshake timed out")
	}
}

// decodeRouterPubKey decodes a PeerProfile's base64 RouterPubKey into the
// raw Curve25519 key Router.Connect needs to seal the initiator's OPEN.
// Without this, the OPEN is sealed to an all-zero key and the remote
// Router can never open it.
func decodeRouterPubKey(p *config.PeerProfile) ([32]byte, error) {
	var pub [32]byte
	raw, err := crypto.DecodeKey(p.RouterPubKey)
	if err != nil {
		return pub, fmt.Errorf("decoding router public key: %w", err)
	}
	if len(raw) != crypto.KeySize {
		return pub, fmt.Errorf("router public key: want %d bytes, got %d", crypto.KeySize, len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

// identityFromPeerProfile decodes a PeerProfile's base64 keys into the
// conn.Identity used for this single outbound Connection.
func identityFromPeerProfile(p *config.PeerProfile) (conn.Identity, error) {
	privBytes, err := crypto.DecodeKey(p.PrivateKey)
	if err != nil {
		return conn.Identity{}, fmt.Errorf("decoding peer private key: %w", err)
	}
	var encKey crypto.EncryptionKeyPair
	copy(encKey.PrivateKey[:], privBytes)
	pubBytes, err := crypto.DecodeKey(p.PublicKey)
	if err != nil {
		return conn.Identity{}, fmt.Errorf("decoding peer public key: %w", err)
	}
	copy(encKey.PublicKey[:], pubBytes)

	var signKey *crypto.SigningKeyPair
	if p.SigningPrivateKey != "" {
		signPriv, err := crypto.DecodeKey(p.SigningPrivateKey)
		if err != nil {
			return conn.Identity{}, fmt.Errorf("decoding peer signing private key: %w", err)
		}
		signPub, err := crypto.DecodeKey(p.SigningPublicKey)
		if err != nil {
			return conn.Identity{}, fmt.Errorf("decoding peer signing public key: %w", err)
		}
		signKey = &crypto.SigningKeyPair{PrivateKey: signPriv, PublicKey: signPub}
	}

	identity := conn.Identity{EncKey: encKey, SignKey: signKey}
	if p.RouterSigningPubKey != "" {
		routerSignPub, err := crypto.DecodeKey(p.RouterSigningPubKey)
		if err != nil {
			return conn.Identity{}, fmt.Errorf("decoding router signing pubkey: %w", err)
		}
		identity.VerifyPeer = func(msg, sig []byte) bool {
			return crypto.Verify(routerSignPub, msg, sig)
		}
	}
	return identity, nil
}
