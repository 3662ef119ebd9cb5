package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/merlos/trip/internal/conn"
	"github.com/merlos/trip/internal/config"
	"github.com/merlos/trip/internal/crypto"
	"github.com/merlos/trip/internal/router"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a router that accepts inbound connections",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := config.LoadRouterConfig(routerConfigPath)
	if err != nil {
		return fmt.Errorf("loading router config: %w", err)
	}

	identity, err := identityFromRouterConfig(cfg)
	if err != nil {
		return err
	}

	policy := router.Policy{
		AllowOutgoing:     cfg.Router.AllowOutgoing,
		AllowIncoming:     cfg.Router.AllowIncoming,
		AllowUnsafeOpen:   cfg.AllowsUnsafeOpen(),
		AllowUnsafePacket: cfg.AllowsUnsafePacket(),
		MaxConnections:    cfg.Router.MaxConnections,
		BindTimeout:       cfg.Router.BindTimeout.Duration,
		PingInterval:      cfg.Router.PingInterval.Duration,
		EstimatedRTT:      cfg.Router.EstimatedRTT.Duration,
		EMTU:              cfg.Router.EMTU,
		Identity:          identity,
		Limits:            cfg.Limits,
	}

	r := router.New(&router.UDPSocket{}, policy, log, nil)

	log.Info().Int("peers", len(cfg.Peers)).Msg("admission table loaded")

	if err := r.Start(cfg.Router.ListenAddr); err != nil {
		return fmt.Errorf("starting router: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	return r.Stop(context.Background(), 5*time.Second)
}

// identityFromRouterConfig decodes a RouterConfig's base64 keys into the
// conn.Identity every Connection the Router owns shares.
func identityFromRouterConfig(cfg *config.RouterConfig) (conn.Identity, error) {
	privBytes, err := crypto.DecodeKey(cfg.Router.PrivateKey)
	if err != nil {
		return conn.Identity{}, fmt.Errorf("decoding router private key: %w", err)
	}
	var encKey crypto.EncryptionKeyPair
	copy(encKey.PrivateKey[:], privBytes)
	pubBytes, err := crypto.DecodeKey(cfg.Router.PublicKey)
	if err != nil {
		return conn.Identity{}, fmt.Errorf("decoding router public key: %w", err)
	}
	copy(encKey.PublicKey[:], pubBytes)

	var signKey *crypto.SigningKeyPair
	if cfg.Router.SigningPrivateKey != "" {
		signPriv, err := crypto.DecodeKey(cfg.Router.SigningPrivateKey)
		if err != nil {
			return conn.Identity{}, fmt.Errorf("decoding router signing private key: %w", err)
		}
		signPub, err := crypto.DecodeKey(cfg.Router.SigningPublicKey)
		if err != nil {
			return conn.Identity{}, fmt.Errorf("decoding router signing public key: %w", err)
		}
		signKey = &crypto.SigningKeyPair{PrivateKey: signPriv, PublicKey: signPub}
	}

	return conn.Identity{EncKey: encKey, SignKey: signKey}, nil
}
