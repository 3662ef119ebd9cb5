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
	"github.com/merlos/trip/internal/router"
)

func newPingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping [profile]",
		Short: "One-shot: connect, wait for READY, print handshake RTT, disconnect",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profileName := ""
			if len(args) > 0 {
				profileName = args[0]
			}
			return runPing(profileName)
		},
	}
	return cmd
}

func runPing(profileName string) error {
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
		AllowOutgoing:  true,
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

	start := time.Now()
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
		rtt := time.Since(start)
		fmt.Printf("READY in %s (peer id %d)\n", rtt, res.c.PeerID)
		res.c.Close()
		time.Sleep(100 * time.Millisecond) // let NOTIFY/NOTIFY_CONFIRM land before Stop tears down the socket
		return nil
	case <-time.After(60 * time.Second):
		return fmt.Errorf("handshake timed out")
	}
}
