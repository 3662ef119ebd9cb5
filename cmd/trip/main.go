// Command trip is The River Protocol's router and peer CLI: it generates
// keypairs, runs a Router that accepts inbound Connections, opens a single
// outbound Connection to a remote Router, and one-shot pings a remote
// Router to measure handshake round-trip time.
//
// Usage:
//
//	trip keygen                      # generate a router keypair (+ optional QR)
//	trip serve --config FILE         # run a Router accepting inbound connections
//	trip connect [profile]           # open one outbound connection and echo-test a stream
//	trip ping [profile]              # one-shot: connect, wait for READY, print RTT, disconnect
//
// connect and ping read the named profile (default "default") from the
// peer config given by --peer-config.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/merlos/trip/internal/config"
	"github.com/merlos/trip/internal/logging"
)

const defaultRouterConfigPath = "/etc/trip/router.yaml"

var (
	routerConfigPath string
	peerConfigPath   string
	logLevel         string
)

func main() {
	root := &cobra.Command{
		Use:   "trip",
		Short: "The River Protocol router and peer CLI",
		Long: `trip runs The River Protocol: a connection-oriented, encrypted message
stream transport over UDP, secured with Curve25519 ECDH, authenticated
crypto_box framing, and Ed25519 handshake signatures.`,
	}

	root.PersistentFlags().StringVar(&routerConfigPath, "config", defaultRouterConfigPath, "router config file path")
	root.PersistentFlags().StringVar(&peerConfigPath, "peer-config", config.DefaultPeerConfigPath(), "peer config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newKeygenCmd(),
		newServeCmd(),
		newConnectCmd(),
		newPingCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds a zerolog.Logger at the configured level, pretty-printed
// to the console unless stdout isn't a terminal.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log, err := logging.New(logging.Options{Level: level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "trip: building logger: %v\n", err)
		os.Exit(1)
	}
	return log
}
