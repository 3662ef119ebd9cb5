// Package config handles reading and writing TRiP configuration files in
// YAML format, with an environment variable overlay for container
// deployments.
//
// Router config is stored at /etc/trip/router.yaml (default).
// Peer config is stored at ~/.trip/peer.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-envparse"
	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML marshalling
// in human-readable form (e.g. "30s", "1m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Limits holds the per-connection negotiated resource limits advertised in
// OPEN/CHALLENGE.
type Limits struct {
	MaxCurrency       uint32 `yaml:"max_currency"`
	CurrencyRegenRate uint32 `yaml:"currency_regen_rate"`
	MaxStreams        uint32 `yaml:"max_streams"`
	MaxMessageSize    uint32 `yaml:"max_message_size"`
}

// DefaultLimits returns the suggested default negotiated limits.
func DefaultLimits() Limits {
	return Limits{
		MaxCurrency:       64,
		CurrencyRegenRate: 4,
		MaxStreams:        256,
		MaxMessageSize:    1 << 20,
	}
}

// RouterConfig is the top-level structure for /etc/trip/router.yaml: one
// Router binding one UDP socket, optionally accepting inbound connections.
type RouterConfig struct {
	Router struct {
		// ListenAddr is the UDP address to bind, e.g. "0.0.0.0:42443".
		ListenAddr string `yaml:"listen_addr"`

		// Mode selects the port's encryption posture: "encrypted" (default,
		// port 42443), "open-handshake" (OPEN sent in clear, port 42442),
		// or "plaintext" (port 42080, test-only).
		Mode string `yaml:"mode"`

		// AllowOutgoing enables mk_connection; a router with it false only
		// accepts inbound OPENs.
		AllowOutgoing bool `yaml:"allow_outgoing"`

		// AllowIncoming admits brand-new inbound OPENs at all; false
		// makes a Router outgoing-only.
		AllowIncoming bool `yaml:"allow_incoming"`

		// MaxConnections bounds the Router's connection table.
		MaxConnections int `yaml:"max_connections"`

		// BindTimeout bounds how long start() waits for the socket to bind.
		BindTimeout Duration `yaml:"bind_timeout"`

		// PingInterval is passed to router.Policy.PingInterval as loaded; it
		// is not clamped. Connections do not read it: their READY
		// keepalive timers run at a fixed 20s.
		PingInterval Duration `yaml:"ping_interval"`

		// EstimatedRTT seeds the retry engine's initial timeout.
		EstimatedRTT Duration `yaml:"estimated_rtt"`

		// EMTU is the effective MTU assumed absent path discovery.
		EMTU int `yaml:"emtu"`

		// PrivateKey is the base64-encoded Curve25519 private key.
		PrivateKey string `yaml:"private_key"`

		// PublicKey is the base64-encoded Curve25519 public key (derived
		// from PrivateKey). Stored for convenience when provisioning peers.
		PublicKey string `yaml:"public_key"`

		// SigningPrivateKey/SigningPublicKey are the Ed25519 keypair used
		// to sign CHALLENGE frames.
		SigningPrivateKey string `yaml:"signing_private_key"`
		SigningPublicKey  string `yaml:"signing_public_key"`
	} `yaml:"router"`

	Limits Limits `yaml:"limits"`

	// Peers maps a peer name (e.g. "laptop") to its registration.
	Peers map[string]*PeerEntry `yaml:"peers"`
}

// PeerEntry represents a registered remote peer. The table is loaded and
// stored only: `trip serve` logs how many entries it holds, and no
// admission screen, signature check or expiry check reads it.
type PeerEntry struct {
	// Ed25519PubKey is the base64-encoded Ed25519 verification key
	// recorded for this peer.
	Ed25519PubKey string `yaml:"ed25519_pubkey"`

	// Expires is an optional RFC3339 expiry date recorded for the peer
	// key. Omit or leave zero for no expiry.
	Expires *time.Time `yaml:"expires,omitempty"`
}

// AllowsUnsafeOpen reports whether Mode permits an unsealed OPEN body
// (allow_unsafe_open): both "open-handshake" (port 42442) and
// "plaintext" (port 42080, test-only) do, since a fully unencrypted
// router has nothing stricter to offer a client with no preshared key.
func (c *RouterConfig) AllowsUnsafeOpen() bool {
	return c.Router.Mode == "open-handshake" || c.Router.Mode == "plaintext"
}

// AllowsUnsafePacket reports whether Mode sends every packet, not just
// OPEN, unencrypted ("plaintext", port 42080, test-only).
func (c *RouterConfig) AllowsUnsafePacket() bool {
	return c.Router.Mode == "plaintext"
}

// DefaultRouterConfig returns a RouterConfig with the recommended
// defaults.
func DefaultRouterConfig() *RouterConfig {
	cfg := &RouterConfig{}
	cfg.Router.ListenAddr = "0.0.0.0:42443"
	cfg.Router.Mode = "encrypted"
	cfg.Router.AllowOutgoing = true
	cfg.Router.AllowIncoming = true
	cfg.Router.MaxConnections = 1024
	cfg.Router.BindTimeout = Duration{1 * time.Second}
	cfg.Router.PingInterval = Duration{20 * time.Second}
	cfg.Router.EstimatedRTT = Duration{500 * time.Millisecond}
	cfg.Router.EMTU = 516
	cfg.Limits = DefaultLimits()
	cfg.Peers = make(map[string]*PeerEntry)
	return cfg
}

// PeerProfile is a single named outbound-connection profile in the peer
// config, e.g. "home-server".
type PeerProfile struct {
	// RouterHost is the hostname or IP of the remote Router.
	RouterHost string `yaml:"router_host"`

	// RouterPort is the UDP port to connect to.
	RouterPort uint16 `yaml:"router_port"`

	// RouterPubKey is the base64-encoded Curve25519 public key of the
	// remote Router, used to seal the OPEN packet.
	RouterPubKey string `yaml:"router_pubkey"`

	// RouterSigningPubKey is the base64-encoded Ed25519 verification key
	// used to check the remote Router's CHALLENGE signature. Leave empty
	// to accept any signature, e.g. before a first QR exchange.
	RouterSigningPubKey string `yaml:"router_signing_pubkey"`

	// PrivateKey/PublicKey are this peer's own Curve25519 keypair.
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`

	// SigningPrivateKey/SigningPublicKey are this peer's Ed25519 keypair,
	// used to sign the OPEN this peer sends.
	SigningPrivateKey string `yaml:"signing_private_key"`
	SigningPublicKey  string `yaml:"signing_public_key"`
}

// PeerConfig is the top-level structure for ~/.trip/peer.yaml.
type PeerConfig struct {
	// Profiles maps profile names to their configuration. The profile
	// named "default" is used when no profile is specified.
	Profiles map[string]*PeerProfile `yaml:"profiles"`
}

// DefaultPeerConfigPath returns the default path to the peer config file.
func DefaultPeerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trip/peer.yaml"
	}
	return filepath.Join(home, ".trip", "peer.yaml")
}

// LoadRouterConfig reads and parses a router config file from path, then
// overlays any TRIP_ROUTER_* variables found in the file named by
// TRIP_ENV_FILE (if set) or in the process environment.
func LoadRouterConfig(path string) (*RouterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading router config %s: %w", path, err)
	}
	cfg := DefaultRouterConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing router config: %w", err)
	}
	if err := applyEnvOverlay(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overlay: %w", err)
	}
	return cfg, nil
}

// SaveRouterConfig writes the router config to path, creating directories
// as needed. The file is written with 0600 permissions since it contains
// private keys.
func SaveRouterConfig(path string, cfg *RouterConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling router config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadPeerConfig reads and parses a peer config file from path.
func LoadPeerConfig(path string) (*PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading peer config %s: %w", path, err)
	}
	cfg := &PeerConfig{Profiles: make(map[string]*PeerProfile)}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing peer config: %w", err)
	}
	return cfg, nil
}

// SavePeerConfig writes the peer config to path, creating directories as
// needed.
func SavePeerConfig(path string, cfg *PeerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling peer config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// GetProfile returns the named profile, falling back to "default" if name
// is empty. Returns an error if the profile does not exist.
func GetProfile(cfg *PeerConfig, name string) (*PeerProfile, error) {
	if name == "" {
		name = "default"
	}
	p, ok := cfg.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found in config", name)
	}
	return p, nil
}

// applyEnvOverlay applies TRIP_ROUTER_* entries over the fields
// LoadRouterConfig has already populated from YAML. When TRIP_ENV_FILE is
// set, that file is parsed with go-envparse's dotenv-style format and its
// entries take precedence over the process environment,
// so a containerized deployment can override secrets without touching the
// mounted config file.
func applyEnvOverlay(cfg *RouterConfig) error {
	envFile := os.Getenv("TRIP_ENV_FILE")
	vars := map[string]string{}
	if envFile != "" {
		f, err := os.Open(envFile)
		if err != nil {
			return fmt.Errorf("opening env file %s: %w", envFile, err)
		}
		defer f.Close()
		vars, err = envparse.Parse(f)
		if err != nil {
			return fmt.Errorf("parsing env file %s: %w", envFile, err)
		}
	}
	get := func(key string) (string, bool) {
		if v, ok := vars[key]; ok {
			return v, true
		}
		return os.LookupEnv(key)
	}

	if v, ok := get("TRIP_ROUTER_LISTEN_ADDR"); ok {
		cfg.Router.ListenAddr = v
	}
	if v, ok := get("TRIP_ROUTER_PRIVATE_KEY"); ok {
		cfg.Router.PrivateKey = v
	}
	if v, ok := get("TRIP_ROUTER_SIGNING_PRIVATE_KEY"); ok {
		cfg.Router.SigningPrivateKey = v
	}
	if v, ok := get("TRIP_ROUTER_MAX_CONNECTIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRIP_ROUTER_MAX_CONNECTIONS: %w", err)
		}
		cfg.Router.MaxConnections = n
	}
	return nil
}
