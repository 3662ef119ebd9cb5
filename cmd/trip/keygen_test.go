package main

// Integration-level tests for `trip keygen` exercised via runKeygen
// directly. These live in package main so they can reach the package's
// unexported flag variables.

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/merlos/trip/internal/config"
	"github.com/merlos/trip/internal/crypto"
)

func TestRunKeygen_CreatesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")

	orig := routerConfigPath
	routerConfigPath = path
	defer func() { routerConfigPath = orig }()

	if err := runKeygen(false, "0.0.0.0:42443", false, ""); err != nil {
		t.Fatalf("runKeygen error = %v", err)
	}

	cfg, err := config.LoadRouterConfig(path)
	if err != nil {
		t.Fatalf("LoadRouterConfig after keygen: %v", err)
	}
	if cfg.Router.ListenAddr != "0.0.0.0:42443" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:42443", cfg.Router.ListenAddr)
	}

	priv, err := crypto.DecodeKey(cfg.Router.PrivateKey)
	if err != nil || len(priv) != crypto.KeySize {
		t.Errorf("invalid private key: err=%v len=%d", err, len(priv))
	}
	pub, err := crypto.DecodeKey(cfg.Router.PublicKey)
	if err != nil || len(pub) != crypto.KeySize {
		t.Errorf("invalid public key: err=%v len=%d", err, len(pub))
	}
	signPub, err := crypto.DecodeKey(cfg.Router.SigningPublicKey)
	if err != nil || len(signPub) == 0 {
		t.Errorf("invalid signing public key: err=%v len=%d", err, len(signPub))
	}
}

func TestRunKeygen_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")

	orig := routerConfigPath
	routerConfigPath = path
	defer func() { routerConfigPath = orig }()

	if err := runKeygen(false, "0.0.0.0:42443", false, ""); err != nil {
		t.Fatalf("first runKeygen error = %v", err)
	}
	if err := runKeygen(false, "0.0.0.0:42443", false, ""); err == nil {
		t.Error("second runKeygen without --force should return an error")
	}
}

func TestRunKeygen_ForceOverwriteGeneratesNewKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")

	orig := routerConfigPath
	routerConfigPath = path
	defer func() { routerConfigPath = orig }()

	if err := runKeygen(false, "0.0.0.0:42443", false, ""); err != nil {
		t.Fatal(err)
	}
	first, _ := config.LoadRouterConfig(path)

	if err := runKeygen(true, "0.0.0.0:42444", false, ""); err != nil {
		t.Fatalf("forced runKeygen error = %v", err)
	}
	second, _ := config.LoadRouterConfig(path)

	if second.Router.ListenAddr != "0.0.0.0:42444" {
		t.Errorf("ListenAddr after force = %q, want 0.0.0.0:42444", second.Router.ListenAddr)
	}
	if second.Router.PrivateKey == first.Router.PrivateKey {
		t.Error("forced keygen should generate a fresh private key")
	}
}

func TestRunKeygen_ConfigFilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")

	orig := routerConfigPath
	routerConfigPath = path
	defer func() { routerConfigPath = orig }()

	if err := runKeygen(false, "0.0.0.0:42443", false, ""); err != nil {
		t.Fatal(err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("config permissions = %o, want 0600 (contains private key)", info.Mode().Perm())
		}
	}
}

func TestSplitHostPort(t *testing.T) {
	cases := []struct {
		addr     string
		wantHost string
		wantPort uint16
	}{
		{"0.0.0.0:42443", "0.0.0.0", 42443},
		{"example.com:9999", "example.com", 9999},
		{"not-an-address", "0.0.0.0", 42443},
	}
	for _, c := range cases {
		host, port := splitHostPort(c.addr)
		if host != c.wantHost || port != c.wantPort {
			t.Errorf("splitHostPort(%q) = (%q, %d), want (%q, %d)", c.addr, host, port, c.wantHost, c.wantPort)
		}
	}
}
