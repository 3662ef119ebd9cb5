package router

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/merlos/trip/internal/config"
	"github.com/merlos/trip/internal/conn"
	"github.com/merlos/trip/internal/crypto"
	"github.com/merlos/trip/internal/metrics"
	"github.com/merlos/trip/pkg/wire"
)

// fakeSocket is an in-memory Socket: WriteTo on one side enqueues a
// Datagram for the peer fakeSocket's ReadFrom, so two Routers can be
// wired together without touching a real kernel socket.
type fakeSocket struct {
	mu     sync.Mutex
	addr   *net.UDPAddr
	peer   *fakeSocket
	inbox  chan Datagram
	closed chan struct{}
}

func newFakeSocket(addr string) *fakeSocket {
	return &fakeSocket{
		addr:   mustAddr(addr),
		inbox:  make(chan Datagram, 64),
		closed: make(chan struct{}),
	}
}

func mustAddr(s string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		panic(err)
	}
	return a
}

func (s *fakeSocket) Bind(addr string) error { return nil }

func (s *fakeSocket) ReadFrom(buf []byte) (Datagram, error) {
	select {
	case dg := <-s.inbox:
		return dg, nil
	case <-s.closed:
		return Datagram{}, net.ErrClosed
	}
}

func (s *fakeSocket) WriteTo(payload []byte, dst *net.UDPAddr) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case peer.inbox <- Datagram{Payload: cp, Src: s.addr}:
	default:
	}
	return nil
}

func (s *fakeSocket) LocalMTU(dst *net.UDPAddr) (int, bool) { return 0, false }

func (s *fakeSocket) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

var _ Socket = (*fakeSocket)(nil)

func testIdentity(t *testing.T) conn.Identity {
	t.Helper()
	enc, err := crypto.GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatalf("generating encryption keypair: %v", err)
	}
	sign, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generating signing keypair: %v", err)
	}
	return conn.Identity{EncKey: *enc, SignKey: sign}
}

func testPolicy(identity conn.Identity) Policy {
	return Policy{
		AllowOutgoing:     true,
		AllowIncoming:     true,
		AllowUnsafePacket: false,
		MaxConnections:    16,
		BindTimeout:       time.Second,
		PingInterval:      20 * time.Second,
		EstimatedRTT:      10 * time.Millisecond,
		EMTU:              512,
		Identity:          identity,
		Limits:            config.DefaultLimits(),
	}
}

func newTestRouter(t *testing.T, sock Socket) *Router {
	t.Helper()
	r := New(sock, testPolicy(testIdentity(t)), zerolog.Nop(), metrics.NewRouter())
	if err := r.Start(sock.(*fakeSocket).addr.String()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		r.Stop(nopCtx{}, 100*time.Millisecond)
	})
	return r
}

// nopCtx is a context.Context that never cancels, used in tests so Stop's
// grace period (not ctx) is what bounds the wait.
type nopCtx struct{}

func (nopCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (nopCtx) Done() <-chan struct{}       { return nil }
func (nopCtx) Err() error                  { return nil }
func (nopCtx) Value(key any) any           { return nil }

func TestRouter_HandshakeReachesReadyOnBothSides(t *testing.T) {
	sockA := newFakeSocket("127.0.0.1:10001")
	sockB := newFakeSocket("127.0.0.1:10002")
	sockA.peer = sockB
	sockB.peer = sockA

	rA := newTestRouter(t, sockA)
	rB := newTestRouter(t, sockB)

	readyA := make(chan error, 1)
	peerPub := rB.PublicKey()
	if err := rA.Connect(sockB.addr, &peerPub, func(c *conn.Connection, err error) { readyA <- err }); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-readyA:
		if err != nil {
			t.Fatalf("initiator handshake failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initiator to reach ready")
	}

	deadline := time.After(2 * time.Second)
	for {
		done := make(chan int, 1)
		rB.events <- func() { done <- len(rB.byID) }
		select {
		case n := <-done:
			if n == 1 {
				return
			}
		case <-deadline:
			t.Fatal("responder never admitted a connection")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRouter_AdmitOpen_RejectsAtMaxConnections(t *testing.T) {
	sockA := newFakeSocket("127.0.0.1:10003")
	sockB := newFakeSocket("127.0.0.1:10004")
	sockA.peer = sockB
	sockB.peer = sockA

	rA := newTestRouter(t, sockA)

	fullPolicy := testPolicy(testIdentity(t))
	fullPolicy.MaxConnections = 0 // every OPEN should be rejected as busy
	rB := New(sockB, fullPolicy, zerolog.Nop(), metrics.NewRouter())
	if err := rB.Start(sockB.addr.String()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { rB.Stop(nopCtx{}, 100*time.Millisecond) })

	readyA := make(chan error, 1)
	peerPub := rB.PublicKey()
	if err := rA.Connect(sockB.addr, &peerPub, func(c *conn.Connection, err error) { readyA <- err }); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-readyA:
		if err == nil {
			t.Fatal("expected handshake to fail against a full router")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake to give up")
	}
}

func TestRouter_Admit_DropsShortDatagram(t *testing.T) {
	sock := newFakeSocket("127.0.0.1:10005")
	r := newTestRouter(t, sock)

	done := make(chan struct{})
	r.events <- func() {
		r.admit([]byte{1, 2, 3}, mustAddr("127.0.0.1:10006"))
		close(done)
	}
	<-done

	done2 := make(chan int, 1)
	r.events <- func() { done2 <- r.delinquency["127.0.0.1:10006"] }
	if n := <-done2; n != 1 {
		t.Fatalf("delinquency count = %d, want 1", n)
	}
}

func TestRouter_Admit_RejectsOpenWithNonZeroID(t *testing.T) {
	sock := newFakeSocket("127.0.0.1:10007")
	r := newTestRouter(t, sock)

	raw := wire.PutPrefixBytes(wire.Prefix{Control: wire.Open, ID: 99, Sequence: 1})

	done := make(chan int, 1)
	r.events <- func() {
		r.admit(raw, mustAddr("127.0.0.1:10008"))
		done <- len(r.byID)
	}
	if n := <-done; n != 0 {
		t.Fatalf("byID size = %d, want 0 (malformed OPEN should not admit a connection)", n)
	}
}

// TestRouter_UnsafeOpen_ConnectsWithNoPresharedKey exercises
// allow_unsafe_open: a client with no known Router public key still
// reaches READY against a Router whose policy permits an unsealed OPEN.
func TestRouter_UnsafeOpen_ConnectsWithNoPresharedKey(t *testing.T) {
	sockA := newFakeSocket("127.0.0.1:10010")
	sockB := newFakeSocket("127.0.0.1:10011")
	sockA.peer = sockB
	sockB.peer = sockA

	policyA := testPolicy(testIdentity(t))
	policyA.AllowUnsafeOpen = true
	rA := New(sockA, policyA, zerolog.Nop(), metrics.NewRouter())
	if err := rA.Start(sockA.addr.String()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { rA.Stop(nopCtx{}, 100*time.Millisecond) })

	policyB := testPolicy(testIdentity(t))
	policyB.AllowUnsafeOpen = true
	rB := New(sockB, policyB, zerolog.Nop(), metrics.NewRouter())
	if err := rB.Start(sockB.addr.String()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { rB.Stop(nopCtx{}, 100*time.Millisecond) })

	readyA := make(chan error, 1)
	if err := rA.Connect(sockB.addr, nil, func(c *conn.Connection, err error) { readyA <- err }); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-readyA:
		if err != nil {
			t.Fatalf("initiator handshake failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initiator to reach ready")
	}
}

// TestRouter_UnsafeOpen_RefusedWithoutPolicy confirms Connect refuses a
// nil peerPub outright when policy does not permit allow_unsafe_open,
// rather than sending an OPEN no compliant responder would accept.
func TestRouter_UnsafeOpen_RefusedWithoutPolicy(t *testing.T) {
	sock := newFakeSocket("127.0.0.1:10012")
	r := newTestRouter(t, sock)

	err := r.Connect(mustAddr("127.0.0.1:10013"), nil, func(c *conn.Connection, err error) {})
	if err == nil {
		t.Fatal("expected Connect to refuse a nil peerPub when AllowUnsafeOpen is false")
	}
}

// TestRouter_AllowIncoming_False_RejectsNewOpen confirms a Router with
// AllowIncoming false never admits a brand-new inbound OPEN.
func TestRouter_AllowIncoming_False_RejectsNewOpen(t *testing.T) {
	sock := newFakeSocket("127.0.0.1:10014")
	policy := testPolicy(testIdentity(t))
	policy.AllowIncoming = false
	r := New(sock, policy, zerolog.Nop(), metrics.NewRouter())
	if err := r.Start(sock.addr.String()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { r.Stop(nopCtx{}, 100*time.Millisecond) })

	raw := wire.PutPrefixBytes(wire.Prefix{Control: wire.Open, Encrypted: true, ID: 0, Sequence: 1})
	done := make(chan int, 1)
	r.events <- func() {
		r.admit(raw, mustAddr("127.0.0.1:10015"))
		done <- len(r.byID)
	}
	if n := <-done; n != 0 {
		t.Fatalf("byID size = %d, want 0 (AllowIncoming=false must reject a new OPEN)", n)
	}
}

func TestRouter_AllocateID_NeverReturnsZero(t *testing.T) {
	sock := newFakeSocket("127.0.0.1:10009")
	r := New(sock, testPolicy(testIdentity(t)), zerolog.Nop(), metrics.NewRouter())

	for i := 0; i < 100; i++ {
		id, err := r.allocateID()
		if err != nil {
			t.Fatalf("allocateID: %v", err)
		}
		if id == 0 {
			t.Fatal("allocateID returned 0")
		}
		r.byID[id] = nil
	}
}
