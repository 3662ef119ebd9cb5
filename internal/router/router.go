package router

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/merlos/trip/internal/config"
	"github.com/merlos/trip/internal/conn"
	"github.com/merlos/trip/internal/crypto"
	"github.com/merlos/trip/internal/logging"
	"github.com/merlos/trip/internal/metrics"
	"github.com/merlos/trip/pkg/wire"
)

// State is one of the Router's lifecycle states.
type State int

const (
	Create State = iota
	Bind
	Listen
	StopNotify
	Close
	End
	CloseError
	ErrorState
)

func (s State) String() string {
	switch s {
	case Create:
		return "CREATE"
	case Bind:
		return "BIND"
	case Listen:
		return "LISTEN"
	case StopNotify:
		return "STOP_NOTIFY"
	case Close:
		return "CLOSE"
	case End:
		return "END"
	case CloseError:
		return "CLOSE_ERROR"
	case ErrorState:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// maxIDAllocAttempts bounds how many times mk_connection/admission rerolls
// a colliding random connection ID before giving up.
const maxIDAllocAttempts = 30

// maxStrikes is the strike count above which a source address is dropped
// outright by the delinquency check, before any further inspection.
const maxStrikes = 1

// ScreenFunc inspects an inbound OPEN's routing blob and source address
// and decides whether to admit it. The default (nil) accepts everything.
type ScreenFunc func(routing []byte, src *net.UDPAddr) bool

// ErrorKind classifies a Router-level error surfaced through OnError:
// an admission strike, a bind timeout, or a socket read failure.
type ErrorKind string

const (
	ErrorKindMalformedPacket   ErrorKind = "malformed_packet"
	ErrorKindProtocolViolation ErrorKind = "protocol_violation"
	ErrorKindStateViolation    ErrorKind = "state_violation"
	ErrorKindAuthFailure       ErrorKind = "auth_failure"
	ErrorKindRouterBusy        ErrorKind = "router_busy"
	ErrorKindBindTimeout       ErrorKind = "bind_timeout"
	ErrorKindSocketRead        ErrorKind = "socket_read"
)

// ErrorFunc is invoked for every Router-level error. It runs on the
// event-loop goroutine for admission strikes, and on whichever
// goroutine detects a bind timeout or socket read failure.
type ErrorFunc func(kind ErrorKind, err error)

// Policy is the admission/outbound posture of one Router (config
// §RouterConfig, minus anything socket/logging-specific).
type Policy struct {
	AllowOutgoing bool
	// AllowIncoming admits a brand-new inbound OPEN at all. A duplicate
	// OPEN from an address that already owns a half-open Connection is
	// always folded into it regardless of this flag.
	AllowIncoming bool
	// AllowUnsafeOpen admits an OPEN whose body was sent in the clear
	// instead of sealed to this Router's public key, the "open-handshake"
	// RouterConfig.Mode: a client with no preshared recipient key can
	// still complete a handshake, at the cost of the OPEN itself being
	// readable in transit. CHALLENGE onward is unaffected — by the time
	// it is sent, the responder already knows the initiator's real key
	// from the OPEN body.
	AllowUnsafeOpen bool
	// AllowUnsafePacket accepts an unencrypted non-OPEN packet, the
	// "plaintext" RouterConfig.Mode used for local testing.
	AllowUnsafePacket bool
	MaxConnections    int
	BindTimeout       time.Duration
	PingInterval      time.Duration
	EstimatedRTT      time.Duration
	EMTU              int
	Identity          conn.Identity
	Limits            config.Limits
}

// Router is the per-socket demultiplexer, admission gate, and firewall
// described by TRiP: it owns one UDP socket, the ID and source-address
// connection tables, the delinquency table, and the single goroutine every
// owned Connection is driven from.
type Router struct {
	socket  Socket
	policy  Policy
	screen  ScreenFunc
	onError ErrorFunc

	log     zerolog.Logger
	metrics *metrics.Router

	state State

	byID   map[uint32]*conn.Connection
	byAddr map[string]*conn.Connection

	delinquency map[string]int

	events chan func()

	wg       sync.WaitGroup
	stopOnce sync.Once
	closed   chan struct{}
}

// New constructs a Router bound to socket, in state CREATE. Call Start to
// bind and begin serving.
func New(socket Socket, policy Policy, log zerolog.Logger, m *metrics.Router) *Router {
	if m == nil {
		m = metrics.NewRouter()
	}
	return &Router{
		socket:          socket,
		policy:          policy,
		log:             logging.Component(log, "router"),
		metrics:         m,
		state:           Create,
		byID:            make(map[uint32]*conn.Connection),
		byAddr:          make(map[string]*conn.Connection),
		delinquency:     make(map[string]int),
		events:          make(chan func(), 256),
		closed:          make(chan struct{}),
	}
}

// Screen installs the per-incoming-OPEN admission callback.
func (r *Router) Screen(fn ScreenFunc) { r.screen = fn }

// OnError installs the callback invoked for every Router-level error:
// admission strikes (malformed/auth/protocol/state violations), a bind
// timeout, and socket read failures. Analogous to conn.Transport's
// ReportEvent, but for errors the Router itself originates rather than
// a specific Connection.
func (r *Router) OnError(fn ErrorFunc) { r.onError = fn }

// PublicKey returns this Router's own Curve25519 public key, the value a
// remote peer must pass to its own Connect call to seal an OPEN this
// Router can actually open.
func (r *Router) PublicKey() [32]byte { return r.policy.Identity.EncKey.PublicKey }

// Start binds the socket and launches the read loop and the single
// event-loop goroutine. It blocks until the bind completes or
// policy.BindTimeout elapses.
func (r *Router) Start(addr string) error {
	r.state = Bind
	bound := make(chan error, 1)
	go func() { bound <- r.socket.Bind(addr) }()

	timeout := r.policy.BindTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case err := <-bound:
		if err != nil {
			r.state = ErrorState
			return fmt.Errorf("router: bind %s: %w", addr, err)
		}
	case <-time.After(timeout):
		r.state = ErrorState
		err := fmt.Errorf("router: bind %s: timed out after %s", addr, timeout)
		if r.onError != nil {
			r.onError(ErrorKindBindTimeout, err)
		}
		return err
	}

	r.state = Listen
	r.log.Info().Str("addr", addr).Msg("listening")

	r.wg.Add(2)
	go r.readLoop()
	go r.eventLoop()
	return nil
}

// readLoop is the only goroutine that touches the socket for reads. Every
// datagram it receives is handed to the event loop as a posted callback,
// so admission/firewall/Connection state is only ever touched from one
// goroutine.
func (r *Router) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, 65535)
	for {
		dg, err := r.socket.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
				r.log.Warn().Err(err).Msg("socket read error")
				if r.onError != nil {
					r.onError(ErrorKindSocketRead, err)
				}
				return
			}
		}
		payload := dg.Payload
		src := dg.Src
		select {
		case r.events <- func() { r.admit(payload, src) }:
		case <-r.closed:
			return
		}
	}
}

// eventLoop is the Router's single serial queue: every Connection state
// transition, timer callback, and admission decision runs here.
func (r *Router) eventLoop() {
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.closed:
			r.drainEvents()
			return
		}
	}
}

// drainEvents runs any already-queued events once after Close, so
// in-flight NOTIFY/teardown callbacks still land, then returns.
func (r *Router) drainEvents() {
	for {
		select {
		case fn := <-r.events:
			fn()
		default:
			return
		}
	}
}

// Connect allocates a fresh ID, constructs an initiator Connection, and
// starts its OPEN retry loop. peerPub is the remote Router's known
// Curve25519 public key (from a peer profile or QR-bootstrapped
// config): the initiator's OPEN is sealed to it, so without the real
// key the remote Router can never open the OPEN it receives. A nil
// peerPub means no recipient key is known at all (allow_unsafe_open:
// "client connects with no preshared key") and requires
// policy.AllowUnsafeOpen, otherwise Connect refuses outright rather
// than send an OPEN no real responder configured safely would accept.
// onReady is invoked exactly once, with either the READY Connection or
// the error that ended the attempt.
func (r *Router) Connect(addr *net.UDPAddr, peerPub *[32]byte, onReady func(*conn.Connection, error)) error {
	if !r.policy.AllowOutgoing {
		return fmt.Errorf("router: outgoing connections disabled by policy")
	}
	if peerPub == nil && !r.policy.AllowUnsafeOpen {
		return fmt.Errorf("router: no known peer public key and policy forbids allow_unsafe_open")
	}
	done := make(chan error, 1)
	r.events <- func() {
		id, err := r.allocateID()
		if err != nil {
			done <- err
			onReady(nil, err)
			return
		}
		c := conn.New(id, r.policy.Identity, addr, r.policy.EstimatedRTT, r)
		if peerPub != nil {
			c.SetPeerPublicKeyHint(*peerPub)
		}
		r.byID[id] = c
		r.byAddr[addr.String()] = c
		r.metrics.ConnectionsTotal.Inc()
		r.metrics.ConnectionsActive.Inc()
		c.StartOpen(r.policy.Limits, peerPub == nil, onReady)
		done <- nil
	}
	return <-done
}

// allocateID picks a random non-zero 32-bit ID not already in byID,
// rerolling on collision up to maxIDAllocAttempts times.
func (r *Router) allocateID() (uint32, error) {
	var buf [4]byte
	for i := 0; i < maxIDAllocAttempts; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("router: generating connection id: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id == 0 {
			continue
		}
		if _, exists := r.byID[id]; !exists {
			return id, nil
		}
	}
	return 0, fmt.Errorf("router: failed to allocate a free connection id after %d attempts", maxIDAllocAttempts)
}

// admit runs the admission algorithm for one inbound datagram, on the
// event loop goroutine.
func (r *Router) admit(raw []byte, src *net.UDPAddr) {
	key := src.String()

	if r.delinquency[key] > maxStrikes {
		return // dropped silently; repeated violations earn no further look
	}

	if len(raw) < wire.PrefixSize {
		r.strike(key, ErrorKindMalformedPacket)
		return
	}
	prefix, err := wire.ParsePrefix(raw)
	if err != nil {
		r.strike(key, ErrorKindMalformedPacket)
		return
	}

	if prefix.Control == wire.Open {
		if prefix.ID != 0 {
			r.strike(key, ErrorKindProtocolViolation)
			return
		}
	} else if prefix.ID == 0 {
		r.strike(key, ErrorKindProtocolViolation)
		return
	}
	if !r.policy.AllowUnsafePacket && !prefix.Encrypted && prefix.Control != wire.Open {
		r.strike(key, ErrorKindProtocolViolation)
		return
	}
	if prefix.Control == wire.Open && !prefix.Encrypted && !r.policy.AllowUnsafeOpen {
		r.strike(key, ErrorKindProtocolViolation)
		return
	}

	r.metrics.RecordRecv(controlLabel(prefix.Control))

	if prefix.Control == wire.Open {
		r.admitOpen(raw, prefix, src, key)
		return
	}

	c, ok := r.byID[prefix.ID]
	if !ok {
		r.strike(key, ErrorKindStateViolation)
		r.replyUnknown(prefix, src, len(raw))
		return
	}
	r.dispatch(c, raw, prefix, src, key)
}

// admitOpen implements the OPEN-specific half of the admission algorithm:
// duplicate-OPEN folding into an existing half-open Connection, the
// screen callback, and max-connections/ID-allocation for a fresh one.
func (r *Router) admitOpen(raw []byte, prefix wire.Prefix, src *net.UDPAddr, key string) {
	if existing, ok := r.byAddr[key]; ok {
		r.dispatch(existing, raw, prefix, src, key)
		return
	}
	if !r.policy.AllowIncoming {
		r.strike(key, ErrorKindProtocolViolation)
		return
	}

	frame, err := wire.DecodeOpen(raw)
	if err != nil {
		r.strike(key, ErrorKindMalformedPacket)
		return
	}
	if r.screen != nil && !r.screen(frame.Routing, src) {
		r.strike(key, ErrorKindRouterBusy)
		return
	}
	if len(r.byID) >= r.policy.MaxConnections {
		r.sendReject(src, wire.RejectBusy, "router at max_connections")
		return
	}

	id, err := r.allocateID()
	if err != nil {
		r.log.Error().Err(err).Msg("id allocation failed")
		return
	}
	c := conn.New(id, r.policy.Identity, src, r.policy.EstimatedRTT, r)
	c.ArmResponder()
	r.byID[id] = c
	r.byAddr[key] = c
	r.metrics.ConnectionsTotal.Inc()
	r.metrics.ConnectionsActive.Inc()

	if err := c.HandleOpen(frame); err != nil {
		r.strike(key, ErrorKindAuthFailure)
		r.Removed(id)
		return
	}
}

// dispatch hands an inbound datagram to its Connection's firewall
// (replay-window check, authenticated decrypt) and then its handler. A
// duplicate OPEN reaches it from admitOpen and is passed to HandleOpen
// only while the Connection is a half-open responder.
func (r *Router) dispatch(c *conn.Connection, raw []byte, prefix wire.Prefix, src *net.UDPAddr, key string) {
	switch prefix.Control {
	case wire.Open:
		frame, err := wire.DecodeOpen(raw)
		if err != nil {
			r.strike(key, ErrorKindMalformedPacket)
			return
		}
		if c.Role != conn.Responder || c.State != conn.ChallengeState {
			r.strike(key, ErrorKindStateViolation)
			return
		}
		if err := c.HandleOpen(frame); err != nil {
			r.strike(key, ErrorKindProtocolViolation)
		}
	case wire.Challenge:
		frame, err := wire.DecodeChallenge(raw)
		if err != nil {
			r.strike(key, ErrorKindMalformedPacket)
			return
		}
		if err := c.HandleChallenge(frame); err != nil {
			r.strike(key, ErrorKindAuthFailure)
			r.metrics.RecordDrop("auth_failure")
			return
		}
	case wire.Ping:
		r.handlePing(c, raw, prefix, src, key)
	case wire.Notify:
		c.HandleNotify()
	case wire.NotifyConfirm:
		c.HandleNotifyConfirm()
	case wire.Kill:
		c.Kill() // finish() reports Removed itself
	case wire.Stream:
		r.handleStream(c, raw, prefix, key)
	default:
		r.strike(key, ErrorKindProtocolViolation)
	}
}

func (r *Router) handlePing(c *conn.Connection, raw []byte, prefix wire.Prefix, src *net.UDPAddr, key string) {
	_, ct, err := wire.DecodeControl(raw)
	if err != nil {
		r.strike(key, ErrorKindMalformedPacket)
		return
	}
	plain, ok := r.openControlBody(c, prefix, ct)
	if !ok {
		r.strike(key, ErrorKindAuthFailure)
		r.metrics.RecordDrop("auth_failure")
		return
	}
	body, err := wire.ParsePing(plain)
	if err != nil {
		r.strike(key, ErrorKindMalformedPacket)
		return
	}
	if err := c.HandlePing(prefix.Sequence, body, src); err != nil {
		r.strike(key, ErrorKindStateViolation)
	}
}

func (r *Router) handleStream(c *conn.Connection, raw []byte, prefix wire.Prefix, key string) {
	_, ct, err := wire.DecodeControl(raw)
	if err != nil {
		r.strike(key, ErrorKindMalformedPacket)
		return
	}
	plain, ok := r.openControlBody(c, prefix, ct)
	if !ok {
		r.strike(key, ErrorKindAuthFailure)
		r.metrics.RecordDrop("auth_failure")
		return
	}
	frame, err := wire.ParseStreamFrame(plain)
	if err != nil {
		r.strike(key, ErrorKindMalformedPacket)
		return
	}
	if err := c.HandleStream(frame, r.policy.EMTU); err != nil {
		r.strike(key, ErrorKindStateViolation)
	}
}

// openControlBody runs the shared firewall steps for any authenticated,
// non-handshake control type: replay-window check, crypto_box decrypt,
// then (only on success) flag the sequence and advance the window.
func (r *Router) openControlBody(c *conn.Connection, prefix wire.Prefix, ciphertext []byte) ([]byte, bool) {
	window := c.ReplayWindow()
	if err := window.Check(prefix.Sequence); err != nil {
		r.metrics.RecordDrop("replay")
		return nil, false
	}
	nonce := wire.DerivePacketNonce(c.PeerNonce(), prefix.ControlByte(), prefix.Sequence)
	plain, err := crypto.BoxOpen(nonce, c.PeerPublicKey(), c.SelfPrivateKey(), ciphertext)
	if err != nil {
		return nil, false
	}
	window.Accept(prefix.Sequence)
	return plain, true
}

func controlLabel(c wire.Control) string {
	switch c {
	case wire.Stream:
		return "stream"
	case wire.Open:
		return "open"
	case wire.Challenge:
		return "challenge"
	case wire.Response:
		return "response"
	case wire.Forward:
		return "forward"
	case wire.Ping:
		return "ping"
	case wire.Renew:
		return "renew"
	case wire.RenewConfirm:
		return "renew_confirm"
	case wire.Notify:
		return "notify"
	case wire.NotifyConfirm:
		return "notify_confirm"
	case wire.Kill:
		return "kill"
	case wire.KillConfirm:
		return "kill_confirm"
	case wire.Reject:
		return "reject"
	default:
		return "unknown"
	}
}

func (r *Router) strike(key string, kind ErrorKind) {
	r.delinquency[key]++
	r.metrics.RecordDrop(string(kind))
	r.metrics.StrikesTotal.Inc()
	if r.onError != nil {
		r.onError(kind, fmt.Errorf("router: admission strike from %s: %s", key, kind))
	}
}

// replyUnknown answers a datagram for an unrecognised ID with REJECT
// invalid, capped at the request's own size so the Router can never be
// used as an amplification relay.
func (r *Router) replyUnknown(prefix wire.Prefix, src *net.UDPAddr, requestLen int) {
	const message = "unknown connection id"
	if wire.PrefixSize+len(wire.MarshalReject(wire.RejectBody{Message: message})) > requestLen {
		return
	}
	r.sendReject(src, wire.RejectInvalid, message)
}

// sendReject answers an admission-time failure (no Connection, so no
// session key to encrypt under) with a REJECT whose body travels in the
// clear. A peer that only trusts authenticated REJECTs is free to ignore
// it; this is a courtesy reply, not a guaranteed one.
func (r *Router) sendReject(src *net.UDPAddr, code wire.RejectCode, message string) {
	body := wire.MarshalReject(wire.RejectBody{Timestamp: time.Now().UnixMilli(), Code: code, Message: message})
	buf := make([]byte, wire.PrefixSize+len(body))
	wire.PutPrefix(buf, wire.Prefix{Control: wire.Reject, Encrypted: false, ID: 0, Sequence: 0})
	copy(buf[wire.PrefixSize:], body)
	_ = r.socket.WriteTo(buf, src)
}

// --- conn.Transport ---

// Send implements conn.Transport.
func (r *Router) Send(payload []byte, addr *net.UDPAddr) error {
	if len(payload) >= wire.PrefixSize {
		prefix, err := wire.ParsePrefix(payload)
		if err == nil {
			r.metrics.RecordSent(controlLabel(prefix.Control))
		}
	}
	return r.socket.WriteTo(payload, addr)
}

// Post implements conn.Transport: it marshals fn back onto the event
// loop, the mechanism a time.AfterFunc-based retry/ping timer uses so it
// never touches Connection state from its own goroutine.
func (r *Router) Post(fn func()) {
	select {
	case r.events <- fn:
	case <-r.closed:
	}
}

// Removed implements conn.Transport: it drops a Connection from both
// tables once it reaches END.
func (r *Router) Removed(id uint32) {
	c, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byAddr, c.Addr().String())
	r.metrics.ConnectionsActive.Dec()
}

// ReportEvent implements conn.Transport: it logs the event and, for
// address changes, updates the source-address table.
func (r *Router) ReportEvent(id uint32, name string, data any) {
	r.log.Info().Uint32("conn_id", id).Str("event", name).Interface("data", data).Msg("connection event")
	if name == "address_changed" {
		if addr, ok := data.(*net.UDPAddr); ok {
			if c, ok := r.byID[id]; ok {
				for k, v := range r.byAddr {
					if v == c {
						delete(r.byAddr, k)
					}
				}
				r.byAddr[addr.String()] = c
			}
		}
	}
}

// Stop transitions LISTEN→STOP_NOTIFY, asking every Connection to
// disconnect gracefully, then CLOSE once grace elapses or all
// connections report closed.
func (r *Router) Stop(ctx context.Context, grace time.Duration) error {
	var err error
	r.stopOnce.Do(func() {
		r.state = StopNotify
		done := make(chan struct{})
		r.events <- func() {
			for _, c := range r.byID {
				c.Close()
			}
			close(done)
		}
		select {
		case <-done:
		case <-ctx.Done():
		}

		deadline := time.After(grace)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
	waitLoop:
		for {
			select {
			case <-deadline:
				break waitLoop
			case <-ctx.Done():
				break waitLoop
			case <-ticker.C:
				remaining := make(chan int, 1)
				r.events <- func() { remaining <- len(r.byID) }
				if <-remaining == 0 {
					break waitLoop
				}
			}
		}

		r.state = Close
		close(r.closed)
		err = r.socket.Close()
		r.wg.Wait()
		r.state = End
		r.log.Info().Msg("stopped")
	})
	return err
}
