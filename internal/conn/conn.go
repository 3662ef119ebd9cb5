// Package conn implements the Connection half of TRiP: the per-peer
// handshake state machine, cryptographic framing, sequence/replay
// window, retry/ping engine, and graceful teardown. A Connection is
// driven exclusively by its owning Router's single event-loop goroutine;
// it holds no internal locks.
package conn

import (
	"fmt"
	"net"
	"time"

	"github.com/merlos/trip/internal/config"
	"github.com/merlos/trip/internal/crypto"
	"github.com/merlos/trip/internal/replay"
	"github.com/merlos/trip/internal/retry"
	"github.com/merlos/trip/pkg/wire"
)

// State is one of a Connection's lifecycle states.
type State int

const (
	Start State = iota
	OpenState
	ChallengeState
	Ping
	Ready
	ReadyPing
	Notify
	Disconnect
	DisconnectError
	End
	Error
)

func (s State) String() string {
	switch s {
	case Start:
		return "START"
	case OpenState:
		return "OPEN"
	case ChallengeState:
		return "CHALLENGE"
	case Ping:
		return "PING"
	case Ready:
		return "READY"
	case ReadyPing:
		return "READY_PING"
	case Notify:
		return "NOTIFY"
	case Disconnect:
		return "DISCONNECT"
	case DisconnectError:
		return "DISCONNECT_ERROR"
	case End:
		return "END"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role distinguishes who sent the first OPEN.
type Role int

const (
	Initiator Role = iota
	Responder
)

// Transport is the subset of Router a Connection needs: sending a
// datagram, and scheduling a callback to run on the Router's own event
// loop (so retry timers and ping deadlines never touch Connection state
// from a foreign goroutine).
type Transport interface {
	Send(payload []byte, addr *net.UDPAddr) error
	Post(fn func())
	Removed(id uint32)
	ReportEvent(id uint32, name string, data any)
}

// Identity is this Router's own keying material, shared by every
// Connection it owns.
type Identity struct {
	EncKey     crypto.EncryptionKeyPair
	SignKey    *crypto.SigningKeyPair // nil if signing disabled
	VerifyPeer crypto.VerifyFunc      // nil to accept any peer signature
}

// Connection is one end of one peer relationship.
type Connection struct {
	SelfID uint32
	PeerID uint32
	Role   Role
	State  State

	identity Identity
	peerPub  [32]byte
	selfNonce [24]byte
	peerNonce [24]byte

	peerTimestamp int64
	peerVersion   uint16
	limits        wire.HandshakeLimits

	estimatedRTT time.Duration
	outSeq       uint32
	replayIn     replay.Window

	addr *net.UDPAddr

	pingRandom [24]byte
	pingSentAt time.Time

	streams      map[uint32]*Stream
	nextStreamID uint32

	// currency is the outstanding-reliable-packet budget shared by every
	// Stream on this Connection: decremented on a reliable send,
	// regenerated at currencyRegenRate per RTT tick and on acknowledgement.
	currency          uint32
	maxCurrency       uint32
	currencyRegenRate uint32
	currencyStarted   bool

	savedOpenBuf []byte // initiator's own OPEN bytes, for CHALLENGE signature binding

	// unsafeOpen is set by StartOpen when the initiator has no known
	// recipient key to seal against (allow_unsafe_open): the OPEN body
	// goes out as plaintext instead of a sealed box. Never set on the
	// responder side, which decides per-packet from the inbound frame's
	// own Prefix.Encrypted bit.
	unsafeOpen bool

	retryEngine *retry.Engine

	transport Transport

	// onReady is resolved once when the handshake completes, satisfying
	// Router.mk_connection's future<Connection|Error> contract.
	onReady func(*Connection, error)
	readyFired bool
}

// New constructs a Connection in state START, owned by transport.
func New(selfID uint32, identity Identity, addr *net.UDPAddr, rtt time.Duration, transport Transport) *Connection {
	selfNonce, _ := crypto.GenerateSessionNonce()
	return &Connection{
		SelfID:       selfID,
		State:        Start,
		identity:     identity,
		selfNonce:    selfNonce,
		estimatedRTT: rtt,
		addr:         addr,
		streams:      make(map[uint32]*Stream),
		transport:    transport,
	}
}

// SetPeerPublicKeyHint pins the remote Router's known Curve25519 public
// key before StartOpen. The initiator has no other way to learn it: the
// first OPEN is the message that establishes the shared secret, so it
// must already be sealed to the real recipient key, not discovered by
// the handshake it is part of. The responder side never calls this; its
// peerPub is set from the inbound OPEN's own body in HandleOpen.
func (c *Connection) SetPeerPublicKeyHint(pub [32]byte) {
	c.peerPub = pub
}

// StartOpen transitions START→OPEN as initiator: builds and enqueues an
// OPEN datagram and starts its retry loop (60s budget). unsafeOpen sends
// the OPEN body in the clear instead of sealed to a recipient key,
// allow_unsafe_open's "connect with no preshared key" path; the caller
// (Router.Connect) is responsible for only setting it when policy on
// both ends is expected to permit it.
func (c *Connection) StartOpen(limits config.Limits, unsafeOpen bool, onReady func(*Connection, error)) {
	c.Role = Initiator
	c.State = OpenState
	c.onReady = onReady
	c.unsafeOpen = unsafeOpen
	c.limits = wire.HandshakeLimits{
		MaxCurrency:       limits.MaxCurrency,
		CurrencyRegenRate: limits.CurrencyRegenRate,
		MaxStreams:        limits.MaxStreams,
		MaxMessageSize:    limits.MaxMessageSize,
	}

	c.retryEngine = retry.New(c.estimatedRTT, 60*time.Second,
		c.sendOpen,
		func() { c.fail(fmt.Errorf("conn %d: OPEN build/send failed", c.SelfID)) },
		func() { c.fail(fmt.Errorf("conn %d: OPEN retry budget exceeded", c.SelfID)) },
	)
	c.retryEngine.WithPost(c.transport.Post)
	c.retryEngine.Start()
}

// ArmResponder transitions START→CHALLENGE as responder: the Connection
// now waits for HandleOpen.
func (c *Connection) ArmResponder() {
	c.Role = Responder
	c.State = ChallengeState
}

func (c *Connection) sendOpen() bool {
	seq := c.nextSeq()
	encrypted := !c.unsafeOpen
	clearHeader, err := wire.OpenClearHeader(seq, 1, nil, encrypted)
	if err != nil {
		return false
	}
	hash := crypto.GenericHash(clearHeader)
	inner := wire.MarshalOpenInner(hash, wire.OpenInnerFields{
		IDForResponses: c.SelfID,
		Timestamp:      time.Now().UnixMilli(),
		SelfNonce:      c.selfNonce,
		SelfPublicKey:  c.identity.EncKey.PublicKey,
		Limits:         c.limits,
	})
	body := inner
	if encrypted {
		sealed, err := crypto.SealedBoxSeal(c.peerPub, inner)
		if err != nil {
			return false
		}
		body = sealed
	}
	sig := c.sign(append(append([]byte{}, clearHeader...), body...))
	buf, err := wire.EncodeOpen(0, seq, 1, nil, body, sig, encrypted)
	if err != nil {
		return false
	}
	c.savedOpenBuf = buf
	return c.transport.Send(buf, c.addr) == nil
}

func (c *Connection) sign(msg []byte) []byte {
	if c.identity.SignKey == nil {
		return make([]byte, wire.SignatureSize)
	}
	return crypto.Sign(c.identity.SignKey.PrivateKey, msg)
}

// HandleOpen processes an inbound OPEN as responder and answers it with a
// CHALLENGE. It does not change State: ArmResponder has already moved the
// Connection to CHALLENGE.
func (c *Connection) HandleOpen(frame wire.OpenFrame) error {
	inner, err := c.openInnerFrame(frame)
	if err != nil {
		return err
	}
	if c.PeerID != 0 && c.PeerID != inner.IDForResponses {
		return fmt.Errorf("conn %d: mismatched second OPEN from peer %d", c.SelfID, inner.IDForResponses)
	}
	if inner.Timestamp <= c.peerTimestamp {
		return fmt.Errorf("conn %d: OPEN timestamp %d did not exceed previous %d", c.SelfID, inner.Timestamp, c.peerTimestamp)
	}
	c.PeerID = inner.IDForResponses
	c.peerPub = inner.SelfPublicKey
	c.peerNonce = inner.SelfNonce
	c.peerTimestamp = inner.Timestamp
	c.limits = inner.Limits
	c.savedOpenBuf = rawCopy(frame.SignedRegion, frame.Signature)

	if !c.sendChallenge() {
		return fmt.Errorf("conn %d: failed to build/send CHALLENGE", c.SelfID)
	}
	return nil
}

// openInnerFrame extracts an OPEN's inner fields, honoring the frame's
// own Prefix.Encrypted bit: sealed unless the sender and this Router's
// policy both allow an unsealed (allow_unsafe_open) body. The Router is
// responsible for rejecting an unsealed frame before it reaches here
// when policy forbids it.
func (c *Connection) openInnerFrame(frame wire.OpenFrame) (wire.OpenInnerFields, error) {
	if !frame.Prefix.Encrypted {
		hash, inner, err := wire.ParseOpenInner(frame.SealedBody)
		if err != nil {
			return wire.OpenInnerFields{}, err
		}
		if hash != crypto.GenericHash(frame.ClearHeader) {
			return wire.OpenInnerFields{}, wire.ErrHashMismatch
		}
		return inner, nil
	}
	return c.openInner(frame.SealedBody, frame.ClearHeader)
}

func (c *Connection) openInner(sealedBody, clearHeader []byte) (wire.OpenInnerFields, error) {
	plain, err := crypto.SealedBoxOpen(c.identity.EncKey.PublicKey, c.identity.EncKey.PrivateKey, sealedBody)
	if err != nil {
		return wire.OpenInnerFields{}, crypto.ErrAuthFailed
	}
	hash, inner, err := wire.ParseOpenInner(plain)
	if err != nil {
		return wire.OpenInnerFields{}, err
	}
	if hash != crypto.GenericHash(clearHeader) {
		return wire.OpenInnerFields{}, wire.ErrHashMismatch
	}
	return inner, nil
}

func (c *Connection) sendChallenge() bool {
	seq := c.nextSeq()
	clearHeader := wire.PutPrefixBytes(wire.Prefix{Control: wire.Challenge, ID: c.PeerID, Sequence: seq})
	hash := crypto.GenericHash(clearHeader)
	inner := wire.MarshalOpenInner(hash, wire.OpenInnerFields{
		IDForResponses: c.SelfID,
		Timestamp:      time.Now().UnixMilli(),
		SelfNonce:      c.selfNonce,
		SelfPublicKey:  c.identity.EncKey.PublicKey,
		Limits:         c.limits,
	})
	sealed, err := crypto.SealedBoxSeal(c.peerPub, inner)
	if err != nil {
		return false
	}
	unsigned := append(append([]byte{}, clearHeader...), sealed...)
	sig := c.sign(append(append([]byte{}, c.savedOpenBuf...), unsigned...))

	buf, err := wire.EncodeChallenge(c.PeerID, seq, sealed, sig)
	if err != nil {
		return false
	}
	return c.transport.Send(buf, c.addr) == nil
}

// HandleChallenge processes an inbound CHALLENGE as initiator: verifies
// the signature over (saved OPEN || unsigned region), then transitions
// OPEN→PING.
func (c *Connection) HandleChallenge(frame wire.ChallengeFrame) error {
	signed := append(append([]byte{}, c.savedOpenBuf...), frame.UnsignedRegion...)
	if c.identity.VerifyPeer != nil && !c.identity.VerifyPeer(signed, frame.Signature) {
		return crypto.ErrAuthFailed
	}
	inner, err := c.openInner(frame.SealedBody, frame.ClearHeader)
	if err != nil {
		return err
	}
	if inner.Timestamp <= c.peerTimestamp {
		return fmt.Errorf("conn %d: CHALLENGE timestamp %d did not exceed previous %d", c.SelfID, inner.Timestamp, c.peerTimestamp)
	}
	c.PeerID = inner.IDForResponses
	c.peerPub = inner.SelfPublicKey
	c.peerNonce = inner.SelfNonce
	c.peerTimestamp = inner.Timestamp
	c.limits = inner.Limits

	c.retryEngine.Stop()
	c.State = Ping
	return c.startPing()
}

func (c *Connection) startPing() error {
	rnd, err := crypto.RandomBytes(24)
	if err != nil {
		return err
	}
	copy(c.pingRandom[:], rnd)
	c.pingSentAt = time.Now()

	c.retryEngine = retry.New(c.estimatedRTT, 5*time.Second,
		c.sendPing,
		func() { c.fail(fmt.Errorf("conn %d: PING build/send failed", c.SelfID)) },
		func() { c.fail(fmt.Errorf("conn %d: handshake PING retry budget exceeded", c.SelfID)) },
	)
	c.retryEngine.WithPost(c.transport.Post)
	c.retryEngine.Start()
	return nil
}

func (c *Connection) sendPing() bool {
	body := wire.PingBody{Random: c.pingRandom, Timestamp: time.Now().UnixMilli()}
	return c.sendPingBody(body)
}

func (c *Connection) sendPingBody(body wire.PingBody) bool {
	plain := wire.MarshalPing(body)
	seq := c.nextSeq()
	nonce := wire.DerivePacketNonce(c.selfNonce, byte(wire.Ping)|wire.EncryptedFlag, seq)
	ct := crypto.BoxSeal(nonce, c.peerPub, c.identity.EncKey.PrivateKey, plain)
	buf := wire.EncodePing(c.PeerID, seq, ct)
	return c.transport.Send(buf, c.addr) == nil
}

// HandlePing processes an inbound PING, already firewall-checked and
// decrypted by the caller (see the Router's openControlBody). Behavior depends on state:
// responder's first PING_RECV with matching random/timestamp → READY;
// initiator's matching PING_RECV while in PING → READY_PING; in READY
// or READY_PING, a peer-initiated keepalive is answered in kind.
func (c *Connection) HandlePing(seq uint32, body wire.PingBody, src *net.UDPAddr) error {
	c.maybeAddressChanged(src)

	switch c.State {
	case ChallengeState:
		// Responder's first PING from the initiator: echo its random back
		// so the initiator can recognise its own round trip and move to
		// READY_PING, then move ourselves to READY.
		if body.Timestamp <= c.peerTimestamp {
			return fmt.Errorf("conn %d: PING timestamp %d did not exceed previous %d", c.SelfID, body.Timestamp, c.peerTimestamp)
		}
		c.peerTimestamp = body.Timestamp
		c.sendPingBody(wire.PingBody{Random: body.Random, Timestamp: time.Now().UnixMilli()})
		c.State = Ready
		c.startReadyTimer()
		c.enterReadyState()
		return nil
	case Ping:
		if body.Random != c.pingRandom {
			return nil // not our echo; ignore
		}
		if body.Timestamp <= c.peerTimestamp {
			return fmt.Errorf("conn %d: PING timestamp %d did not exceed previous %d", c.SelfID, body.Timestamp, c.peerTimestamp)
		}
		c.peerTimestamp = body.Timestamp
		c.retryEngine.Stop()
		c.State = ReadyPing
		c.startReadyPingTimer()
		c.enterReadyState()
		return nil
	case Ready, ReadyPing:
		// Peer keepalive: answer in kind and reset our own ready timer.
		if body.Timestamp <= c.peerTimestamp {
			return fmt.Errorf("conn %d: PING timestamp %d did not exceed previous %d", c.SelfID, body.Timestamp, c.peerTimestamp)
		}
		c.peerTimestamp = body.Timestamp
		c.sendPingBody(wire.PingBody{Random: body.Random, Timestamp: time.Now().UnixMilli()})
		c.startReadyTimer()
		return nil
	default:
		return fmt.Errorf("conn %d: PING received in unexpected state %s", c.SelfID, c.State)
	}
}

func (c *Connection) startReadyTimer() {
	c.transport.Post(func() {
		time.AfterFunc(20*time.Second, func() {
			c.transport.Post(func() {
				if c.State == Ready {
					c.fail(fmt.Errorf("conn %d: no peer ping before ready-timer lapse", c.SelfID))
				}
			})
		})
	})
}

func (c *Connection) startReadyPingTimer() {
	c.transport.Post(func() {
		time.AfterFunc(20*time.Second, func() {
			c.transport.Post(func() {
				if c.State == ReadyPing {
					c.State = Ping
					_ = c.startPing()
				}
			})
		})
	})
}

// enterReadyState is called once, the first time either side of the
// handshake reaches READY or READY_PING: it resolves the pending
// mk_connection future and seeds the stream currency budget.
func (c *Connection) enterReadyState() {
	if !c.readyFired {
		c.readyFired = true
		if c.onReady != nil {
			c.onReady(c, nil)
		}
	}
	if c.currencyStarted {
		return
	}
	c.currencyStarted = true
	c.maxCurrency = c.limits.MaxCurrency
	c.currencyRegenRate = c.limits.CurrencyRegenRate
	c.currency = c.maxCurrency
	c.scheduleCurrencyRegen()
}

// scheduleCurrencyRegen regenerates currencyRegenRate units of currency
// every RTT, up to maxCurrency, for as long as the Connection is in
// READY or READY_PING, to keep unreliable sends from starving once
// currency has been spent.
func (c *Connection) scheduleCurrencyRegen() {
	c.transport.Post(func() {
		time.AfterFunc(c.estimatedRTT, func() {
			c.transport.Post(func() {
				if c.State != Ready && c.State != ReadyPing {
					return
				}
				c.currency += c.currencyRegenRate
				if c.currency > c.maxCurrency {
					c.currency = c.maxCurrency
				}
				c.drainPendingStreams()
				c.scheduleCurrencyRegen()
			})
		})
	})
}

// drainPendingStreams resumes streams that were blocked on backpressure
// now that currency (or a peer acknowledgement) has freed up budget.
func (c *Connection) drainPendingStreams() {
	for _, s := range c.streams {
		s.drainPending()
	}
}

// UMTU is the usable per-fragment payload size: the estimated path MTU
// less the wire prefix, box overhead, and stream header.
func (c *Connection) UMTU(emtu int) int {
	u := emtu - wire.PrefixSize - crypto.SealOverhead - wire.StreamHeaderMinSize
	if u < 0 {
		return 0
	}
	return u
}

// OpenStream creates a new Stream owned by this Connection. id is
// allocated locally if zero.
func (c *Connection) OpenStream(id uint32, reliable, ordered bool, emtu int) *Stream {
	if id == 0 {
		c.nextStreamID++
		id = c.nextStreamID
	}
	s := newStream(id, reliable, ordered, c, c.UMTU(emtu))
	c.streams[id] = s
	return s
}

// HandleStream dispatches an inbound STREAM plaintext to the Stream it
// names, creating an ad-hoc reliable, ordered Stream if none was
// explicitly opened (a peer may write to a stream id the local side never
// called OpenStream for).
func (c *Connection) HandleStream(frame wire.StreamFrame, emtu int) error {
	s, ok := c.streams[frame.StreamID]
	if !ok {
		s = newStream(frame.StreamID, true, true, c, c.UMTU(emtu))
		c.streams[frame.StreamID] = s
	}
	return s.handleInbound(frame)
}

// ReplayWindow exposes the inbound replay window so the Router's firewall
// step can Check/Accept a sequence number around its own decrypt call.
func (c *Connection) ReplayWindow() *replay.Window { return &c.replayIn }

// PeerNonce returns the session nonce the peer advertised in its
// OPEN/CHALLENGE, the value a per-packet nonce derivation needs for an
// inbound authenticated control packet.
func (c *Connection) PeerNonce() [24]byte { return c.peerNonce }

// PeerPublicKey returns the peer's Curve25519 encryption public key.
func (c *Connection) PeerPublicKey() [32]byte { return c.peerPub }

// SelfPrivateKey returns this Connection's own Curve25519 private key.
func (c *Connection) SelfPrivateKey() [32]byte { return c.identity.EncKey.PrivateKey }

// Addr returns the Connection's current known remote address.
func (c *Connection) Addr() *net.UDPAddr { return c.addr }

func (c *Connection) maybeAddressChanged(src *net.UDPAddr) {
	if src == nil || c.addr == nil || src.String() == c.addr.String() {
		return
	}
	c.addr = src
	c.transport.ReportEvent(c.SelfID, "address_changed", src)
}

// Close initiates graceful teardown: the Connection moves to NOTIFY
// and awaits NOTIFY_CONFIRM.
func (c *Connection) Close() {
	if c.State == End || c.State == Notify {
		return
	}
	c.State = Notify
	body := wire.TimestampNonceBody{Timestamp: time.Now().UnixMilli()}
	if n, err := crypto.GenerateSessionNonce(); err == nil {
		body.Nonce = n
	}
	c.retryEngine = retry.New(c.estimatedRTT, 10*time.Second,
		func() bool { return c.sendControl(wire.Notify, wire.MarshalTimestampNonce(body)) },
		func() { c.finish(End) },
		func() { c.finish(End) },
	)
	c.retryEngine.WithPost(c.transport.Post)
	c.retryEngine.Start()
}

// HandleNotify answers a peer's graceful-close request.
func (c *Connection) HandleNotify() {
	c.sendControl(wire.NotifyConfirm, wire.MarshalTimestampNonce(wire.TimestampNonceBody{Timestamp: time.Now().UnixMilli()}))
	c.finish(End)
}

// HandleNotifyConfirm completes our own Close().
func (c *Connection) HandleNotifyConfirm() {
	if c.retryEngine != nil {
		c.retryEngine.Stop()
	}
	c.finish(End)
}

// Kill is a hard close: no NOTIFY, straight to END.
func (c *Connection) Kill() {
	if c.retryEngine != nil {
		c.retryEngine.Stop()
	}
	c.finish(End)
}

func (c *Connection) sendControl(ctrl wire.Control, plain []byte) bool {
	seq := c.nextSeq()
	nonce := wire.DerivePacketNonce(c.selfNonce, byte(ctrl)|wire.EncryptedFlag, seq)
	ct := crypto.BoxSeal(nonce, c.peerPub, c.identity.EncKey.PrivateKey, plain)
	buf := wire.EncodeControl(ctrl, c.PeerID, seq, ct)
	return c.transport.Send(buf, c.addr) == nil
}

func (c *Connection) fail(err error) {
	c.State = Error
	if !c.readyFired && c.onReady != nil {
		c.readyFired = true
		c.onReady(c, err)
	}
	c.transport.ReportEvent(c.SelfID, "error", err)
	c.finish(DisconnectError)
}

func (c *Connection) finish(s State) {
	c.State = s
	c.transport.Removed(c.SelfID)
}

func (c *Connection) nextSeq() uint32 {
	c.outSeq++
	return c.outSeq
}

func rawCopy(signedRegion, signature []byte) []byte {
	out := make([]byte, len(signedRegion)+len(signature))
	n := copy(out, signedRegion)
	copy(out[n:], signature)
	return out
}
