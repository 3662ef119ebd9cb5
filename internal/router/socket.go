// Package router implements the Router half of TRiP: one owned UDP
// socket, the ID/address connection tables, admission control, and the
// single-goroutine event loop every Connection is driven from.
package router

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/higebu/netfd"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Datagram is one packet read off the wire, tagged with its source.
type Datagram struct {
	Payload []byte
	Src     *net.UDPAddr
}

// Socket is the abstraction a Router binds, reads from, and writes to.
// Implementations exist so tests can substitute an in-memory pair instead
// of a real kernel UDP socket.
type Socket interface {
	// Bind opens the socket for addr. Called once from Router.start().
	Bind(addr string) error

	// ReadFrom blocks for the next datagram. Returns an error (wrapping
	// net.ErrClosed) once Close has been called.
	ReadFrom(buf []byte) (Datagram, error)

	// WriteTo sends payload to dst.
	WriteTo(payload []byte, dst *net.UDPAddr) error

	// LocalMTU reports the best estimate of the effective MTU toward
	// dst, or ok=false if path MTU discovery isn't available on this
	// implementation/platform.
	LocalMTU(dst *net.UDPAddr) (mtu int, ok bool)

	// Close releases the underlying socket. Idempotent.
	Close() error
}

// UDPSocket is the default Socket, backed by a real kernel UDP socket
// with Path MTU Discovery enabled so fragmentation-free datagrams can be
// sized from the kernel's reported MTU rather than a static guess.
type UDPSocket struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	closed atomic.Bool
}

var _ Socket = (*UDPSocket)(nil)

// Bind opens a UDP socket at addr and tunes it for MTU discovery: the
// kernel is told not to fragment outgoing datagrams (IP_MTU_DISCOVER), so
// an oversized send fails loudly (EMSGSIZE) instead of silently
// fragmenting, and the effective path MTU can be read back for
// applications that want to size their own sends.
func (s *UDPSocket) Bind(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving bind address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("binding UDP %s: %w", addr, err)
	}
	s.conn = conn
	s.pconn = ipv4.NewPacketConn(conn)

	if fd := netfd.GetFdFromConn(conn); fd >= 0 {
		// Best-effort: not every kernel/platform supports this knob, and a
		// Router must still function (with a static EMTU guess) without it.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
	}
	return nil
}

// ReadFrom reads the next datagram.
func (s *UDPSocket) ReadFrom(buf []byte) (Datagram, error) {
	n, src, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return Datagram{}, err
	}
	payload := make([]byte, n)
	copy(payload, buf[:n])
	return Datagram{Payload: payload, Src: src}, nil
}

// WriteTo sends payload to dst.
func (s *UDPSocket) WriteTo(payload []byte, dst *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(payload, dst)
	return err
}

// LocalMTU asks the kernel for the path MTU it has discovered toward dst.
// Only meaningful after at least one datagram has been sent to dst.
func (s *UDPSocket) LocalMTU(dst *net.UDPAddr) (int, bool) {
	if fd := netfd.GetFdFromConn(s.conn); fd >= 0 {
		if mtu, err := unix.GetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU); err == nil && mtu > 0 {
			return mtu, true
		}
	}
	return 0, false
}

// Close releases the socket. Idempotent.
func (s *UDPSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
