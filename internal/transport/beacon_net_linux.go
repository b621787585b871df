//go:build linux

package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// DefaultBeaconPort is the UDP port LAN beacons broadcast on.
const DefaultBeaconPort = 9006

// BeaconSender periodically broadcasts discovery datagrams on the LAN
// (§6 "LAN beacon"), grounded on the reference module's
// internal/netio.UDPSender socket-option pattern: a broadcast socket
// needs SO_BROADCAST/SO_REUSEADDR instead of BFD's GTSM TTL=255, but the
// shape (a *net.UDPConn wrapped with syscall.RawConn option-setting at
// construction) is the same.
type BeaconSender struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

// NewBeaconSender opens a UDP broadcast socket targeting port on the
// limited broadcast address (255.255.255.255).
func NewBeaconSender(port int) (*BeaconSender, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("transport: beacon sender socket: %w", err)
	}
	if err := setBroadcastOpts(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &BeaconSender{
		conn: conn,
		dst:  &net.UDPAddr{IP: net.IPv4bcast, Port: port},
	}, nil
}

// SendDatagram broadcasts payload on the LAN (transport.DatagramSender).
func (s *BeaconSender) SendDatagram(payload []byte) error {
	if _, err := s.conn.WriteToUDP(payload, s.dst); err != nil {
		return fmt.Errorf("transport: beacon send: %w", err)
	}
	return nil
}

// Close releases the underlying socket.
func (s *BeaconSender) Close() error { return s.conn.Close() }

func setBroadcastOpts(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("transport: beacon syscall conn: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		if sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return fmt.Errorf("transport: beacon control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("transport: beacon setsockopt: %w", sockErr)
	}
	return nil
}

// BeaconReceiver listens for broadcast beacon datagrams, wrapping the
// socket as an ipv4.PacketConn so the interface a beacon arrived on can
// be read from its control message — the same layering the reference
// module's internal/netio.overlay.go uses over a raw net.PacketConn,
// here used to tag discovery entries with their source interface instead
// of an overlay tunnel's encapsulation metadata.
type BeaconReceiver struct {
	pconn *ipv4.PacketConn
	raw   *net.UDPConn
}

// NewBeaconReceiver binds a UDP socket on port and enables interface
// control messages.
func NewBeaconReceiver(port int) (*BeaconReceiver, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: beacon receiver socket: %w", err)
	}
	if err := setBroadcastOpts(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: beacon control message: %w", err)
	}
	return &BeaconReceiver{pconn: pconn, raw: conn}, nil
}

// Recv blocks until a datagram arrives or ctx is canceled, reading the
// payload into buf and returning its length and the index of the
// interface it arrived on (0 if unknown).
func (r *BeaconReceiver) Recv(ctx context.Context, buf []byte) (int, int, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = r.raw.SetReadDeadline(dl)
	}
	n, cm, _, err := r.pconn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		if ne, ok := err.(*net.OpError); ok && ne.Timeout() {
			return 0, 0, context.DeadlineExceeded
		}
		if err == syscall.EINTR {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("transport: beacon recv: %w", err)
	}
	ifIndex := 0
	if cm != nil {
		ifIndex = cm.IfIndex
	}
	return n, ifIndex, nil
}

// Close releases the underlying socket.
func (r *BeaconReceiver) Close() error { return r.raw.Close() }
