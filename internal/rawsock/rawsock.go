// Package rawsock provides the raw Ethernet (AF_PACKET) and UDP socket
// primitives shared by the discovery, RPC and cyclic-IO components. It
// exists so none of those packages has to duplicate interface binding and
// socket-option handling.
package rawsock

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// EtherType used for both DCP discovery and cyclic IO frames.
const ProfinetEtherType = 0x8892

// RawSocket is a bound AF_PACKET/SOCK_RAW socket on one interface, used for
// DCP discovery and cyclic real-time frames (neither of which is IP-routed).
type RawSocket struct {
	fd        int
	ifIndex   int
	ifaceName string
	ifaceMAC  [6]byte
}

// OpenRaw opens a raw socket bound to the named interface, filtering for
// ProfinetEtherType frames only.
func OpenRaw(ifaceName string) (*RawSocket, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("rawsock: lookup interface %q: %w", ifaceName, err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(ProfinetEtherType))
	if err != nil {
		return nil, fmt.Errorf("rawsock: socket: %w", err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(ProfinetEtherType),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: bind to %q: %w", ifaceName, err)
	}
	var mac [6]byte
	copy(mac[:], iface.HardwareAddr)
	return &RawSocket{fd: fd, ifIndex: iface.Index, ifaceName: ifaceName, ifaceMAC: mac}, nil
}

// htons converts a uint16 to network byte order, as required by
// SockaddrLinklayer.Protocol on little-endian hosts.
func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// InterfaceMAC returns the bound interface's hardware address.
func (r *RawSocket) InterfaceMAC() [6]byte { return r.ifaceMAC }

// Send writes one raw Ethernet frame (header included) to the wire.
func (r *RawSocket) Send(frame []byte) error {
	addr := &unix.SockaddrLinklayer{Ifindex: r.ifIndex}
	return unix.Sendto(r.fd, frame, 0, addr)
}

// Recv blocks until one Ethernet frame is available and returns its bytes.
func (r *RawSocket) Recv(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(r.fd, buf, 0)
	return n, err
}

// Close releases the underlying file descriptor.
func (r *RawSocket) Close() error {
	return unix.Close(r.fd)
}

// BoundUDPConn opens a UDP socket with its local address explicitly bound
// to localIP (never 0.0.0.0 — outbound RPC traffic must carry the real
// interface address so the remote device's reply routes back correctly).
func BoundUDPConn(localIP net.IP, port int) (*net.UDPConn, error) {
	if localIP == nil || localIP.IsUnspecified() {
		return nil, fmt.Errorf("rawsock: refusing to bind UDP socket to unspecified address")
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP, Port: port})
	if err != nil {
		return nil, fmt.Errorf("rawsock: bind udp %s:%d: %w", localIP, port, err)
	}
	return conn, nil
}

// InterfaceIPv4 returns the first IPv4 address configured on the named
// interface, used to resolve the real source address for outbound RPC/UDP.
func InterfaceIPv4(ifaceName string) (net.IP, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("rawsock: lookup interface %q: %w", ifaceName, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("rawsock: addrs of %q: %w", ifaceName, err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("rawsock: interface %q has no IPv4 address", ifaceName)
}
