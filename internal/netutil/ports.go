// Package netutil provides small networking helpers shared by the
// discovery service and the session server.
package netutil

import (
	"fmt"
	"net"
	"time"
)

// CheckTCPPortAvailable reports whether addr can currently be bound.
func CheckTCPPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("netutil: port %s is not available: %w", addr, err)
	}
	return ln.Close()
}

// CheckUDPPortAvailable reports whether addr can currently be bound for
// UDP datagrams.
func CheckUDPPortAvailable(addr *net.UDPAddr) error {
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("netutil: udp port %d is not available: %w", addr.Port, err)
	}
	return conn.Close()
}

// WaitForTCPPort polls until addr becomes available to bind or timeout
// elapses.
func WaitForTCPPort(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := CheckTCPPortAvailable(addr); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("netutil: port %s did not become available within %v", addr, timeout)
}

// TimeoutConn wraps a net.Conn so every Read and Write refreshes a
// rolling per-operation deadline. The protocol's 15-second control
// timeout bounds each read/write, not the connection's total lifetime;
// transfer-path frames inherit the same per-operation bound.
type TimeoutConn struct {
	net.Conn
	Timeout time.Duration
}

func (c TimeoutConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c TimeoutConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// BroadcastAddress computes the directed broadcast address for ipNet, or
// the limited broadcast 255.255.255.255 if ipNet is nil (no adapter
// selected).
func BroadcastAddress(ipNet *net.IPNet) net.IP {
	if ipNet == nil || ipNet.IP.To4() == nil {
		return net.IPv4bcast
	}
	ip := ipNet.IP.To4()
	mask := ipNet.Mask
	bcast := make(net.IP, len(ip))
	for i := range ip {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast
}

// BroadcastAddressForInterface resolves the directed broadcast address
// for the named network adapter, falling back to the limited broadcast
// 255.255.255.255 if name is empty, the adapter doesn't exist, or it has
// no IPv4 address.
func BroadcastAddressForInterface(name string) net.IP {
	if name == "" {
		return net.IPv4bcast
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return net.IPv4bcast
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return net.IPv4bcast
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return BroadcastAddress(ipNet)
		}
	}
	return net.IPv4bcast
}
