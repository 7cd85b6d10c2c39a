package netutil

import (
	"net"
	"testing"
	"time"
)

func TestBroadcastAddressDirected(t *testing.T) {
	ipNet := &net.IPNet{
		IP:   net.IPv4(192, 168, 1, 10),
		Mask: net.CIDRMask(24, 32),
	}
	got := BroadcastAddress(ipNet)
	want := net.IPv4(192, 168, 1, 255).To4()
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBroadcastAddressNilFallsBackToLimited(t *testing.T) {
	got := BroadcastAddress(nil)
	if !got.Equal(net.IPv4bcast) {
		t.Fatalf("got %v, want limited broadcast", got)
	}
}

func TestTimeoutConnBoundsEachRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tc := TimeoutConn{Conn: a, Timeout: 50 * time.Millisecond}
	buf := make([]byte, 1)
	_, err := tc.Read(buf)
	netErr, ok := err.(net.Error)
	if !ok || !netErr.Timeout() {
		t.Fatalf("err = %v, want a timeout", err)
	}

	// A write from the peer after the first timeout must still be
	// readable: the deadline is per-operation, not per-connection.
	go b.Write([]byte{0x42})
	if _, err := tc.Read(buf); err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if buf[0] != 0x42 {
		t.Fatalf("read %#x, want 0x42", buf[0])
	}
}

func TestCheckTCPPortAvailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if err := CheckTCPPortAvailable(ln.Addr().String()); err == nil {
		t.Fatal("expected bound port to be reported unavailable")
	}
}
