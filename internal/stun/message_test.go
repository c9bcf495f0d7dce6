package stun

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario S1: server response XOR-MAPPED-ADDRESS family=1, xport=0xBD55
// (port 40007 = 0x9C47, XOR 0x2112), xaddr=0xE721C043 (198.51.100.1 XOR
// magic), decoded as 198.51.100.1:40007.
func TestXorMappedAddressRoundTrip(t *testing.T) {
	req := New(ClassRequest, MethodBinding)
	req.TransactionID = string([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})

	resp := New(ClassSuccessResponse, MethodBinding)
	resp.TransactionID = req.TransactionID
	want := &net.UDPAddr{IP: net.ParseIP("198.51.100.1").To4(), Port: 40007}
	resp.SetXorMappedAddress(want)

	wire := resp.Bytes()
	parsed, err := Parse(wire)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	require.Equal(t, req.TransactionID, parsed.TransactionID)

	got, ok := parsed.XorMappedAddress()
	require.True(t, ok)
	require.True(t, got.IP.Equal(want.IP))
	require.Equal(t, want.Port, got.Port)
}

// P1: client rejects a response whose transaction id differs, and accepts
// one with a matching id whose XOR-MAPPED-ADDRESS decodes to the bound
// socket address.
func TestBindRejectsMismatchedTransaction(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1500)
		n, raddr, err := serverConn.ReadFrom(buf)
		require.NoError(t, err)
		req, err := Parse(buf[:n])
		require.NoError(t, err)

		// Reply once with a bogus transaction id (should be ignored), then
		// with the correct one.
		bogus := New(ClassSuccessResponse, MethodBinding)
		bogus.SetXorMappedAddress(raddr.(*net.UDPAddr))
		serverConn.WriteTo(bogus.Bytes(), raddr)

		good := New(ClassSuccessResponse, MethodBinding)
		good.TransactionID = req.TransactionID
		good.SetXorMappedAddress(raddr.(*net.UDPAddr))
		serverConn.WriteTo(good.Bytes(), raddr)
	}()

	client := NewClient(clientConn)
	addr, err := client.Bind(context.Background(), serverConn.LocalAddr())
	require.NoError(t, err)
	require.Equal(t, clientConn.LocalAddr().(*net.UDPAddr).Port, addr.Port)
	<-done
}
