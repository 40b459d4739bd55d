package endpoint

import (
	"net"
	"testing"

	"peerd/internal/wire"
)

// TestUDPAcceptsFullSizeSimulatedFrame guards against the SIMULATOR
// admission bug where a full wire.MaxDatagram DATA packet, once wrapped
// by Simulated with its routing header, exceeded UDP's own size check
// and never reached the socket.
func TestUDPAcceptsFullSizeSimulatedFrame(t *testing.T) {
	recvLocal, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer recvLocal.Close()

	sendLocal, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	sender := &UDP{conn: sendLocal}
	defer sender.Close()

	sim := NewSimulated(sender, recvLocal.LocalAddr().(*net.UDPAddr), 1, sendLocal.LocalAddr().(*net.UDPAddr))

	fullDatagram := make([]byte, wire.MaxDatagram)
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	if err := sim.SendTo(dst, fullDatagram); err != nil {
		t.Fatalf("SendTo a full-size protocol datagram through Simulated: %v", err)
	}

	buf := make([]byte, maxRawDatagram+1)
	n, _, err := recvLocal.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if n != routingHeaderLen+wire.MaxDatagram {
		t.Fatalf("received %d bytes, want %d (header + full datagram)", n, routingHeaderLen+wire.MaxDatagram)
	}
}
