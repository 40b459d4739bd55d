package endpoint

import (
	"fmt"
	"net"

	"peerd/internal/wire"
)

// maxRawDatagram is the largest frame this socket will ever carry: a
// full protocol datagram (wire.MaxDatagram) plus, when SIMULATOR mode
// wraps it, the routing header Simulated.SendTo prepends. UDP is the raw
// transport and has no notion of that framing itself, so it sizes its
// buffers and bound to the widest possible frame rather than the
// unframed protocol limit.
const maxRawDatagram = wire.MaxDatagram + routingHeaderLen

// UDP is the production Endpoint: a thin wrapper around a bound
// *net.UDPConn.
type UDP struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket at addr.
func Listen(addr *net.UDPAddr) (*UDP, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen %s: %w", addr, err)
	}
	return &UDP{conn: conn}, nil
}

func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

func (u *UDP) SendTo(addr net.Addr, b []byte) error {
	if len(b) > maxRawDatagram {
		return fmt.Errorf("endpoint: datagram %d exceeds max %d", len(b), maxRawDatagram)
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("endpoint: address %v is not a *net.UDPAddr", addr)
	}
	_, err := u.conn.WriteToUDP(b, udpAddr)
	return err
}

func (u *UDP) RecvFrom() ([]byte, net.Addr, error) {
	buf := make([]byte, maxRawDatagram)
	n, addr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

func (u *UDP) Close() error { return u.conn.Close() }
