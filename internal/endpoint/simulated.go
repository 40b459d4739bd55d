package endpoint

import (
	"encoding/binary"
	"fmt"
	"net"
)

// routingHeaderLen is the 16-byte header the simulator protocol prepends:
// src_id(4) src_ip(4) dst_ip(4) src_port(2) dst_port(2), per spec §6.
const routingHeaderLen = 16

// Simulated wraps an Endpoint so that every outgoing datagram is routed
// through a simulator process instead of going straight to the
// destination: it prepends the 16-byte routing header and always sends
// to simAddr. Incoming datagrams (always arriving from the simulator)
// have their routing header stripped and the original sender's address
// reconstructed from it, so callers above this layer never know the
// simulator is in the path.
type Simulated struct {
	inner    Endpoint
	simAddr  *net.UDPAddr
	selfID   uint32
	selfIP   [4]byte
	selfPort uint16
}

// NewSimulated wraps inner so all traffic is relayed via simAddr. selfID
// is this peer's roster identifier; localAddr is this peer's bound
// address (used to populate the src_ip/src_port routing fields).
func NewSimulated(inner Endpoint, simAddr *net.UDPAddr, selfID uint32, localAddr *net.UDPAddr) *Simulated {
	s := &Simulated{inner: inner, simAddr: simAddr, selfID: selfID, selfPort: uint16(localAddr.Port)}
	if ip4 := localAddr.IP.To4(); ip4 != nil {
		copy(s.selfIP[:], ip4)
	}
	return s
}

func (s *Simulated) LocalAddr() net.Addr { return s.inner.LocalAddr() }

func (s *Simulated) Close() error { return s.inner.Close() }

func (s *Simulated) SendTo(addr net.Addr, b []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("endpoint: simulated address %v is not a *net.UDPAddr", addr)
	}
	hdr := make([]byte, routingHeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], s.selfID)
	copy(hdr[4:8], s.selfIP[:])
	if ip4 := udpAddr.IP.To4(); ip4 != nil {
		copy(hdr[8:12], ip4)
	}
	binary.BigEndian.PutUint16(hdr[12:14], s.selfPort)
	binary.BigEndian.PutUint16(hdr[14:16], uint16(udpAddr.Port))

	framed := make([]byte, 0, len(hdr)+len(b))
	framed = append(framed, hdr...)
	framed = append(framed, b...)
	return s.inner.SendTo(s.simAddr, framed)
}

func (s *Simulated) RecvFrom() ([]byte, net.Addr, error) {
	for {
		raw, _, err := s.inner.RecvFrom()
		if err != nil {
			return nil, nil, err
		}
		if len(raw) < routingHeaderLen {
			continue // malformed relay frame, drop and keep waiting
		}
		hdr := raw[:routingHeaderLen]
		srcIP := net.IPv4(hdr[4], hdr[5], hdr[6], hdr[7])
		srcPort := binary.BigEndian.Uint16(hdr[12:14])
		origin := &net.UDPAddr{IP: srcIP, Port: int(srcPort)}
		return raw[routingHeaderLen:], origin, nil
	}
}
