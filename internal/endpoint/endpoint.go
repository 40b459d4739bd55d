// Package endpoint provides the non-blocking datagram abstraction the
// event loop multiplexes over (spec §6, §4.8). The production
// implementation wraps a real UDP socket; internal/peer reaches the
// socket only through the Endpoint interface, so it can be driven
// against an in-memory fake in tests.
package endpoint

import "net"

// Endpoint is the datagram transport the event loop drives. RecvFrom
// blocks until a datagram arrives or the endpoint is closed; the reader
// goroutine in peer.Node is the only caller, so "non-blocking" at the
// event-loop level is achieved by running that call on its own goroutine
// and funneling results through a channel (mirroring the teacher's own
// rxQueue/txQueue design in internal/protocol/dns_conn.go), not by a
// raw non-blocking syscall.
type Endpoint interface {
	LocalAddr() net.Addr
	SendTo(addr net.Addr, b []byte) error
	RecvFrom() (b []byte, addr net.Addr, err error)
	Close() error
}

// ErrClosed is returned by RecvFrom after Close.
var ErrClosed = net.ErrClosed
