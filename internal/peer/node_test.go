package peer

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"peerd/internal/endpoint"
	"peerd/internal/fragfile"
	"peerd/internal/roster"
	"peerd/internal/store"
	"peerd/internal/wire"
)

// spyEndpoint is an endpoint.Endpoint that records every outgoing
// datagram instead of putting it on a socket, so the test can pump
// packets between two Nodes synchronously without real timers or
// goroutines.
type spyEndpoint struct {
	addr net.Addr
	sent []spyDatagram
}

type spyDatagram struct {
	to   net.Addr
	data []byte
}

func (s *spyEndpoint) LocalAddr() net.Addr { return s.addr }

func (s *spyEndpoint) SendTo(addr net.Addr, b []byte) error {
	cp := append([]byte(nil), b...)
	s.sent = append(s.sent, spyDatagram{to: addr, data: cp})
	return nil
}

func (s *spyEndpoint) RecvFrom() ([]byte, net.Addr, error) {
	select {} // never called: the test drives dispatchPacket directly
}

func (s *spyEndpoint) Close() error { return nil }

func (s *spyEndpoint) drain() []spyDatagram {
	out := s.sent
	s.sent = nil
	return out
}

var _ endpoint.Endpoint = (*spyEndpoint)(nil)

// stepClock hands out strictly increasing timestamps so RTT samples are
// never zero, without relying on wall-clock sleeps.
type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

const rosterText = "1 127.0.0.1 10001\n2 127.0.0.1 10002\n"

// TestMinimalHandshakeEndToEnd is spec scenario S1: two peers, P1 fetches
// the one chunk P2 holds, over a lossless synchronous channel.
func TestMinimalHandshakeEndToEnd(t *testing.T) {
	data2 := make([]byte, wire.ChunkSize)
	for i := range data2 {
		data2[i] = byte(i)
	}
	h2 := wire.HashChunk(data2)

	fs1 := afero.NewMemMapFs()
	afero.WriteFile(fs1, "peers.txt", []byte(rosterText), 0o644)
	afero.WriteFile(fs1, "hashes.txt", []byte("0 "+h2.String()+"\n"), 0o644)
	fs2 := afero.NewMemMapFs()
	afero.WriteFile(fs2, "peers.txt", []byte(rosterText), 0o644)

	r1, err := roster.Load(fs1, "peers.txt", 1)
	if err != nil {
		t.Fatalf("roster.Load(1): %v", err)
	}
	r2, err := roster.Load(fs2, "peers.txt", 2)
	if err != nil {
		t.Fatalf("roster.Load(2): %v", err)
	}
	addr1, _ := r1.Addr(1)
	addr2, _ := r2.Addr(2)

	store1 := store.New()
	store2 := store.New()
	store2.Put(h2, data2)

	spy1 := &spyEndpoint{addr: addr1}
	spy2 := &spyEndpoint{addr: addr2}
	var stdout1 bytes.Buffer

	n1 := New(Config{
		SelfID: 1, MaxSend: 1, Roster: r1, Store: store1, Endpoint: spy1, Fs: fs1,
		Logger: zerolog.Nop(), Now: (&stepClock{}).Now, Stdout: &stdout1,
	})
	n2 := New(Config{
		SelfID: 2, MaxSend: 1, Roster: r2, Store: store2, Endpoint: spy2, Fs: fs2,
		Logger: zerolog.Nop(), Now: (&stepClock{}).Now, Stdout: &bytes.Buffer{},
	})

	n1.handleStdin("DOWNLOAD hashes.txt out1.frag")

	whohas := spy1.drain()
	if len(whohas) != 1 {
		t.Fatalf("expected exactly one WHOHAS from P1, got %d", len(whohas))
	}
	for _, pkt := range whohas {
		n2.dispatchPacket(pkt.data, addr1)
	}

	ihave := spy2.drain()
	if len(ihave) != 1 {
		t.Fatalf("expected exactly one IHAVE from P2, got %d", len(ihave))
	}
	for _, pkt := range ihave {
		n1.dispatchPacket(pkt.data, addr2)
	}

	get := spy1.drain()
	if len(get) != 1 {
		t.Fatalf("expected exactly one GET from P1, got %d", len(get))
	}
	for _, pkt := range get {
		n2.dispatchPacket(pkt.data, addr1)
	}

	for i := 0; i < 2000 && stdout1.Len() == 0; i++ {
		dataPkts := spy2.drain()
		for _, pkt := range dataPkts {
			n1.dispatchPacket(pkt.data, addr2)
		}
		acks := spy1.drain()
		for _, pkt := range acks {
			n2.dispatchPacket(pkt.data, addr1)
		}
		if len(dataPkts) == 0 && len(acks) == 0 {
			break
		}
	}

	if got := stdout1.String(); got != "GOT out1.frag\n" {
		t.Fatalf("stdout = %q, want %q", got, "GOT out1.frag\n")
	}

	result, err := fragfile.ReadFragment(fs1, "out1.frag")
	if err != nil {
		t.Fatalf("ReadFragment: %v", err)
	}
	got, ok := result[h2]
	if !ok || !bytes.Equal(got, data2) {
		t.Fatal("output fragment does not contain the expected chunk bytes")
	}
}

// TestHandleDeniedAfterGetFreesDownloadSlot covers the admission race of
// spec scenario S2: a source answers IHAVE (committing no slot) but is
// full by the time GET arrives, so it replies DENIED. handleIhave has
// already recorded an outbound download for that remote; handleDenied
// must tear it down immediately rather than leaving it to CheckStall, so
// the job can retry against a different source right away.
func TestHandleDeniedAfterGetFreesDownloadSlot(t *testing.T) {
	fs1 := afero.NewMemMapFs()
	afero.WriteFile(fs1, "peers.txt", []byte(rosterText), 0o644)

	r1, err := roster.Load(fs1, "peers.txt", 1)
	if err != nil {
		t.Fatalf("roster.Load: %v", err)
	}
	addr2, _ := r1.Addr(2)

	spy1 := &spyEndpoint{}
	var stdout1 bytes.Buffer
	n1 := New(Config{
		SelfID: 1, MaxSend: 1, Roster: r1, Store: store.New(), Endpoint: spy1, Fs: fs1,
		Logger: zerolog.Nop(), Now: (&stepClock{}).Now, Stdout: &stdout1,
	})

	var h wire.Hash
	h[0] = 0xAB
	job := NewJob("job-1", "hashes.txt", "out.frag", []wire.Hash{h}, n1.cfg.Now())
	n1.jobs[job.ID] = job
	n1.jobByHash[h] = job

	ihave := wire.Packet{Header: wire.Header{Type: wire.IHAVE}, Payload: wire.EncodeHashes([]wire.Hash{h})}
	n1.handleIhave(ihave, addr2)

	remote := addr2.String()
	if _, ok := n1.downloads[remote]; !ok {
		t.Fatal("expected handleIhave to record an outbound download")
	}
	if n1.conns.CanStartDownload(remote) {
		t.Fatal("expected download slot to be committed after GET")
	}

	denied := wire.Packet{Header: wire.Header{Type: wire.DENIED}, Payload: wire.EncodeHashes([]wire.Hash{h})}
	n1.handleDenied(denied, addr2)

	if _, ok := n1.downloads[remote]; ok {
		t.Fatal("expected handleDenied to remove the orphaned download")
	}
	if !n1.conns.CanStartDownload(remote) {
		t.Fatal("expected handleDenied to free the download slot so the job can retry")
	}
	if src, assigned := job.AssignedTo(h); assigned {
		t.Fatalf("expected hash to be unassigned after DENIED, still assigned to %q", src)
	}
}
