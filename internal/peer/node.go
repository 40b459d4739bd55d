// Package peer implements the reliable chunk transfer engine: the
// sender/receiver state machines, the WHOHAS/IHAVE/GET handshake, the
// admission-controlled connection table, and the single-goroutine event
// loop that ties them together (spec §4, §5).
package peer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"peerd/internal/congestion"
	"peerd/internal/endpoint"
	"peerd/internal/fragfile"
	"peerd/internal/roster"
	"peerd/internal/store"
	"peerd/internal/telemetry"
	"peerd/internal/wire"

	"github.com/spf13/afero"
)

const (
	mss          = wire.MaxPayload
	pollInterval = 100 * time.Millisecond
	stallTimeout = 3 * time.Second
	// dupSuppressTTL is kept well under handshakeWindow: it exists to
	// absorb the substrate re-delivering the same datagram almost
	// immediately, not to cover a requester's legitimate periodic
	// retry. A TTL near or above handshakeWindow would swallow every
	// other genuine retry for an unchanged still-missing set, since its
	// WHOHAS payload (and therefore the dedupe key) is identical round
	// to round.
	dupSuppressTTL = handshakeWindow / 4
)

// Config bundles everything Node needs to run: its identity, the
// external collaborators of spec §6, and the ambient hooks (clock,
// logger) that make it testable without wall-clock sleeps or real
// sockets.
type Config struct {
	SelfID     int
	MaxSend    int
	Roster     *roster.Roster
	Store      *store.Store
	Endpoint   endpoint.Endpoint
	Fs         afero.Fs
	FixedRTT   time.Duration // 0 disables the fixed override
	Logger     zerolog.Logger
	Now        func() time.Time
	Stdin      io.Reader
	Stdout     io.Writer
	OnProgress func(jobID string, done, total int) // optional, for --progress
	Telemetry  *telemetry.Telemetry                // optional; nil disables metrics publishing
}

// Node owns the event loop of spec §4.8. Every field below is touched
// only from Run's goroutine; the reader and stdin goroutines only ever
// write to channels.
type Node struct {
	cfg   Config
	conns *ConnTable

	uploads   map[string]*Upload   // keyed by remote address string
	downloads map[string]*Download // keyed by remote address string
	jobs      map[string]*Job      // keyed by job ID
	jobByHash map[wire.Hash]*Job

	handshakeCache *cache.Cache // duplicate-WHOHAS suppression, entries expire after dupSuppressTTL (spec §8.1)

	recvCh chan recvMsg
	lineCh chan string
	errCh  chan error
}

type recvMsg struct {
	data []byte
	addr net.Addr
}

// New constructs a Node ready to Run. cfg.Now defaults to time.Now.
func New(cfg Config) *Node {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Node{
		cfg:            cfg,
		conns:          NewConnTable(cfg.MaxSend),
		uploads:        make(map[string]*Upload),
		downloads:      make(map[string]*Download),
		jobs:           make(map[string]*Job),
		jobByHash:      make(map[wire.Hash]*Job),
		handshakeCache: cache.New(dupSuppressTTL, 2*dupSuppressTTL),
		recvCh:         make(chan recvMsg, 64),
		lineCh:         make(chan string, 8),
		errCh:          make(chan error, 2),
	}
}

// Run drives the event loop until ctx is canceled or an unrecoverable
// endpoint error occurs (spec §7's "terminate the peer process" case is
// surfaced here as a returned error so cmd/peerd can choose the exit
// status).
func (n *Node) Run(ctx context.Context) error {
	go n.readLoop()
	if n.cfg.Stdin != nil {
		go n.stdinLoop()
	}

	for {
		deadline := n.nextDeadline()
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case err := <-n.errCh:
			timer.Stop()
			return fmt.Errorf("peer: endpoint failed: %w", err)
		case msg := <-n.recvCh:
			timer.Stop()
			n.safeDispatchPacket(msg)
		case line := <-n.lineCh:
			timer.Stop()
			n.safeHandleStdin(line)
		case <-timer.C:
			n.safeFireTimers(n.cfg.Now())
		}
	}
}

func (n *Node) readLoop() {
	for {
		b, addr, err := n.cfg.Endpoint.RecvFrom()
		if err != nil {
			n.errCh <- err
			return
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		n.recvCh <- recvMsg{data: cp, addr: addr}
	}
}

func (n *Node) stdinLoop() {
	scanner := bufio.NewScanner(n.cfg.Stdin)
	for scanner.Scan() {
		n.lineCh <- scanner.Text()
	}
}

// safeDispatchPacket, safeHandleStdin and safeFireTimers implement spec
// §7's "all other exceptions in the event loop body must be caught,
// logged, and the loop must continue."
func (n *Node) safeDispatchPacket(msg recvMsg) {
	defer func() {
		if r := recover(); r != nil {
			n.cfg.Logger.Error().Interface("panic", r).Str("remote", msg.addr.String()).Msg("recovered from panic dispatching packet")
		}
	}()
	n.dispatchPacket(msg.data, msg.addr)
}

func (n *Node) safeHandleStdin(line string) {
	defer func() {
		if r := recover(); r != nil {
			n.cfg.Logger.Error().Interface("panic", r).Str("line", line).Msg("recovered from panic handling stdin")
		}
	}()
	n.handleStdin(line)
}

func (n *Node) safeFireTimers(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			n.cfg.Logger.Error().Interface("panic", r).Msg("recovered from panic firing timers")
		}
	}()
	n.fireTimers(now)
}

func (n *Node) send(addr net.Addr, pkt wire.Packet) {
	b := wire.Encode(pkt)
	if err := n.cfg.Endpoint.SendTo(addr, b); err != nil {
		n.cfg.Logger.Error().Err(err).Str("remote", addr.String()).Msg("send failed")
	}
}

func (n *Node) dispatchPacket(b []byte, addr net.Addr) {
	pkt, err := wire.Decode(b)
	if err != nil {
		n.cfg.Logger.Debug().Err(err).Str("remote", addr.String()).Msg("dropping malformed packet")
		return
	}
	switch pkt.Type {
	case wire.WHOHAS:
		n.handleWhohas(pkt, addr)
	case wire.IHAVE:
		n.handleIhave(pkt, addr)
	case wire.GET:
		n.handleGet(pkt, addr)
	case wire.DATA:
		n.handleData(pkt, addr)
	case wire.ACK:
		n.handleAck(pkt, addr)
	case wire.DENIED:
		n.handleDenied(pkt, addr)
	}
}

// handleWhohas implements spec §4.6 step 3. A flaky simulated channel can
// deliver the same WHOHAS datagram more than once in quick succession;
// this peer answers a given (remote, request) pair at most once per
// dupSuppressTTL, using the go-cache instance held in handshakeCache
// (provisional source assignments live in Job, not in this cache).
// dupSuppressTTL is short enough that
// the requester's own handshakeWindow-spaced retries still get a fresh
// answer each round.
func (n *Node) handleWhohas(pkt wire.Packet, addr net.Addr) {
	requested := wire.DecodeHashes(pkt.Payload)
	have := n.cfg.Store.Intersect(requested)
	if len(have) == 0 {
		return
	}
	dedupeKey := fmt.Sprintf("whohas:%s:%s", addr.String(), wire.HashChunk(pkt.Payload))
	if _, seen := n.handshakeCache.Get(dedupeKey); seen {
		return
	}
	n.handshakeCache.SetDefault(dedupeKey, struct{}{})
	if n.conns.HasUploadCapacity() {
		n.send(addr, wire.Packet{Header: wire.Header{Type: wire.IHAVE}, Payload: wire.EncodeHashes(have)})
	} else {
		n.send(addr, wire.Packet{Header: wire.Header{Type: wire.DENIED}, Payload: wire.EncodeHashes(have)})
	}
}

// handleGet implements spec §4.6's "On GET receipt (responder)" and the
// admission rule of §4.7.
func (n *Node) handleGet(pkt wire.Packet, addr net.Addr) {
	var h wire.Hash
	copy(h[:], pkt.Payload)
	data, ok := n.cfg.Store.Get(h)
	if !ok {
		n.send(addr, wire.Packet{Header: wire.Header{Type: wire.DENIED}, Payload: wire.EncodeHashes([]wire.Hash{h})})
		return
	}
	remote := addr.String()
	if !n.conns.CanAdmitUpload(remote) {
		n.send(addr, wire.Packet{Header: wire.Header{Type: wire.DENIED}, Payload: wire.EncodeHashes([]wire.Hash{h})})
		return
	}
	n.conns.AddUpload(remote, h)
	rtt := n.newRTTEstimator()
	up := NewUpload(h, remote, data, mss, rtt)
	n.uploads[remote] = up
	now := n.cfg.Now()
	if err := up.FillWindow(now, func(seq uint32, payload []byte) error {
		n.sendData(addr, seq, payload)
		return nil
	}); err != nil {
		n.cfg.Logger.Error().Err(err).Str("remote", remote).Msg("fill window failed")
	}
}

func (n *Node) sendData(addr net.Addr, seq uint32, payload []byte) {
	n.send(addr, wire.Packet{Header: wire.Header{Type: wire.DATA, Seq: seq}, Payload: payload})
	if n.cfg.Telemetry != nil {
		n.cfg.Telemetry.AddBytesSent(len(payload))
	}
}

func (n *Node) newRTTEstimator() *congestion.RTTEstimator {
	if n.cfg.FixedRTT > 0 {
		return congestion.NewFixed(n.cfg.FixedRTT)
	}
	return &congestion.RTTEstimator{}
}

// handleData implements spec §4.5.
func (n *Node) handleData(pkt wire.Packet, addr net.Addr) {
	remote := addr.String()
	dl, ok := n.downloads[remote]
	if !ok {
		return
	}
	now := n.cfg.Now()
	if n.cfg.Telemetry != nil {
		n.cfg.Telemetry.AddBytesReceived(len(pkt.Payload))
	}
	ack, complete, data := dl.OnData(pkt.Seq, pkt.Payload, now)
	n.send(addr, wire.Packet{Header: wire.Header{Type: wire.ACK, Ack: ack}})
	if !complete {
		return
	}
	delete(n.downloads, remote)
	n.conns.RemoveDownload(remote)

	if wire.HashChunk(data) != dl.Hash {
		n.cfg.Logger.Warn().Str("remote", remote).Str("hash", dl.Hash.String()).Msg("integrity check failed, re-entering handshake")
		n.reenterHandshake(dl.Hash, remote)
		return
	}
	n.cfg.Store.Put(dl.Hash, data)
	n.completeHash(dl.Hash, data)
}

func (n *Node) completeHash(h wire.Hash, data []byte) {
	job, ok := n.jobByHash[h]
	if !ok {
		return
	}
	job.Complete(h, data)
	delete(n.jobByHash, h)
	if n.cfg.OnProgress != nil {
		n.cfg.OnProgress(job.ID, job.Total-len(job.Outstanding()), job.Total)
	}
	if !job.Pending() {
		n.finishJob(job)
	}
}

func (n *Node) finishJob(job *Job) {
	delete(n.jobs, job.ID)
	if err := n.writeFragment(job); err != nil {
		n.cfg.Logger.Error().Err(err).Str("job", job.ID).Msg("failed to write output fragment")
		fmt.Fprintf(n.cfg.Stdout, "DOWNLOAD FAILED %s: %v\n", job.OutputFile, err)
		return
	}
	fmt.Fprintf(n.cfg.Stdout, "GOT %s\n", job.OutputFile)
}

func (n *Node) writeFragment(job *Job) error {
	return fragfile.WriteFragment(n.cfg.Fs, job.OutputFile, job.Completed())
}

func (n *Node) reenterHandshake(h wire.Hash, deniedSource string) {
	job, ok := n.jobByHash[h]
	if !ok {
		return
	}
	job.Unassign(h, deniedSource)
}

// handleAck implements spec §4.4 step 2.
func (n *Node) handleAck(pkt wire.Packet, addr net.Addr) {
	remote := addr.String()
	up, ok := n.uploads[remote]
	if !ok {
		return
	}
	now := n.cfg.Now()
	event := up.OnAck(pkt.Ack, now)
	if event.FastRetransmit {
		if n.cfg.Telemetry != nil {
			n.cfg.Telemetry.RecordRetransmit("fast")
		}
		up.Retransmit(event.RetransmitSeq, now, func(seq uint32, payload []byte) error {
			n.sendData(addr, seq, payload)
			return nil
		})
	}
	if up.Done() {
		delete(n.uploads, remote)
		n.conns.RemoveUpload(remote)
		return
	}
	if err := up.FillWindow(now, func(seq uint32, payload []byte) error {
		n.sendData(addr, seq, payload)
		return nil
	}); err != nil {
		n.cfg.Logger.Error().Err(err).Str("remote", remote).Msg("fill window failed")
	}
}

// handleIhave implements spec §4.6 step 4.
func (n *Node) handleIhave(pkt wire.Packet, addr net.Addr) {
	remote := addr.String()
	for _, h := range wire.DecodeHashes(pkt.Payload) {
		job, ok := n.jobByHash[h]
		if !ok {
			continue
		}
		if !job.Assign(h, remote) {
			continue // already assigned to an earlier announcer
		}
		if !n.conns.CanStartDownload(remote) {
			job.Unassign(h, remote) // one chunk per peer pair at a time; retry later
			continue
		}
		n.conns.AddDownload(remote, h)
		n.downloads[remote] = NewDownload(h, remote, mss, n.cfg.Now())
		n.send(addr, wire.Packet{Header: wire.Header{Type: wire.GET}, Payload: h[:]})
	}
}

// handleDenied implements spec §7's "DENIED received during handshake".
// A DENIED can arrive after handleIhave has already committed a download
// slot and sent GET (the normal admission race: the responder had
// capacity when it answered WHOHAS but filled it before GET arrived).
// That in-flight download must be torn down here too, or the freed
// source stays wrongly marked busy until CheckStall eventually reaps it
// (spec §7's "try another IHAVE source", spec §4.7).
func (n *Node) handleDenied(pkt wire.Packet, addr net.Addr) {
	remote := addr.String()
	for _, h := range wire.DecodeHashes(pkt.Payload) {
		if dl, ok := n.downloads[remote]; ok && dl.Hash == h {
			delete(n.downloads, remote)
			n.conns.RemoveDownload(remote)
		}
		if job, ok := n.jobByHash[h]; ok {
			job.Unassign(h, remote)
		}
	}
}

// handleStdin implements spec §6.7 / §4.8 step 4.
func (n *Node) handleStdin(line string) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "DOWNLOAD" {
		return
	}
	chunkFile, outputFile := fields[1], fields[2]

	hashes, err := fragfile.LoadChunkhashes(n.cfg.Fs, chunkFile)
	if err != nil {
		n.cfg.Logger.Error().Err(err).Str("file", chunkFile).Msg("failed to load chunkhash file")
		fmt.Fprintf(n.cfg.Stdout, "DOWNLOAD FAILED %s: %v\n", outputFile, err)
		return
	}

	missing := n.cfg.Store.Missing(hashes)
	have := n.cfg.Store.Intersect(hashes)
	id := uuid.NewString()
	job := NewJob(id, chunkFile, outputFile, missing, n.cfg.Now())
	for _, h := range have {
		data, _ := n.cfg.Store.Get(h)
		job.Complete(h, data)
	}
	if !job.Pending() {
		n.finishJob(job)
		return
	}
	n.jobs[id] = job
	for _, h := range missing {
		n.jobByHash[h] = job
	}
	n.cfg.Logger.Info().Str("job", id).Int("missing", len(missing)).Msg("starting download")
	n.broadcastWhohas(job, missing)
}

func (n *Node) broadcastWhohas(job *Job, hashes []wire.Hash) {
	max := wire.MaxHashesPerPacket()
	for start := 0; start < len(hashes); start += max {
		end := start + max
		if end > len(hashes) {
			end = len(hashes)
		}
		payload := wire.EncodeHashes(hashes[start:end])
		for _, id := range n.cfg.Roster.Others() {
			addr, ok := n.cfg.Roster.Addr(id)
			if !ok {
				continue
			}
			n.send(addr, wire.Packet{Header: wire.Header{Type: wire.WHOHAS}, Payload: payload})
		}
	}
}

// fireTimers implements spec §4.8 step 5.
func (n *Node) fireTimers(now time.Time) {
	for remote, up := range n.uploads {
		deadline, running := up.Deadline()
		if !running || now.Before(deadline) {
			continue
		}
		addr := n.mustResolve(remote)
		seq, abandon := up.OnTimeout(now)
		if abandon {
			n.cfg.Logger.Warn().Str("remote", remote).Msg("abandoning unresponsive upload")
			delete(n.uploads, remote)
			n.conns.RemoveUpload(remote)
			continue
		}
		if n.cfg.Telemetry != nil {
			n.cfg.Telemetry.RecordRetransmit("timeout")
		}
		up.Retransmit(seq, now, func(seq uint32, payload []byte) error {
			n.sendData(addr, seq, payload)
			return nil
		})
	}

	for remote, dl := range n.downloads {
		if !dl.CheckStall(now, stallTimeout) {
			continue
		}
		n.cfg.Logger.Warn().Str("remote", remote).Str("hash", dl.Hash.String()).Msg("download stalled, re-entering handshake")
		delete(n.downloads, remote)
		n.conns.RemoveDownload(remote)
		n.reenterHandshake(dl.Hash, remote)
	}

	for _, job := range n.jobs {
		if !job.DueForRetry(now) {
			continue
		}
		unassigned := job.Unassigned()
		if !job.RetryOrFail(now) {
			n.failJob(job)
			continue
		}
		n.broadcastWhohas(job, unassigned)
	}

	if n.cfg.Telemetry != nil {
		snaps := make([]telemetry.UploadSnapshot, 0, len(n.uploads))
		for remote, up := range n.uploads {
			snaps = append(snaps, telemetry.UploadSnapshot{Remote: remote, Cwnd: up.Cwnd(), Ssthresh: up.Ssthresh()})
		}
		n.cfg.Telemetry.Publish(snaps, len(n.downloads))
	}
}

func (n *Node) failJob(job *Job) {
	delete(n.jobs, job.ID)
	var result *multierror.Error
	for _, h := range job.Outstanding() {
		delete(n.jobByHash, h)
		result = multierror.Append(result, fmt.Errorf("hash %s: no source found", h))
	}
	fmt.Fprintf(n.cfg.Stdout, "DOWNLOAD FAILED %s: %v\n", job.OutputFile, result)
}

func (n *Node) mustResolve(remote string) net.Addr {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return &net.UDPAddr{}
	}
	return addr
}

// nextDeadline computes the minimum over every active timer and a
// default poll interval, per spec §4.8 step 1.
func (n *Node) nextDeadline() time.Time {
	now := n.cfg.Now()
	next := now.Add(pollInterval)
	for _, up := range n.uploads {
		if deadline, running := up.Deadline(); running && deadline.Before(next) {
			next = deadline
		}
	}
	for _, dl := range n.downloads {
		if deadline := dl.Deadline(stallTimeout); deadline.Before(next) {
			next = deadline
		}
	}
	for _, job := range n.jobs {
		if deadline := job.NextDeadline(); deadline.Before(next) {
			next = deadline
		}
	}
	return next
}
