package peer

import (
	"time"

	"peerd/internal/congestion"
	"peerd/internal/wire"
)

// sentPacket records when a DATA packet went out and whether it was a
// retransmission, so the RTT estimator can honor Karn's rule.
type sentPacket struct {
	sentAt        time.Time
	retransmitted bool
}

// AckEvent reports what an incoming ACK did to an Upload's state, so the
// caller (Node) knows whether to fire a retransmit.
type AckEvent struct {
	NewAck         bool
	FastRetransmit bool
	RetransmitSeq  uint32
}

// Upload is the per-upload sender engine of spec §4.4: a sliding window
// over a chunk's MSS-sized DATA packets, driven entirely by FillWindow,
// OnAck, OnTimeout and Deadline — Node calls these from the event loop and
// never reaches into Upload's fields directly.
type Upload struct {
	Hash   wire.Hash
	Remote string
	data   []byte
	mss    int
	n      uint32

	base    uint32
	nextSeq uint32

	reno *congestion.Reno
	rtt  *congestion.RTTEstimator

	inFlight map[uint32]sentPacket

	consecutiveTimeouts int
	deadline            time.Time
	timerRunning        bool
}

// NewUpload starts a fresh sender for data (exactly wire.ChunkSize bytes)
// addressed to remote. rtt is shared with nothing else — one per upload,
// per spec §3's UploadState.
func NewUpload(hash wire.Hash, remote string, data []byte, mss int, rtt *congestion.RTTEstimator) *Upload {
	return &Upload{
		Hash:     hash,
		Remote:   remote,
		data:     data,
		mss:      mss,
		n:        wire.NumPackets(mss),
		base:     1,
		nextSeq:  1,
		reno:     congestion.NewReno(),
		rtt:      rtt,
		inFlight: make(map[uint32]sentPacket),
	}
}

// Done reports whether every packet has been cumulatively ACKed (spec
// §4.4 step 4: base > N).
func (u *Upload) Done() bool { return u.base > u.n }

func (u *Upload) payloadFor(seq uint32) []byte {
	start := int(seq-1) * u.mss
	end := start + u.mss
	if end > len(u.data) {
		end = len(u.data)
	}
	return u.data[start:end]
}

// FillWindow sends new DATA packets while the window admits more and
// payload remains, per spec §4.4 step 1.
func (u *Upload) FillWindow(now time.Time, send func(seq uint32, payload []byte) error) error {
	for u.nextSeq-u.base < uint32(u.reno.EffectiveWindow()) && u.nextSeq <= u.n {
		if err := send(u.nextSeq, u.payloadFor(u.nextSeq)); err != nil {
			return err
		}
		u.inFlight[u.nextSeq] = sentPacket{sentAt: now}
		if !u.timerRunning {
			u.deadline = now.Add(u.rtt.Timeout())
			u.timerRunning = true
		}
		u.nextSeq++
	}
	return nil
}

// OnAck applies spec §4.4 step 2. The sender's "ack_num > base" test is
// read here as "ack_num >= base": base names the oldest packet still
// awaiting acknowledgment, and the receiver's first ACK for that very
// packet (ack_num == base) is exactly the progress the spec intends to
// recognize — treating it as anything but new-ack would mean the window
// could never advance past its first packet.
func (u *Upload) OnAck(ackNum uint32, now time.Time) AckEvent {
	if ackNum >= u.base {
		if sp, ok := u.inFlight[ackNum]; ok && !sp.retransmitted {
			u.rtt.Sample(now.Sub(sp.sentAt))
		}
		for seq := u.base; seq <= ackNum; seq++ {
			delete(u.inFlight, seq)
		}
		newlyAcked := int(ackNum-u.base) + 1
		u.base = ackNum + 1
		u.reno.OnNewCumulativeAck(newlyAcked)
		u.consecutiveTimeouts = 0
		if len(u.inFlight) > 0 {
			u.deadline = now.Add(u.rtt.Timeout())
			u.timerRunning = true
		} else {
			u.timerRunning = false
		}
		return AckEvent{NewAck: true}
	}
	if ackNum == u.base-1 {
		if u.reno.OnDuplicateAck() {
			return AckEvent{FastRetransmit: true, RetransmitSeq: u.base}
		}
	}
	return AckEvent{}
}

// OnTimeout applies spec §4.4 step 3 and §5's unresponsive-peer bound. It
// reports the sequence to retransmit and whether the upload should be
// abandoned (5th consecutive timeout with no ACK progress).
func (u *Upload) OnTimeout(now time.Time) (retransmitSeq uint32, abandon bool) {
	if !u.timerRunning {
		return 0, false
	}
	u.reno.OnTimeout()
	u.consecutiveTimeouts++
	if u.consecutiveTimeouts >= maxConsecutiveTimeouts {
		return u.base, true
	}
	u.deadline = now.Add(u.rtt.Timeout())
	return u.base, false
}

// Retransmit resends the packet at seq, marking it so OnAck won't sample
// RTT from it (Karn's rule).
func (u *Upload) Retransmit(seq uint32, now time.Time, send func(seq uint32, payload []byte) error) error {
	if err := send(seq, u.payloadFor(seq)); err != nil {
		return err
	}
	u.inFlight[seq] = sentPacket{sentAt: now, retransmitted: true}
	if !u.timerRunning {
		u.deadline = now.Add(u.rtt.Timeout())
		u.timerRunning = true
	}
	return nil
}

// Deadline returns the current retransmission deadline, if the timer is
// running.
func (u *Upload) Deadline() (time.Time, bool) { return u.deadline, u.timerRunning }

// Cwnd and Ssthresh expose the congestion state for metrics/tests.
func (u *Upload) Cwnd() float64  { return u.reno.Cwnd() }
func (u *Upload) Ssthresh() int  { return u.reno.Ssthresh() }
func (u *Upload) InFlight() int  { return len(u.inFlight) }
func (u *Upload) Base() uint32   { return u.base }
func (u *Upload) NextSeq() uint32 { return u.nextSeq }
