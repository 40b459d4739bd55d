package peer

import (
	"time"

	"peerd/internal/wire"
)

// Download is the per-download receiver engine of spec §4.5: a
// cumulative-ACK, Go-Back-N-style reassembler. Node drives it entirely
// through OnData and CheckStall.
type Download struct {
	Hash   wire.Hash
	Source string
	n      uint32

	expected uint32 // E in spec §4.5, the next seq this download wants
	buf      []byte
	Status   DownloadStatus

	startedAt    time.Time
	lastProgress time.Time
	stalls       int
}

// NewDownload starts a fresh receiver for hash from source.
func NewDownload(hash wire.Hash, source string, mss int, now time.Time) *Download {
	return &Download{
		Hash:         hash,
		Source:       source,
		n:            wire.NumPackets(mss),
		expected:     1,
		buf:          make([]byte, 0, wire.ChunkSize),
		Status:       StatusTransferring,
		startedAt:    now,
		lastProgress: now,
	}
}

// OnData applies spec §4.5's three cases and returns the ACK number to
// send, whether the chunk is now fully reassembled, and (only when
// complete) the reassembled bytes.
func (d *Download) OnData(seq uint32, payload []byte, now time.Time) (ackNum uint32, complete bool, data []byte) {
	if seq == d.expected {
		d.buf = append(d.buf, payload...)
		d.lastProgress = now
		d.stalls = 0
		ack := seq
		d.expected++
		if d.expected > d.n {
			return ack, true, d.buf
		}
		return ack, false, nil
	}
	// seq < expected (already-seen duplicate) or seq > expected
	// (out-of-order, discarded under Go-Back-N): both cases duplicate-ACK
	// the last in-order packet, which is exactly what drives the sender's
	// fast retransmit.
	if d.expected == 0 {
		return 0, false, nil
	}
	return d.expected - 1, false, nil
}

// CheckStall reports whether no forward progress has been made for
// longer than stallTimeout, counting toward the same 5-strikes
// unresponsive-peer bound spec §5 applies to the sender side. Each call
// that detects a stall also resets the progress clock, so strikes
// accumulate once per stallTimeout interval rather than once per poll.
func (d *Download) CheckStall(now time.Time, stallTimeout time.Duration) (abandon bool) {
	if now.Sub(d.lastProgress) < stallTimeout {
		return false
	}
	d.lastProgress = now
	d.stalls++
	return d.stalls >= maxConsecutiveTimeouts
}

// Deadline returns when this download should next be checked for stall.
func (d *Download) Deadline(stallTimeout time.Duration) time.Time {
	return d.lastProgress.Add(stallTimeout)
}
