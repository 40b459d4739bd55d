package peer

import (
	"testing"
	"time"

	"peerd/internal/congestion"
	"peerd/internal/wire"
)

func testChunk() []byte {
	data := make([]byte, wire.ChunkSize)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestUploadFillWindowRespectsCwnd(t *testing.T) {
	u := NewUpload(wire.HashChunk(testChunk()), "peer:1", testChunk(), mss, &congestion.RTTEstimator{})
	now := time.Unix(0, 0)
	var sent []uint32
	err := u.FillWindow(now, func(seq uint32, payload []byte) error {
		sent = append(sent, seq)
		return nil
	})
	if err != nil {
		t.Fatalf("FillWindow: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("sent %d packets, want 1 (cwnd starts at 1.0)", len(sent))
	}
	if sent[0] != 1 {
		t.Fatalf("first packet seq = %d, want 1", sent[0])
	}
}

func TestUploadOnAckAdvancesBaseAndGrowsWindow(t *testing.T) {
	u := NewUpload(wire.HashChunk(testChunk()), "peer:1", testChunk(), mss, &congestion.RTTEstimator{})
	now := time.Unix(0, 0)
	u.FillWindow(now, func(seq uint32, payload []byte) error { return nil })

	event := u.OnAck(1, now.Add(10*time.Millisecond))
	if !event.NewAck {
		t.Fatal("expected NewAck for ack_num == base")
	}
	if u.Base() != 2 {
		t.Fatalf("base = %d, want 2", u.Base())
	}
	var sent []uint32
	u.FillWindow(now, func(seq uint32, payload []byte) error {
		sent = append(sent, seq)
		return nil
	})
	if len(sent) != 2 {
		t.Fatalf("sent %d packets after growth, want 2 (cwnd should now be 2.0)", len(sent))
	}
}

func TestUploadDuplicateAckFastRetransmit(t *testing.T) {
	u := NewUpload(wire.HashChunk(testChunk()), "peer:1", testChunk(), mss, &congestion.RTTEstimator{})
	now := time.Unix(0, 0)
	// Drive cwnd up so there is a base-1 ack value to duplicate against.
	for i := 0; i < 5; i++ {
		u.FillWindow(now, func(seq uint32, payload []byte) error { return nil })
		u.OnAck(u.Base(), now)
	}
	base := u.Base()
	u.FillWindow(now, func(seq uint32, payload []byte) error { return nil })

	var fast bool
	for i := 0; i < 3; i++ {
		ev := u.OnAck(base-1, now)
		if ev.FastRetransmit {
			fast = true
			if ev.RetransmitSeq != base {
				t.Fatalf("RetransmitSeq = %d, want %d", ev.RetransmitSeq, base)
			}
		}
	}
	if !fast {
		t.Fatal("expected fast retransmit on 3rd duplicate ACK")
	}

	// A 4th duplicate for the same ACK value must not fire again.
	if ev := u.OnAck(base-1, now); ev.FastRetransmit {
		t.Fatal("fast retransmit fired twice for the same ACK value")
	}
}

func TestUploadTimeoutAbandonsAfterFiveStrikes(t *testing.T) {
	u := NewUpload(wire.HashChunk(testChunk()), "peer:1", testChunk(), mss, congestion.NewFixed(10*time.Millisecond))
	now := time.Unix(0, 0)
	u.FillWindow(now, func(seq uint32, payload []byte) error { return nil })

	var abandon bool
	for i := 0; i < maxConsecutiveTimeouts; i++ {
		_, abandon = u.OnTimeout(now)
	}
	if !abandon {
		t.Fatalf("expected abandon after %d consecutive timeouts", maxConsecutiveTimeouts)
	}
}

func TestUploadDone(t *testing.T) {
	data := make([]byte, wire.ChunkSize)
	u := NewUpload(wire.HashChunk(data), "peer:1", data, mss, &congestion.RTTEstimator{})
	if u.Done() {
		t.Fatal("fresh upload should not be done")
	}
	u.OnAck(u.n, time.Unix(0, 0))
	if !u.Done() {
		t.Fatal("expected Done() once base exceeds N")
	}
}
