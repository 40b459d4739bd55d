package congestion

import "math"

// Phase is one of the two states of Reno growth (spec §4.3).
type Phase int

const (
	SlowStart Phase = iota
	CongestionAvoidance
)

func (p Phase) String() string {
	if p == CongestionAvoidance {
		return "congestion_avoidance"
	}
	return "slow_start"
}

const initialSsthresh = 64

// Reno is the per-upload Reno congestion window state machine. A zero
// value is not ready to use; call NewReno.
type Reno struct {
	cwnd     float64
	ssthresh int
	phase    Phase

	dupAcks             int
	fastRetransmitFired bool
}

// NewReno returns a fresh controller: cwnd=1, ssthresh=64, slow_start.
func NewReno() *Reno {
	return &Reno{cwnd: 1.0, ssthresh: initialSsthresh, phase: SlowStart}
}

// Cwnd returns the raw (fractional) congestion window.
func (r *Reno) Cwnd() float64 { return r.cwnd }

// EffectiveWindow returns floor(cwnd), the value admission decisions use.
func (r *Reno) EffectiveWindow() int {
	w := int(math.Floor(r.cwnd))
	if w < 1 {
		return 1
	}
	return w
}

// Ssthresh returns the current slow-start threshold.
func (r *Reno) Ssthresh() int { return r.ssthresh }

// PhaseState returns the current growth phase.
func (r *Reno) PhaseState() Phase { return r.phase }

// OnNewCumulativeAck advances state for a cumulative ACK that moved the
// window base forward by newlyAcked packets (newlyAcked >= 1). It clears
// the duplicate-ACK counter and the fast-retransmit guard for this base.
func (r *Reno) OnNewCumulativeAck(newlyAcked int) {
	for i := 0; i < newlyAcked; i++ {
		switch r.phase {
		case SlowStart:
			r.cwnd += 1.0
			if r.cwnd >= float64(r.ssthresh) {
				r.phase = CongestionAvoidance
			}
		case CongestionAvoidance:
			r.cwnd += 1.0 / math.Floor(r.cwnd)
		}
	}
	r.dupAcks = 0
	r.fastRetransmitFired = false
}

// OnDuplicateAck records one duplicate ACK (same cumulative value as the
// previous one). It returns true exactly once per loss event: when the
// count reaches 3 and no fast retransmit has fired yet for this ACK
// value. Halves ssthresh and resets cwnd to 1 on that transition.
func (r *Reno) OnDuplicateAck() (fastRetransmit bool) {
	r.dupAcks++
	if r.dupAcks == 3 && !r.fastRetransmitFired {
		r.halveAndReset()
		r.fastRetransmitFired = true
		return true
	}
	return false
}

// OnTimeout applies the Reno loss response for a retransmission timeout:
// halve ssthresh, reset cwnd to 1, restart slow start, and clear the
// duplicate-ACK bookkeeping so a fresh fast-retransmit cycle can occur.
func (r *Reno) OnTimeout() {
	r.halveAndReset()
	r.dupAcks = 0
	r.fastRetransmitFired = false
}

func (r *Reno) halveAndReset() {
	half := int(math.Floor(r.cwnd / 2))
	if half < 2 {
		half = 2
	}
	r.ssthresh = half
	r.cwnd = 1.0
	r.phase = SlowStart
}
