package congestion

import (
	"testing"
	"time"
)

func TestFirstSampleSetsEstimateDirectly(t *testing.T) {
	r := &RTTEstimator{}
	r.Sample(100 * time.Millisecond)
	if r.estimated != 100*time.Millisecond {
		t.Fatalf("estimated = %v, want 100ms", r.estimated)
	}
	if r.dev != 50*time.Millisecond {
		t.Fatalf("dev = %v, want 50ms", r.dev)
	}
}

func TestTimeoutClampedToMin(t *testing.T) {
	r := &RTTEstimator{}
	r.Sample(1 * time.Millisecond)
	if got := r.Timeout(); got != MinTimeout {
		t.Fatalf("Timeout() = %v, want clamped to MinTimeout %v", got, MinTimeout)
	}
}

func TestTimeoutClampedToMax(t *testing.T) {
	r := &RTTEstimator{}
	r.Sample(10 * time.Minute)
	if got := r.Timeout(); got != MaxTimeout {
		t.Fatalf("Timeout() = %v, want clamped to MaxTimeout %v", got, MaxTimeout)
	}
}

func TestFixedEstimatorBypassesSamples(t *testing.T) {
	r := NewFixed(2 * time.Second)
	r.Sample(1 * time.Millisecond)
	r.Sample(5 * time.Second)
	if got := r.Timeout(); got != 2*time.Second {
		t.Fatalf("fixed Timeout() = %v, want 2s regardless of samples", got)
	}
}

func TestTimeoutTracksEWMA(t *testing.T) {
	r := &RTTEstimator{}
	r.Sample(200 * time.Millisecond)
	first := r.Timeout()
	r.Sample(200 * time.Millisecond)
	second := r.Timeout()
	if second >= first {
		t.Fatalf("timeout should shrink toward steady RTT as deviation decays: %v -> %v", first, second)
	}
}
