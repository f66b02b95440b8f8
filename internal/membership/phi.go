package membership

import (
	"math"
	"sync"
	"time"
)

// phiWindowSize bounds how many recent heartbeat inter-arrival samples a
// detector keeps; old samples age out so the estimate tracks current
// network conditions rather than the peer's entire history.
const phiWindowSize = 200

// minStdDeviation floors the sample standard deviation so that a peer with
// an almost perfectly regular heartbeat (variance near zero) doesn't cause
// phi to blow up to infinity the instant a heartbeat is a millisecond late.
const minStdDeviation = 10 * time.Millisecond

// PhiDetector estimates, from the inter-arrival times of a single peer's
// heartbeats, a suspicion level phi such that a heartbeat exactly as late as
// the mean interval gives phi = -log10(0.5), about 0.3, growing roughly
// exponentially as a heartbeat is later than every sample yet observed. It implements the accrual failure detector of
// Hayashibara et al., adapted to keep only a bounded window of samples.
type PhiDetector struct {
	mu sync.Mutex

	intervals     []float64 // milliseconds, oldest first
	lastHeartbeat time.Time
}

// NewPhiDetector returns a detector with no observations yet; Phi returns 0
// until at least two heartbeats (one inter-arrival interval) have been
// recorded.
func NewPhiDetector() *PhiDetector {
	return &PhiDetector{}
}

// HeartbeatObserved records a heartbeat arriving at now, updating the
// inter-arrival sample window.
func (d *PhiDetector) HeartbeatObserved(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastHeartbeat.IsZero() {
		interval := float64(now.Sub(d.lastHeartbeat).Milliseconds())
		d.intervals = append(d.intervals, interval)
		if len(d.intervals) > phiWindowSize {
			d.intervals = d.intervals[1:]
		}
	}

	d.lastHeartbeat = now
}

// Phi returns the current suspicion level as of now, given the elapsed time
// since the last recorded heartbeat. A freshly constructed detector (no
// heartbeats yet) returns 0 -- "not yet suspicious", since there's no
// baseline to compare against.
func (d *PhiDetector) Phi(now time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastHeartbeat.IsZero() || len(d.intervals) == 0 {
		return 0
	}

	mean, stddev := meanStdDev(d.intervals)
	if stddev < float64(minStdDeviation.Milliseconds()) {
		stddev = float64(minStdDeviation.Milliseconds())
	}

	elapsed := float64(now.Sub(d.lastHeartbeat).Milliseconds())

	// P(elapsed) under a normal distribution N(mean, stddev); phi is
	// -log10 of the probability that a sample this late would still
	// occur, so phi grows as the heartbeat becomes more of an outlier.
	y := (elapsed - mean) / stddev
	prob := 1 - 0.5*math.Erfc(-y/math.Sqrt2)
	if prob <= 0 {
		return math.Inf(1)
	}

	return -math.Log10(prob)
}

func meanStdDev(samples []float64) (mean, stddev float64) {
	n := float64(len(samples))

	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean = sum / n

	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= n

	return mean, math.Sqrt(variance)
}
