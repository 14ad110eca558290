// Package meter converts a raw byte-arrival stream into a true overall
// average and a human-stable display rate.
//
// The meter has three layers: an accumulator fed by workers as bytes are
// confirmed transferred, a windowed estimator that computes the rate over a
// trailing interval rather than from phase start, and an asymmetric
// exponential smoother for display. The final reported number always comes
// from Finish, never from the smoothed display value.
package meter

import (
	"sync/atomic"
	"time"

	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

const ringMask = spec.RingSize - 1

type sample struct {
	t   time.Time
	cum int64
}

// Meter measures the throughput of one phase. A Meter must not be reused
// across phases. AddBytes is safe for concurrent use; Tick and Finish must
// be called from a single goroutine.
type Meter struct {
	now   func() time.Time
	start time.Time
	phase time.Duration

	bytes     atomic.Int64
	firstByte atomic.Int64 // UnixNano of the first confirmed byte, 0 if none

	ring  [spec.RingSize]sample
	count int

	smoothed float64
}

// New returns a Meter for a phase of the given expected duration. The clock
// starts immediately.
func New(phase time.Duration) *Meter {
	return NewWithClock(phase, time.Now)
}

// NewWithClock is like New but uses the provided clock. Used by tests.
func NewWithClock(phase time.Duration, now func() time.Time) *Meter {
	return &Meter{
		now:   now,
		start: now(),
		phase: phase,
	}
}

// AddBytes records n bytes as confirmed transferred. It is the only write
// path into the meter and must be called at the point bytes are known to
// have crossed the network, never at buffer-enqueue time.
func (m *Meter) AddBytes(n int) {
	if n <= 0 {
		return
	}
	if m.firstByte.Load() == 0 {
		m.firstByte.CompareAndSwap(0, m.now().UnixNano())
	}
	m.bytes.Add(int64(n))
}

// TotalBytes returns the number of bytes confirmed so far.
func (m *Meter) TotalBytes() int64 {
	return m.bytes.Load()
}

// Tick inserts a sample and returns the smoothed display rate in Mbps.
// Output below a small epsilon is floored to zero to avoid flicker during
// brief stalls.
func (m *Meter) Tick() float64 {
	now := m.now()
	cum := m.bytes.Load()

	m.ring[m.count&ringMask] = sample{t: now, cum: cum}
	m.count++

	// Walk back to the oldest sample still within the lookback window.
	oldest := m.ring[(m.count-1)&ringMask]
	span := m.count
	if span > spec.RingSize {
		span = spec.RingSize
	}
	for i := 1; i < span; i++ {
		s := m.ring[(m.count-1-i)&ringMask]
		if now.Sub(s.t) > spec.WindowLookback {
			break
		}
		oldest = s
	}

	var raw float64
	dt := now.Sub(oldest.t).Seconds()
	if dt > 0 {
		raw = float64(cum-oldest.cum) * 8 / dt / 1e6
	}

	m.smoothed += m.alpha(now, raw, dt) * (raw - m.smoothed)
	if m.smoothed < spec.DisplayEpsilonMbps {
		return 0
	}
	return m.smoothed
}

// alpha computes the smoothing coefficient for this tick: asymmetric on
// rise/fall, decaying over the expected phase duration, and blended from a
// cold-start coefficient while the window is still filling.
func (m *Meter) alpha(now time.Time, raw, windowSpan float64) float64 {
	a := spec.FallAlpha
	if raw > m.smoothed {
		a = spec.RiseAlpha
	}

	frac := now.Sub(m.start).Seconds() / m.phase.Seconds()
	if frac > 1 {
		frac = 1
	}
	a *= 1 - (1-spec.AlphaDecayFloor)*frac

	coverage := windowSpan / spec.WindowLookback.Seconds()
	if coverage > 1 {
		coverage = 1
	}
	return spec.ColdStartAlpha*(1-coverage) + a*coverage
}

// Finish stops the clock and returns the true mathematical average in Mbps,
// computed from total bytes over the time elapsed since the first confirmed
// byte. This is the authoritative final number; the smoothed value is for
// live display only.
func (m *Meter) Finish() float64 {
	fb := m.firstByte.Load()
	if fb == 0 {
		return 0
	}
	elapsed := m.now().Sub(time.Unix(0, fb)).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.bytes.Load()) * 8 / elapsed / 1e6
}
