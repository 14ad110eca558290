package meter_test

import (
	"math"
	"testing"
	"time"

	"github.com/cdnprobe/cdnprobe/internal/meter"
	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

// fakeClock is a manually advanced clock for deterministic meter tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestMeter_FinishAveragesFromFirstByte(t *testing.T) {
	clk := newFakeClock()
	m := meter.NewWithClock(10*time.Second, clk.now)

	// The phase clock runs for 5 seconds before the first byte arrives.
	// That idle time must not dilute the average.
	clk.advance(5 * time.Second)
	m.AddBytes(12_500_000) // 12.5 MB
	clk.advance(10 * time.Second)

	got := m.Finish()
	want := 10.0 // 12.5 MB * 8 / 10 s = 10 Mbps
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Finish() = %v Mbps, want %v", got, want)
	}
}

func TestMeter_FinishIndependentOfChunking(t *testing.T) {
	run := func(addsPerStep int) float64 {
		clk := newFakeClock()
		m := meter.NewWithClock(10*time.Second, clk.now)
		per := 1_000_000 / addsPerStep
		for i := 0; i < 20; i++ {
			for j := 0; j < addsPerStep; j++ {
				m.AddBytes(per)
			}
			clk.advance(100 * time.Millisecond)
		}
		return m.Finish()
	}

	coarse := run(1)
	fine := run(1000)
	if math.Abs(coarse-fine) > 1e-9 {
		t.Errorf("Finish differs with update granularity: %v vs %v Mbps", coarse, fine)
	}
}

func TestMeter_FinishWithoutBytesIsZero(t *testing.T) {
	clk := newFakeClock()
	m := meter.NewWithClock(10*time.Second, clk.now)
	clk.advance(10 * time.Second)
	if got := m.Finish(); got != 0 {
		t.Errorf("Finish() with no bytes = %v, want 0", got)
	}
}

func TestMeter_TickConvergesWithoutOvershoot(t *testing.T) {
	clk := newFakeClock()
	m := meter.NewWithClock(15*time.Second, clk.now)

	// 250 KB every 200 ms is a steady 10 Mbps.
	const want = 10.0
	var last float64
	for i := 0; i < 30; i++ {
		clk.advance(200 * time.Millisecond)
		m.AddBytes(250_000)
		last = m.Tick()
		if last > want*1.001 {
			t.Fatalf("tick %d: smoothed rate %v overshot steady rate %v", i, last, want)
		}
	}
	if math.Abs(last-want) > want*0.02 {
		t.Errorf("smoothed rate after steady input = %v, want within 2%% of %v", last, want)
	}
}

func TestMeter_TickFloorsToZeroAfterStall(t *testing.T) {
	clk := newFakeClock()
	m := meter.NewWithClock(15*time.Second, clk.now)

	for i := 0; i < 10; i++ {
		clk.advance(200 * time.Millisecond)
		m.AddBytes(250_000)
		m.Tick()
	}

	// Stall: no bytes for well past the lookback window. The smoothed rate
	// must decay to the epsilon floor and display as exactly zero.
	var got float64
	for i := 0; i < 60; i++ {
		clk.advance(200 * time.Millisecond)
		got = m.Tick()
	}
	if got != 0 {
		t.Errorf("Tick() after long stall = %v, want 0", got)
	}
}

func TestMeter_WindowIgnoresOldBurst(t *testing.T) {
	clk := newFakeClock()
	m := meter.NewWithClock(15*time.Second, clk.now)

	// A large early burst, then silence. Once the burst sample ages out of
	// the lookback window the raw rate is zero, so the next tick must pull
	// the display down rather than hold the stale high value.
	m.Tick() // baseline sample
	m.AddBytes(100_000_000)
	clk.advance(100 * time.Millisecond)
	peak := m.Tick()
	if peak == 0 {
		t.Fatal("burst tick reported zero")
	}

	clk.advance(spec.WindowLookback + time.Second)
	decayed := m.Tick()
	if decayed >= peak {
		t.Errorf("rate did not decay after burst left the window: peak=%v now=%v", peak, decayed)
	}
}

func TestMeter_TotalBytes(t *testing.T) {
	clk := newFakeClock()
	m := meter.NewWithClock(time.Second, clk.now)
	m.AddBytes(100)
	m.AddBytes(0)  // ignored
	m.AddBytes(-5) // ignored
	m.AddBytes(23)
	if got := m.TotalBytes(); got != 123 {
		t.Errorf("TotalBytes() = %d, want 123", got)
	}
}
