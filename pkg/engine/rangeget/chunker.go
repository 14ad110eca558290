package rangeget

import (
	"errors"
	"os"
	"time"

	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

// chunker is the per-worker chunk-size control loop: chunk size doubles when
// a request completed unusually fast and halves when it took unusually long,
// keeping request latency in a target band regardless of link speed.
type chunker struct {
	size int64
	min  int64
	max  int64
	fast time.Duration
	slow time.Duration
}

func newChunker() *chunker {
	return &chunker{
		size: spec.InitialChunkSize,
		min:  spec.MinChunkSize,
		max:  spec.MaxChunkSize,
		fast: spec.FastRequestThreshold,
		slow: spec.SlowRequestThreshold,
	}
}

// Size returns the chunk size to use for the next request.
func (c *chunker) Size() int64 {
	return c.size
}

// observeTimeout feeds a request that died on its I/O deadline into the
// control loop. A timed-out request produces no response, but its elapsed
// time is known to exceed the slow threshold, so the chunk size must still
// shrink or the worker keeps asking for chunks the link cannot carry.
func observeTimeout(c *chunker, start time.Time, err error) {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		c.Observe(time.Since(start))
	}
}

// Observe feeds one completed request's duration into the control loop.
func (c *chunker) Observe(d time.Duration) {
	switch {
	case d < c.fast:
		c.size *= 2
		if c.size > c.max {
			c.size = c.max
		}
	case d > c.slow:
		c.size /= 2
		if c.size < c.min {
			c.size = c.min
		}
	}
}
