package rangeget

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

func TestChunker_FastRequestDoubles(t *testing.T) {
	c := newChunker()
	c.Observe(50 * time.Millisecond)
	if got := c.Size(); got != 2*spec.InitialChunkSize {
		t.Errorf("Size after fast request = %d, want %d", got, 2*spec.InitialChunkSize)
	}
}

func TestChunker_SlowRequestHalves(t *testing.T) {
	c := newChunker()
	c.Observe(9 * time.Second)
	if got := c.Size(); got != spec.InitialChunkSize/2 {
		t.Errorf("Size after slow request = %d, want %d", got, spec.InitialChunkSize/2)
	}
}

func TestChunker_InBandUnchanged(t *testing.T) {
	c := newChunker()
	c.Observe(time.Second) // between the fast and slow thresholds
	if got := c.Size(); got != spec.InitialChunkSize {
		t.Errorf("Size after in-band request = %d, want unchanged %d", got, spec.InitialChunkSize)
	}
}

func TestChunker_DeadlineExceededShrinksChunk(t *testing.T) {
	c := newChunker()
	start := time.Now().Add(-10 * time.Second)

	// A request that died on its deadline still counts as a slow request,
	// otherwise the chunk size never shrinks on a link too slow to finish
	// a chunk within the deadline.
	observeTimeout(c, start, fmt.Errorf("read tcp: %w", os.ErrDeadlineExceeded))
	if got := c.Size(); got != spec.InitialChunkSize/2 {
		t.Errorf("Size after timed-out request = %d, want %d", got, spec.InitialChunkSize/2)
	}

	// Other transport errors carry no timing signal and leave the size alone.
	observeTimeout(c, start, errors.New("connection reset by peer"))
	if got := c.Size(); got != spec.InitialChunkSize/2 {
		t.Errorf("Size after non-timeout error = %d, want unchanged %d", got, spec.InitialChunkSize/2)
	}
}

func TestChunker_Bounds(t *testing.T) {
	c := newChunker()
	for i := 0; i < 20; i++ {
		c.Observe(10 * time.Millisecond)
	}
	if got := c.Size(); got != spec.MaxChunkSize {
		t.Errorf("Size after sustained fast requests = %d, want cap %d", got, spec.MaxChunkSize)
	}
	for i := 0; i < 20; i++ {
		c.Observe(time.Minute)
	}
	if got := c.Size(); got != spec.MinChunkSize {
		t.Errorf("Size after sustained slow requests = %d, want floor %d", got, spec.MinChunkSize)
	}
}
