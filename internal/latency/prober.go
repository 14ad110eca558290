// Package latency measures round-trip latency and jitter against an HTTP
// target by timing a paced sequence of small requests.
package latency

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

// Result holds the outcome of one probe sequence. Ping is the minimum
// observed round-trip time; Jitter is the mean absolute difference between
// consecutive round-trip times.
type Result struct {
	PingMs   float64
	JitterMs float64
	RTTsMs   []float64
}

// Prober sends paced latency probes over a keep-alive HTTP client. After a
// discarded warm-up request every probe reuses the same connection, so the
// timed interval approximates a single request round trip rather than a
// connection handshake.
type Prober struct {
	client  *http.Client
	limiter *rate.Limiter
	count   int
}

// NewProber returns a Prober with the default probe count and rate.
func NewProber() *Prober {
	return &Prober{
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(spec.ProbesPerSecond), 1),
		count:   spec.ProbeCount,
	}
}

// Probe runs the probe sequence against url and returns the aggregate
// result. Individual failed probes are skipped; it is an error for every
// probe to fail.
func (p *Prober) Probe(ctx context.Context, url string) (*Result, error) {
	// Warm-up request to establish the connection. Its timing is discarded.
	if err := p.probeOnce(ctx, url, nil); err != nil {
		return nil, fmt.Errorf("latency warm-up failed: %w", err)
	}

	rtts := make([]float64, 0, p.count)
	for i := 0; i < p.count; i++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var rtt float64
		if err := p.probeOnce(ctx, url, &rtt); err != nil {
			log.Debug("latency probe failed", "seq", i, "error", err)
			continue
		}
		rtts = append(rtts, rtt)
	}
	if len(rtts) == 0 {
		return nil, fmt.Errorf("all %d latency probes failed", p.count)
	}
	return summarize(rtts), nil
}

// probeOnce issues one HEAD request and, when rtt is non-nil, stores the
// observed round-trip time in milliseconds.
func (p *Prober) probeOnce(ctx context.Context, url string, rtt *float64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if rtt != nil {
		*rtt = float64(time.Since(start).Microseconds()) / 1000
	}
	return nil
}

func summarize(rtts []float64) *Result {
	min := math.Inf(1)
	for _, r := range rtts {
		if r < min {
			min = r
		}
	}
	var jitter float64
	if len(rtts) > 1 {
		for i := 1; i < len(rtts); i++ {
			jitter += math.Abs(rtts[i] - rtts[i-1])
		}
		jitter /= float64(len(rtts) - 1)
	}
	return &Result{
		PingMs:   min,
		JitterMs: jitter,
		RTTsMs:   rtts,
	}
}
