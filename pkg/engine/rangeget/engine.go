// Package rangeget implements the primary measurement strategy: an adaptive
// range-chunked download against a CDN-hosted object, with a tiered upload
// that falls back from POSTing to the target, to raw socket writes, to a
// shared websocket target.
package rangeget

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cdnprobe/cdnprobe/internal/config"
	"github.com/cdnprobe/cdnprobe/internal/httpx"
	"github.com/cdnprobe/cdnprobe/internal/latency"
	"github.com/cdnprobe/cdnprobe/internal/lifecycle"
	"github.com/cdnprobe/cdnprobe/internal/metrics"
	"github.com/cdnprobe/cdnprobe/internal/netx"
	"github.com/cdnprobe/cdnprobe/pkg/probe"
	"github.com/cdnprobe/cdnprobe/pkg/probe/cascade"
	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

// EngineName identifies this engine in configuration and results.
const EngineName = "rangeget"

// Fallback is the guaranteed-available upload target shared across engines,
// used as the last upload tier when the discovered target accepts neither
// POSTs nor raw writes.
type Fallback interface {
	Discover(ctx context.Context) (*probe.Target, error)
	RunUpload(ctx context.Context, lc *lifecycle.Lifecycle, target *probe.Target, onBytes probe.OnBytes) error
}

// Engine is the range-chunked measurement engine.
type Engine struct {
	candidates []config.Candidate
	cascade    *cascade.Cascade
	prober     *latency.Prober
	fallback   Fallback
	userAgent  string
	noVerify   bool

	// chunkIndex is the shared monotonically increasing chunk cursor divided
	// among the download workers.
	chunkIndex atomic.Int64

	mu   sync.Mutex
	meta map[string]string
}

// New returns an Engine probing the given candidates. fallback may be nil,
// in which case the upload phase fails when the first two tiers do.
func New(candidates []config.Candidate, fallback Fallback, userAgent string, noVerify bool) *Engine {
	return &Engine{
		candidates: candidates,
		cascade:    cascade.New(userAgent),
		prober:     latency.NewProber(),
		fallback:   fallback,
		userAgent:  userAgent,
		noVerify:   noVerify,
		meta:       map[string]string{},
	}
}

// Name implements probe.Engine.
func (e *Engine) Name() string { return EngineName }

// Capabilities implements probe.Engine.
func (e *Engine) Capabilities() probe.Capabilities {
	return probe.Capabilities{Discovery: true, LatencyTest: true, Upload: true}
}

// Metadata implements probe.Engine.
func (e *Engine) Metadata() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.meta))
	for k, v := range e.meta {
		out[k] = v
	}
	return out
}

func (e *Engine) setMeta(key, value string) {
	e.mu.Lock()
	e.meta[key] = value
	e.mu.Unlock()
}

// Discover implements probe.Engine by running the discovery cascade over
// the configured candidates.
func (e *Engine) Discover(ctx context.Context) (*probe.Target, error) {
	target, err := e.cascade.Discover(ctx, EngineName, e.candidates)
	if err != nil {
		return nil, err
	}
	if target.Edge != "" {
		e.setMeta("edge", target.Edge)
	}
	return target, nil
}

// MeasureLatency implements probe.Engine.
func (e *Engine) MeasureLatency(ctx context.Context, target *probe.Target) (*probe.LatencyResult, error) {
	res, err := e.prober.Probe(ctx, target.URL)
	if err != nil {
		return nil, err
	}
	return &probe.LatencyResult{PingMs: res.PingMs, JitterMs: res.JitterMs}, nil
}

// dial opens a counted connection to the target and binds a persistent
// transport to it. The socket is registered with the lifecycle before any
// use; if the run is already stopping, dial reports that as errStopping.
func (e *Engine) dial(ctx context.Context, lc *lifecycle.Lifecycle, target *probe.Target) (*httpx.Transport, *netx.Conn, error) {
	conn, inner, err := e.dialRaw(ctx, lc, target)
	if err != nil {
		return nil, nil, err
	}
	return httpx.New(conn, hostnameOf(target), e.userAgent), inner, nil
}

// dialRaw opens a counted connection matching the target scheme, without a
// transport bound to it. The returned net.Conn is the stream to write to
// (the TLS session for https targets); the *netx.Conn is the registered
// counting socket underneath.
func (e *Engine) dialRaw(ctx context.Context, lc *lifecycle.Lifecycle, target *probe.Target) (net.Conn, *netx.Conn, error) {
	if target.Scheme == "https" {
		tlsConn, err := netx.DialTLSContext(ctx, target.Host, hostnameOf(target),
			&tls.Config{InsecureSkipVerify: e.noVerify})
		if err != nil {
			return nil, nil, err
		}
		inner := tlsConn.NetConn().(*netx.Conn)
		if !lc.RegisterSocket(inner) {
			return nil, nil, errStopping
		}
		return tlsConn, inner, nil
	}
	conn, err := netx.DialContext(ctx, target.Host)
	if err != nil {
		return nil, nil, err
	}
	if !lc.RegisterSocket(conn) {
		return nil, nil, errStopping
	}
	return conn, conn, nil
}

var errStopping = fmt.Errorf("run is stopping")

func hostnameOf(target *probe.Target) string {
	host := target.Host
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

// ramp launches phase workers starting at the minimum count and adds more
// on a fixed interval, stopping early once the aggregate measured rate
// indicates the link, not the connection count, is the bottleneck. It
// returns when the run stops.
func (e *Engine) ramp(ctx context.Context, lc *lifecycle.Lifecycle, phase string,
	onBytes probe.OnBytes, worker func(ctx context.Context, onBytes probe.OnBytes) error) error {

	var total atomic.Int64
	counted := func(n int) {
		total.Add(int64(n))
		metrics.PhaseBytes.WithLabelValues(phase).Add(float64(n))
		onBytes(n)
	}

	workers := 0
	launch := func(n int) {
		for i := 0; i < n && workers < spec.MaxWorkers; i++ {
			name := fmt.Sprintf("%s-%d", phase, workers)
			ok := lc.LaunchWorker(name, func() error {
				metrics.ActiveWorkers.Inc()
				defer metrics.ActiveWorkers.Dec()
				return worker(ctx, counted)
			})
			if !ok {
				return
			}
			workers++
		}
	}
	launch(spec.MinWorkers)

	ticker := time.NewTicker(spec.RampInterval)
	defer ticker.Stop()

	var lastTotal int64
	var lastRate float64
	rampDone := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if lc.ShouldStop() {
				return nil
			}
			cur := total.Load()
			rate := float64(cur-lastTotal) / spec.RampInterval.Seconds()
			if !rampDone && lastRate > 0 && rate < lastRate*(1+spec.PlateauFraction) {
				// Adding workers stopped helping: the link is saturated.
				rampDone = true
				log.Debug("worker ramp stopped at plateau", "phase", phase,
					"workers", workers, "rate", rate)
			}
			if !rampDone {
				launch(spec.RampStep)
				if workers >= spec.MaxWorkers {
					rampDone = true
				}
			}
			lastTotal, lastRate = cur, rate
		}
	}
}

// sleepCtx sleeps for d unless ctx expires first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
