package rangeget

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cdnprobe/cdnprobe/internal/httpx"
	"github.com/cdnprobe/cdnprobe/internal/lifecycle"
	"github.com/cdnprobe/cdnprobe/internal/metrics"
	"github.com/cdnprobe/cdnprobe/internal/netx"
	"github.com/cdnprobe/cdnprobe/pkg/probe"
	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

// Upload tiers, in fallback order.
const (
	tierPost    = "post"
	tierRaw     = "raw"
	tierWsecho  = "wsecho"
	uploadSlice = 64 * 1024
)

// RunUpload implements probe.Engine. Workers attempt the primary POST
// transport; if the target rejects it they fall back to raw socket writes,
// and finally to the shared websocket target. The active tier is reported
// as metadata, not silently hidden.
func (e *Engine) RunUpload(ctx context.Context, lc *lifecycle.Lifecycle,
	target *probe.Target, onBytes probe.OnBytes) error {

	tier := e.selectTier(ctx, lc, target)
	e.setMeta("uploadTier", tier)
	metrics.UploadTier.WithLabelValues(tier).Inc()
	log.Info("upload tier selected", "tier", tier)

	switch tier {
	case tierPost:
		return e.ramp(ctx, lc, "upload", onBytes,
			func(ctx context.Context, onBytes probe.OnBytes) error {
				return e.postWorker(ctx, lc, target, onBytes)
			})
	case tierRaw:
		return e.ramp(ctx, lc, "upload", onBytes,
			func(ctx context.Context, onBytes probe.OnBytes) error {
				return e.rawWorker(ctx, lc, target, onBytes)
			})
	case tierWsecho:
		fbTarget, err := e.fallback.Discover(ctx)
		if err != nil {
			return fmt.Errorf("fallback upload discovery: %w", err)
		}
		return e.fallback.RunUpload(ctx, lc, fbTarget, onBytes)
	default:
		return fmt.Errorf("no usable upload tier")
	}
}

// selectTier probes the tiers in order and returns the first available one.
func (e *Engine) selectTier(ctx context.Context, lc *lifecycle.Lifecycle, target *probe.Target) string {
	tr, conn, err := e.dial(ctx, lc, target)
	if err != nil {
		if e.fallback != nil {
			return tierWsecho
		}
		return ""
	}
	defer func() {
		lc.UnregisterSocket(conn)
		tr.Close()
	}()

	// A small POST tells us whether the target accepts uploads at all.
	payload := make([]byte, 1024)
	rand.New(rand.NewSource(time.Now().UnixMilli())).Read(payload)
	resp, err := tr.Post(target.Path, payload, 0, time.Now().Add(5*time.Second), nil)
	if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return tierPost
	}
	if err == nil {
		// The host is reachable and speaking HTTP; raw writes still load the
		// uplink even though the server discards them.
		log.Debug("POST rejected, using raw tier", "status", resp.StatusCode)
		return tierRaw
	}
	if e.fallback != nil {
		return tierWsecho
	}
	return tierRaw
}

// postWorker runs repeated POST cycles, reporting each body slice after its
// write has been confirmed by the transport layer.
func (e *Engine) postWorker(ctx context.Context, lc *lifecycle.Lifecycle,
	target *probe.Target, onBytes probe.OnBytes) error {

	ch := newChunker()
	rnd := rand.New(rand.NewSource(time.Now().UnixMilli()))
	var payload []byte
	var tr *httpx.Transport
	var conn *netx.Conn

	drop := func(reason string) {
		if tr != nil {
			lc.UnregisterSocket(conn)
			tr.Close()
			tr, conn = nil, nil
		}
		metrics.TransportReconnects.WithLabelValues(reason).Inc()
	}
	defer func() {
		if tr != nil {
			lc.UnregisterSocket(conn)
			tr.Close()
		}
	}()

	for ctx.Err() == nil && !lc.ShouldStop() {
		if tr == nil {
			var err error
			tr, conn, err = e.dial(ctx, lc, target)
			if err != nil {
				if err == errStopping || ctx.Err() != nil {
					return nil
				}
				sleepCtx(ctx, spec.RetryBackoff)
				continue
			}
		}

		size := int(ch.Size())
		if len(payload) < size {
			payload = make([]byte, size)
			rnd.Read(payload)
		}

		start := time.Now()
		resp, err := tr.Post(target.Path, payload[:size], uploadSlice,
			time.Now().Add(3*spec.SlowRequestThreshold), onBytes)
		if err != nil {
			if lc.ShouldStop() || ctx.Err() != nil {
				return nil
			}
			observeTimeout(ch, start, err)
			drop("transport")
			sleepCtx(ctx, spec.RetryBackoff)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			drop("protocol")
			continue
		}
		ch.Observe(time.Since(start))
	}
	return nil
}

// rawWorker streams random bytes at the target over a bare socket, counting
// each confirmed write. The response, if any, is never read: the bytes load
// the uplink regardless of what the server does with them.
func (e *Engine) rawWorker(ctx context.Context, lc *lifecycle.Lifecycle,
	target *probe.Target, onBytes probe.OnBytes) error {

	rnd := rand.New(rand.NewSource(time.Now().UnixMilli()))
	slice := make([]byte, uploadSlice)
	rnd.Read(slice)

	header := []byte(fmt.Sprintf(
		"POST %s HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"User-Agent: %s\r\n"+
			"Content-Type: application/octet-stream\r\n"+
			"Content-Length: %d\r\n"+
			"Connection: close\r\n"+
			"\r\n",
		target.Path, hostnameOf(target), e.userAgent, int64(1)<<40))

	for ctx.Err() == nil && !lc.ShouldStop() {
		conn, inner, err := e.dialRaw(ctx, lc, target)
		if err != nil {
			if err == errStopping || ctx.Err() != nil {
				return nil
			}
			sleepCtx(ctx, spec.RetryBackoff)
			continue
		}
		if _, err := conn.Write(header); err != nil {
			lc.UnregisterSocket(inner)
			conn.Close()
			sleepCtx(ctx, spec.RetryBackoff)
			continue
		}
		for ctx.Err() == nil && !lc.ShouldStop() {
			if _, err := conn.Write(slice); err != nil {
				// A failed write means the peer dropped us, not that the
				// phase is over. Back off before reconnecting.
				sleepCtx(ctx, spec.RetryBackoff)
				break
			}
			onBytes(len(slice))
		}
		lc.UnregisterSocket(inner)
		conn.Close()
	}
	return nil
}
