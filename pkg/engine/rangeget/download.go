package rangeget

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cdnprobe/cdnprobe/internal/httpx"
	"github.com/cdnprobe/cdnprobe/internal/lifecycle"
	"github.com/cdnprobe/cdnprobe/internal/metrics"
	"github.com/cdnprobe/cdnprobe/internal/netx"
	"github.com/cdnprobe/cdnprobe/pkg/probe"
	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

// RunDownload implements probe.Engine. Workers pull chunks from the shared
// chunk cursor, issue ranged GETs over persistent connections, and discard
// the bodies while reporting confirmed byte counts.
func (e *Engine) RunDownload(ctx context.Context, lc *lifecycle.Lifecycle,
	target *probe.Target, onBytes probe.OnBytes) error {
	if target.ContentLength <= 0 {
		return fmt.Errorf("download target %q has no usable length", target.URL)
	}
	return e.ramp(ctx, lc, "download", onBytes,
		func(ctx context.Context, onBytes probe.OnBytes) error {
			return e.downloadWorker(ctx, lc, target, onBytes)
		})
}

// downloadWorker runs repeated ranged GET cycles until the run stops. A
// transport failure is recovered locally with a short backoff; an
// unexpected status drops the connection and opens a fresh one. Neither
// surfaces to the orchestrator.
func (e *Engine) downloadWorker(ctx context.Context, lc *lifecycle.Lifecycle,
	target *probe.Target, onBytes probe.OnBytes) error {

	ch := newChunker()
	var tr *httpx.Transport
	var conn *netx.Conn

	drop := func(reason string) {
		if tr != nil {
			e.recordTCPInfo(conn)
			lc.UnregisterSocket(conn)
			tr.Close()
			tr, conn = nil, nil
		}
		metrics.TransportReconnects.WithLabelValues(reason).Inc()
	}
	defer func() {
		if tr != nil {
			e.recordTCPInfo(conn)
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

		size := ch.Size()
		idx := e.chunkIndex.Add(1) - 1
		offset := (idx * size) % target.ContentLength
		length := size
		if offset+length > target.ContentLength {
			length = target.ContentLength - offset
		}

		start := time.Now()
		resp, err := tr.Get(target.Path, offset, length,
			time.Now().Add(3*spec.SlowRequestThreshold), onBytes)
		if err != nil {
			if lc.ShouldStop() || ctx.Err() != nil {
				// Forced close during teardown: a stop signal, not an error.
				return nil
			}
			observeTimeout(ch, start, err)
			drop("transport")
			sleepCtx(ctx, spec.RetryBackoff)
			continue
		}
		if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
			drop("protocol")
			continue
		}
		ch.Observe(time.Since(start))
	}
	return nil
}

// recordTCPInfo stores kernel-level facts about a finished download
// connection as metadata: the minimum RTT and the congestion control
// algorithm that shaped the measurement. Not supported on all platforms.
func (e *Engine) recordTCPInfo(conn *netx.Conn) {
	if info, err := conn.Info(); err == nil {
		e.setMeta("tcpMinRTTMs", fmt.Sprintf("%.2f", float64(info.MinRTT)/1000))
	}
	if cc, err := conn.GetCC(); err == nil {
		e.setMeta("congestionControl", cc)
	}
}
