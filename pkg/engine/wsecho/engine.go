// Package wsecho implements the websocket measurement strategy. Targets are
// discovered through the Locate API, so a healthy server is always
// available; this makes the engine double as the guaranteed upload fallback
// for every other engine.
package wsecho

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
	"golang.org/x/time/rate"

	"github.com/cdnprobe/cdnprobe/internal/netx"
	"github.com/cdnprobe/cdnprobe/pkg/probe"
	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

// EngineName identifies this engine in configuration and results.
const EngineName = "wsecho"

// Streams is the fixed number of websocket streams per phase. Unlike the
// ranged engine, stream count is not ramped: the protocol server caps
// per-measurement streams.
const Streams = 3

// Locator is an interface used to get a list of available servers to test
// against.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// Engine is the websocket measurement engine.
type Engine struct {
	scheme  string // ws or wss
	server  string // optional explicit host:port, bypassing the Locator
	dialer  *websocket.Dialer
	locator Locator

	// targets and tIndex cache the results from the Locate API.
	targets []v2.Target
	tIndex  map[string]int

	limiter *rate.Limiter

	mu   sync.Mutex
	meta map[string]string
}

// New returns an Engine discovering targets via the Locate API. If server
// is non-empty it is used directly and the Locator is never contacted.
func New(scheme, server, userAgent string, noVerify bool) *Engine {
	return &Engine{
		scheme: scheme,
		server: server,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			// Wrap the raw conn so wire bytes are counted like every other
			// engine's connections.
			NetDial: func(network, addr string) (net.Conn, error) {
				conn, err := net.Dial(network, addr)
				if err != nil {
					return nil, err
				}
				return netx.FromTCPConn(conn.(*net.TCPConn))
			},
			TLSClientConfig: &tls.Config{InsecureSkipVerify: noVerify},
		},
		locator: locate.NewClient(userAgent),
		tIndex:  map[string]int{},
		limiter: rate.NewLimiter(rate.Limit(spec.ProbesPerSecond), 1),
		meta:    map[string]string{},
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

// Discover implements probe.Engine. With an explicit server it builds the
// URLs directly; otherwise it asks the Locate API for the nearest healthy
// server, trying the next cached target on each call.
func (e *Engine) Discover(ctx context.Context) (*probe.Target, error) {
	var downloadURL, uploadURL string
	if e.server != "" {
		downloadURL = (&url.URL{Scheme: e.scheme, Host: e.server, Path: spec.DownloadPath}).String()
		uploadURL = (&url.URL{Scheme: e.scheme, Host: e.server, Path: spec.UploadPath}).String()
	} else {
		var err error
		downloadURL, err = e.nextURLFromLocate(ctx, spec.DownloadPath)
		if err != nil {
			return nil, err
		}
		uploadURL, err = e.nextURLFromLocate(ctx, spec.UploadPath)
		if err != nil {
			return nil, err
		}
	}

	u, err := url.Parse(downloadURL)
	if err != nil {
		return nil, err
	}
	e.setMeta("server", u.Host)
	return &probe.Target{
		URL:    downloadURL,
		Scheme: u.Scheme,
		Host:   hostPort(u),
		Path:   u.Path,
		Metadata: map[string]string{
			"uploadURL": uploadURL,
		},
	}, nil
}

// nextURLFromLocate returns the next URL to try from the Locate API. The
// first call contacts the API; subsequent calls walk the cached target
// list. Returns probe.ErrNoTargets once the cache is exhausted.
func (e *Engine) nextURLFromLocate(ctx context.Context, p string) (string, error) {
	if len(e.targets) == 0 {
		targets, err := e.locator.Nearest(ctx, spec.LocateService)
		if err != nil {
			return "", err
		}
		// cache targets on success.
		e.targets = targets
	}
	k := e.scheme + "://" + p
	if e.tIndex[k] < len(e.targets) {
		r := e.targets[e.tIndex[k]].URLs[k]
		e.tIndex[k]++
		return r, nil
	}
	return "", probe.ErrNoTargets
}

// MeasureLatency implements probe.Engine by timing paced TCP connections to
// the target. The websocket endpoints reject plain HTTP probes, so the
// transport handshake is the cheapest round trip available.
func (e *Engine) MeasureLatency(ctx context.Context, target *probe.Target) (*probe.LatencyResult, error) {
	d := &net.Dialer{Timeout: 5 * time.Second}
	rtts := make([]float64, 0, spec.ProbeCount)
	for i := 0; i < spec.ProbeCount; i++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		start := time.Now()
		conn, err := d.DialContext(ctx, "tcp", target.Host)
		if err != nil {
			continue
		}
		rtts = append(rtts, float64(time.Since(start).Microseconds())/1000)
		conn.Close()
	}
	if len(rtts) == 0 {
		return nil, fmt.Errorf("all %d connect probes to %s failed", spec.ProbeCount, target.Host)
	}

	min := rtts[0]
	var jitter float64
	for i, r := range rtts {
		if r < min {
			min = r
		}
		if i > 0 {
			jitter += abs(rtts[i] - rtts[i-1])
		}
	}
	if len(rtts) > 1 {
		jitter /= float64(len(rtts) - 1)
	}
	return &probe.LatencyResult{PingMs: min, JitterMs: jitter}, nil
}

// connect dials the websocket endpoint with the protocol headers the
// throughput1 servers expect.
func (e *Engine) connect(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	conn, _, err := e.dialer.DialContext(ctx, rawURL, headers)
	return conn, err
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "wss", "https":
		return u.Host + ":443"
	default:
		return u.Host + ":80"
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
