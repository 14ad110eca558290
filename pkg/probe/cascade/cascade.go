// Package cascade implements the discovery cascade shared by measurement
// engines: an ordered list of candidate targets is probed sequentially and
// the first one that validates is used for the remainder of the run.
package cascade

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"

	"github.com/cdnprobe/cdnprobe/internal/config"
	"github.com/cdnprobe/cdnprobe/internal/metrics"
	"github.com/cdnprobe/cdnprobe/pkg/probe"
	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

// Cascade probes discovery candidates and caches validated targets so
// back-to-back runs skip revalidation.
type Cascade struct {
	client    *http.Client
	cache     *ttlcache.Cache[string, *probe.Target]
	userAgent string
	minSize   int64
}

// New returns a Cascade with the default validation rules.
func New(userAgent string) *Cascade {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *probe.Target](spec.DiscoveryCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *probe.Target](),
	)
	go cache.Start()
	return &Cascade{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache:     cache,
		userAgent: userAgent,
		minSize:   spec.MinTargetSize,
	}
}

// Stop stops the target cache's eviction loop.
func (c *Cascade) Stop() {
	c.cache.Stop()
}

// Discover probes candidates in order and returns the first one that
// validates. Each candidate is probed exactly once; later candidates are
// not tried once one succeeds. Returns probe.ErrNoTargets when no candidate
// validated.
func (c *Cascade) Discover(ctx context.Context, engine string, candidates []config.Candidate) (*probe.Target, error) {
	if cached := c.cache.Get(engine); cached != nil {
		log.Debug("using cached discovery target", "engine", engine, "url", cached.Value().URL)
		return cached.Value(), nil
	}

	for _, cand := range candidates {
		target, err := c.validate(ctx, cand)
		if err != nil {
			metrics.DiscoveryProbes.WithLabelValues("rejected").Inc()
			log.Debug("discovery candidate rejected", "engine", engine,
				"url", cand.URL, "reason", err)
			continue
		}
		metrics.DiscoveryProbes.WithLabelValues("ok").Inc()
		log.Info("discovery target validated", "engine", engine,
			"url", target.URL, "size", target.ContentLength, "class", target.Class)
		c.cache.Set(engine, target, ttlcache.DefaultTTL)
		return target, nil
	}
	return nil, fmt.Errorf("%w: all %d candidates rejected", probe.ErrNoTargets, len(candidates))
}

// validate issues a single HEAD probe and checks reachability, content
// type, minimum size and partial-range support. Range support is required
// by the adaptive chunked strategy, so it is verified here rather than
// discovered by a failing ranged GET later.
func (c *Cascade) validate(ctx context.Context, cand config.Candidate) (*probe.Target, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cand.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/html") {
		// An HTML body at a payload URL is almost always an error or
		// captive-portal page.
		return nil, fmt.Errorf("unusable content type %q", ct)
	}
	if !strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes") {
		return nil, fmt.Errorf("no byte-range support")
	}
	if resp.ContentLength < c.minSize {
		return nil, fmt.Errorf("content length %d below minimum %d", resp.ContentLength, c.minSize)
	}

	// The probe may have been redirected; the target records the final URL.
	final := resp.Request.URL
	return &probe.Target{
		URL:           final.String(),
		Scheme:        final.Scheme,
		Host:          hostPort(final),
		Path:          requestPath(final),
		Edge:          edgeFrom(cand, resp),
		Class:         cand.Class,
		ContentLength: resp.ContentLength,
		Metadata: map[string]string{
			"contentType": resp.Header.Get("Content-Type"),
		},
	}, nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

func requestPath(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// edgeFrom prefers the configured edge identifier and falls back to
// whatever edge headers the response carries.
func edgeFrom(cand config.Candidate, resp *http.Response) string {
	if cand.Edge != "" {
		return cand.Edge
	}
	for _, h := range []string{"X-Served-By", "X-Cache-Pop", "X-Amz-Cf-Pop"} {
		if v := resp.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}
