package cascade_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cdnprobe/cdnprobe/internal/config"
	"github.com/cdnprobe/cdnprobe/pkg/probe"
	"github.com/cdnprobe/cdnprobe/pkg/probe/cascade"
	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

// countingServer wraps an httptest server and counts the HEAD probes it
// receives.
type countingServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newCountingServer(h http.HandlerFunc) *countingServer {
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		h(w, r)
	}))
	return cs
}

func validPayload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", 2*spec.MinTargetSize))
}

func TestCascade_FirstValidCandidateWins(t *testing.T) {
	broken := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer broken.Close()

	captive := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	})
	defer captive.Close()

	good := newCountingServer(validPayload)
	defer good.Close()

	c := cascade.New("test-agent")
	defer c.Stop()

	candidates := []config.Candidate{
		{URL: broken.URL + "/file.bin"},
		{URL: captive.URL + "/file.bin"},
		{URL: good.URL + "/file.bin", Edge: "test-edge", Class: "near-cache"},
	}

	target, err := c.Discover(context.Background(), "rangeget", candidates)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if target.URL != good.URL+"/file.bin" {
		t.Errorf("target URL = %s, want %s", target.URL, good.URL+"/file.bin")
	}
	if target.Edge != "test-edge" || target.Class != "near-cache" {
		t.Errorf("candidate metadata not carried: %+v", target)
	}
	if target.ContentLength != 2*spec.MinTargetSize {
		t.Errorf("ContentLength = %d, want %d", target.ContentLength, 2*spec.MinTargetSize)
	}

	for name, cs := range map[string]*countingServer{
		"broken": broken, "captive": captive, "good": good,
	} {
		if got := cs.hits.Load(); got != 1 {
			t.Errorf("%s candidate probed %d times, want exactly 1", name, got)
		}
	}
}

func TestCascade_CachedTargetSkipsRevalidation(t *testing.T) {
	good := newCountingServer(validPayload)
	defer good.Close()

	c := cascade.New("test-agent")
	defer c.Stop()

	candidates := []config.Candidate{{URL: good.URL + "/file.bin"}}

	first, err := c.Discover(context.Background(), "rangeget", candidates)
	if err != nil {
		t.Fatalf("first Discover: %v", err)
	}
	second, err := c.Discover(context.Background(), "rangeget", candidates)
	if err != nil {
		t.Fatalf("second Discover: %v", err)
	}
	if first.URL != second.URL {
		t.Errorf("cached target differs: %s vs %s", first.URL, second.URL)
	}
	if got := good.hits.Load(); got != 1 {
		t.Errorf("server probed %d times across two runs, want 1 (cache hit)", got)
	}
}

func TestCascade_AllCandidatesRejected(t *testing.T) {
	tooSmall := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "1024")
	})
	defer tooSmall.Close()

	noRanges := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", 2*spec.MinTargetSize))
	})
	defer noRanges.Close()

	c := cascade.New("test-agent")
	defer c.Stop()

	candidates := []config.Candidate{
		{URL: tooSmall.URL + "/a"},
		{URL: noRanges.URL + "/b"},
		{URL: "http://127.0.0.1:1/unreachable"},
	}

	_, err := c.Discover(context.Background(), "rangeget", candidates)
	if !errors.Is(err, probe.ErrNoTargets) {
		t.Errorf("Discover err = %v, want ErrNoTargets", err)
	}
}

func TestCascade_EdgeFromResponseHeader(t *testing.T) {
	good := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Served-By", "cache-fra-1")
		validPayload(w, r)
	})
	defer good.Close()

	c := cascade.New("test-agent")
	defer c.Stop()

	target, err := c.Discover(context.Background(), "rangeget",
		[]config.Candidate{{URL: good.URL + "/file.bin"}})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if target.Edge != "cache-fra-1" {
		t.Errorf("Edge = %q, want header fallback cache-fra-1", target.Edge)
	}
}
