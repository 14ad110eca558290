package latency

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

func TestProber_Probe(t *testing.T) {
	var heads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe used method %s, want HEAD", r.Method)
		}
		heads.Add(1)
	}))
	defer server.Close()

	p := NewProber()
	res, err := p.Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	// Warm-up plus the full probe sequence.
	if got := heads.Load(); got != int32(spec.ProbeCount)+1 {
		t.Errorf("server saw %d requests, want %d", got, spec.ProbeCount+1)
	}
	if len(res.RTTsMs) != spec.ProbeCount {
		t.Errorf("got %d RTT samples, want %d", len(res.RTTsMs), spec.ProbeCount)
	}
	if res.PingMs <= 0 {
		t.Errorf("PingMs = %v, want > 0", res.PingMs)
	}
	for _, rtt := range res.RTTsMs {
		if res.PingMs > rtt {
			t.Errorf("PingMs %v exceeds sample %v, want minimum", res.PingMs, rtt)
		}
	}
}

func TestProber_ProbeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // nothing listening anymore

	p := NewProber()
	if _, err := p.Probe(context.Background(), server.URL); err == nil {
		t.Error("Probe succeeded against a closed server")
	}
}

func TestProber_ProbeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer server.Close()

	p := NewProber()
	if _, err := p.Probe(ctx, server.URL); err == nil {
		t.Error("Probe succeeded with a cancelled context")
	}
}

func Test_summarize(t *testing.T) {
	res := summarize([]float64{10, 12, 11, 15})
	if res.PingMs != 10 {
		t.Errorf("PingMs = %v, want 10", res.PingMs)
	}
	// Mean absolute successive difference: (2 + 1 + 4) / 3.
	want := 7.0 / 3.0
	if math.Abs(res.JitterMs-want) > 1e-9 {
		t.Errorf("JitterMs = %v, want %v", res.JitterMs, want)
	}
}

func Test_summarizeSingleSample(t *testing.T) {
	res := summarize([]float64{42})
	if res.PingMs != 42 || res.JitterMs != 0 {
		t.Errorf("summarize(one sample) = %+v, want ping 42, jitter 0", res)
	}
}
