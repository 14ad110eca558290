package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cdnprobe/cdnprobe/internal/lifecycle"
	"github.com/cdnprobe/cdnprobe/pkg/orchestrator"
	"github.com/cdnprobe/cdnprobe/pkg/probe"
	"github.com/cdnprobe/cdnprobe/pkg/results"
)

// recorder captures every emitter callback for later assertions.
type recorder struct {
	mu        sync.Mutex
	states    []orchestrator.State
	live      []results.Result
	errs      []error
	completes []results.Result
}

func (r *recorder) OnStateChange(runID string, s orchestrator.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnResult(res results.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = append(r.live, res)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnComplete(res results.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, res)
}

func (r *recorder) OnDebug(string) {}

func (r *recorder) sawState(s orchestrator.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

// fakeEngine reports a fixed byte count per phase and then waits for the
// phase context to expire, mimicking a well-behaved engine.
type fakeEngine struct {
	caps        probe.Capabilities
	discoverErr error
	onDiscover  func()
	wedged      bool
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Capabilities() probe.Capabilities { return e.caps }

func (e *fakeEngine) Discover(context.Context) (*probe.Target, error) {
	if e.onDiscover != nil {
		e.onDiscover()
	}
	if e.discoverErr != nil {
		return nil, e.discoverErr
	}
	return &probe.Target{
		URL:  "https://cdn.example.com/payload",
		Host: "cdn.example.com:443",
	}, nil
}

func (e *fakeEngine) MeasureLatency(context.Context, *probe.Target) (*probe.LatencyResult, error) {
	return &probe.LatencyResult{PingMs: 12, JitterMs: 3}, nil
}

func (e *fakeEngine) RunDownload(ctx context.Context, lc *lifecycle.Lifecycle,
	_ *probe.Target, onBytes probe.OnBytes) error {
	onBytes(1_000_000)
	if e.wedged {
		// Ignore the phase context entirely; only forced teardown stops us.
		for !lc.ShouldStop() {
			time.Sleep(time.Millisecond)
		}
		return nil
	}
	<-ctx.Done()
	return nil
}

func (e *fakeEngine) RunUpload(ctx context.Context, _ *lifecycle.Lifecycle,
	_ *probe.Target, onBytes probe.OnBytes) error {
	onBytes(500_000)
	<-ctx.Done()
	return nil
}

func (e *fakeEngine) Metadata() map[string]string {
	return map[string]string{"tier": "test"}
}

func allCaps() probe.Capabilities {
	return probe.Capabilities{Discovery: true, LatencyTest: true, Upload: true}
}

func TestOrchestrator_FullRun(t *testing.T) {
	rec := &recorder{}
	lc := lifecycle.New()
	o := orchestrator.New(lc, "run-1", rec)
	o.SetPhaseDuration(50 * time.Millisecond)

	res := o.Run(context.Background(), &fakeEngine{caps: allCaps()})

	if res.Status != results.StatusDone || !res.Done {
		t.Fatalf("status = %q done = %v, want done/true", res.Status, res.Done)
	}
	if res.DownloadMbps <= 0 || res.UploadMbps <= 0 {
		t.Errorf("speeds = %v/%v Mbps, want both > 0", res.DownloadMbps, res.UploadMbps)
	}
	if res.PingMs != 12 || res.JitterMs != 3 {
		t.Errorf("latency = %v/%v, want 12/3", res.PingMs, res.JitterMs)
	}
	if res.Metadata["tier"] != "test" {
		t.Errorf("engine metadata missing from terminal result: %+v", res.Metadata)
	}

	for _, s := range []orchestrator.State{
		orchestrator.StateDiscovering,
		orchestrator.StateMeasuringLatency,
		orchestrator.StateDownloading,
		orchestrator.StateUploading,
		orchestrator.StateDone,
	} {
		if !rec.sawState(s) {
			t.Errorf("state %q never emitted", s)
		}
	}
	if len(rec.completes) != 1 {
		t.Errorf("OnComplete called %d times, want exactly 1", len(rec.completes))
	}
}

func TestOrchestrator_DiscoveryFailure(t *testing.T) {
	rec := &recorder{}
	lc := lifecycle.New()
	o := orchestrator.New(lc, "run-2", rec)
	o.SetPhaseDuration(50 * time.Millisecond)

	boom := errors.New("no working candidates")
	res := o.Run(context.Background(), &fakeEngine{caps: allCaps(), discoverErr: boom})

	if res.Status != results.StatusError {
		t.Fatalf("status = %q, want %q", res.Status, results.StatusError)
	}
	if res.Error == "" {
		t.Error("terminal error result carries no error text")
	}
	if res.DownloadMbps != 0 || res.UploadMbps != 0 {
		t.Errorf("failed run reported speeds %v/%v, want zeroes", res.DownloadMbps, res.UploadMbps)
	}
	if len(rec.errs) != 1 {
		t.Errorf("OnError called %d times, want 1", len(rec.errs))
	}
	if rec.sawState(orchestrator.StateDownloading) {
		t.Error("download phase ran after discovery failed")
	}
}

func TestOrchestrator_CancelDuringDiscoverySkipsLaterPhases(t *testing.T) {
	rec := &recorder{}
	lc := lifecycle.New()
	o := orchestrator.New(lc, "run-3", rec)
	o.SetPhaseDuration(50 * time.Millisecond)

	eng := &fakeEngine{caps: allCaps()}
	eng.onDiscover = func() { lc.Cancel() }

	res := o.Run(context.Background(), eng)

	if res.Status != results.StatusCancelled {
		t.Fatalf("status = %q, want %q", res.Status, results.StatusCancelled)
	}
	if rec.sawState(orchestrator.StateMeasuringLatency) || rec.sawState(orchestrator.StateDownloading) {
		t.Error("phases ran after user cancellation")
	}
	if !rec.sawState(orchestrator.StateCancelled) {
		t.Error("cancelled state never emitted")
	}
}

func TestOrchestrator_WedgedEngineTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the kill timer grace period")
	}
	rec := &recorder{}
	lc := lifecycle.New()
	o := orchestrator.New(lc, "run-4", rec)
	o.SetPhaseDuration(50 * time.Millisecond)

	res := o.Run(context.Background(), &fakeEngine{caps: allCaps(), wedged: true})

	if res.Status != results.StatusTimedOut {
		t.Fatalf("status = %q, want %q", res.Status, results.StatusTimedOut)
	}
	// Partial measurement is still meaningful: the bytes confirmed before
	// the engine wedged yield a final average.
	if res.DownloadMbps <= 0 {
		t.Errorf("timed-out run lost its partial download average: %v", res.DownloadMbps)
	}
	if rec.sawState(orchestrator.StateUploading) {
		t.Error("upload phase ran after a forced phase teardown")
	}
}

func TestOrchestrator_UploadSkippedWithoutCapability(t *testing.T) {
	rec := &recorder{}
	lc := lifecycle.New()
	o := orchestrator.New(lc, "run-5", rec)
	o.SetPhaseDuration(50 * time.Millisecond)

	caps := allCaps()
	caps.Upload = false
	res := o.Run(context.Background(), &fakeEngine{caps: caps})

	if res.Status != results.StatusDone {
		t.Fatalf("status = %q, want done", res.Status)
	}
	if res.UploadMbps != 0 {
		t.Errorf("UploadMbps = %v for an engine without upload", res.UploadMbps)
	}
	if rec.sawState(orchestrator.StateUploading) {
		t.Error("uploading state emitted for an engine without upload")
	}
}
