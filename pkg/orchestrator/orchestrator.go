// Package orchestrator drives every measurement through a uniform phase
// sequence: Discovery, Latency, Download, Upload. The orchestrator owns the
// throughput meter, the kill timer and the result stream; the engine is a
// dumb worker that only reports byte counts.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"

	"github.com/cdnprobe/cdnprobe/internal/lifecycle"
	"github.com/cdnprobe/cdnprobe/internal/meter"
	"github.com/cdnprobe/cdnprobe/pkg/probe"
	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
	"github.com/cdnprobe/cdnprobe/pkg/results"
)

// State is the orchestrator's current position in the phase sequence.
type State string

// Orchestrator states.
const (
	StateIdle             State = "idle"
	StateDiscovering      State = "discovering"
	StateMeasuringLatency State = "measuring-latency"
	StateDownloading      State = "downloading"
	StateUploading        State = "uploading"
	StateDone             State = "done"
	StateCancelled        State = "cancelled"
)

// killGrace is how long after the phase deadline the kill timer waits
// before force-destroying handles. The phase context expiring is the normal
// end of a phase; the kill timer only fires when an engine is wedged on a
// blocked read or write.
const killGrace = 2 * time.Second

// Orchestrator runs one test run at a time against one engine. It is not
// safe for concurrent use.
type Orchestrator struct {
	lc            *lifecycle.Lifecycle
	emitter       Emitter
	phaseDuration time.Duration

	runID string
	state State

	download float64
	upload   float64
	ping     float64
	jitter   float64
}

// New returns an Orchestrator emitting results through emitter. A nil
// emitter is replaced with a silent one.
func New(lc *lifecycle.Lifecycle, runID string, emitter Emitter) *Orchestrator {
	if emitter == nil {
		emitter = silentEmitter{}
	}
	return &Orchestrator{
		lc:            lc,
		emitter:       emitter,
		phaseDuration: spec.PhaseDuration,
		runID:         runID,
		state:         StateIdle,
	}
}

// SetPhaseDuration overrides the default phase duration. Used by tests and
// the -duration flag.
func (o *Orchestrator) SetPhaseDuration(d time.Duration) {
	o.phaseDuration = d
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.state = s
	log.Info("state change", "run", o.runID, "state", s)
	o.emitter.OnStateChange(o.runID, s)
}

// Run executes the full phase sequence for engine and returns the terminal
// result. The lifecycle is reset at the start, so a previous run's flags
// never leak in. Phases the engine does not advertise are skipped.
func (o *Orchestrator) Run(ctx context.Context, engine probe.Engine) results.Result {
	o.lc.Reset()
	o.download, o.upload, o.ping, o.jitter = 0, 0, 0, 0
	caps := engine.Capabilities()

	var target *probe.Target
	if caps.Discovery {
		o.setState(StateDiscovering)
		var err error
		target, err = engine.Discover(ctx)
		if err != nil {
			return o.fail(engine, fmt.Errorf("discovery failed: %w", err))
		}
		if target == nil {
			return o.fail(engine, probe.ErrNoTargets)
		}
	}
	if o.lc.UserCancelled() {
		return o.terminal(engine, results.StatusCancelled)
	}

	if caps.LatencyTest {
		o.setState(StateMeasuringLatency)
		lat, err := engine.MeasureLatency(ctx, target)
		if err != nil {
			return o.fail(engine, fmt.Errorf("latency measurement failed: %w", err))
		}
		o.ping, o.jitter = lat.PingMs, lat.JitterMs
	}
	if o.lc.UserCancelled() {
		return o.terminal(engine, results.StatusCancelled)
	}

	o.setState(StateDownloading)
	o.download = o.runPhase(ctx, "download", func(phaseCtx context.Context, onBytes probe.OnBytes) error {
		return engine.RunDownload(phaseCtx, o.lc, target, onBytes)
	})

	if caps.Upload && !o.lc.ShouldStop() {
		o.setState(StateUploading)
		o.upload = o.runPhase(ctx, "upload", func(phaseCtx context.Context, onBytes probe.OnBytes) error {
			return engine.RunUpload(phaseCtx, o.lc, target, onBytes)
		})
	}

	switch {
	case o.lc.UserCancelled():
		return o.terminal(engine, results.StatusCancelled)
	case o.lc.TimedOut():
		// A timed-out phase still yields the meter's final average: partial
		// measurement is meaningful.
		return o.terminal(engine, results.StatusTimedOut)
	default:
		return o.terminal(engine, results.StatusDone)
	}
}

// runPhase executes one timed phase and returns its authoritative average
// in Mbps. The phase ends when the engine finishes naturally (normally when
// the phase context expires) or when the kill timer fires, whichever comes
// first; the other becomes a no-op.
func (o *Orchestrator) runPhase(ctx context.Context, phase string,
	run func(ctx context.Context, onBytes probe.OnBytes) error) float64 {

	o.lc.BeginPhase()
	m := meter.New(o.phaseDuration)

	phaseCtx, cancelPhase := context.WithTimeout(ctx, o.phaseDuration)
	defer cancelPhase()

	kill := time.AfterFunc(o.phaseDuration+killGrace, o.lc.TimeoutPhase)
	o.lc.RegisterTimer(kill)

	// Live result emission at UI cadence. The memoryless tick spacing
	// avoids aliasing with any periodic behavior of the link.
	tickerCtx, cancelTicker := context.WithCancel(ctx)
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		t, err := memoryless.NewTicker(tickerCtx, memoryless.Config{
			Min:      spec.MinTickInterval,
			Expected: spec.AvgTickInterval,
			Max:      spec.MaxTickInterval,
		})
		// This can only error if min/expected/max above are set to invalid
		// values. Since they are constants, we panic here.
		rtx.PanicOnError(err, "ticker creation failed (this should never happen)")
		defer t.Stop()
		for {
			select {
			case <-tickerCtx.Done():
				return
			case <-t.C:
				o.emitLive(phase, m.Tick())
			}
		}
	}()

	launched := o.lc.LaunchWorker("phase-"+phase, func() error {
		defer o.lc.CompletePhase()
		return run(phaseCtx, m.AddBytes)
	})
	if !launched {
		o.lc.CompletePhase()
	}

	o.lc.AwaitPhase()
	cancelPhase()
	kill.Stop()
	o.lc.UnregisterTimer(kill)
	o.lc.AwaitWorkers()
	cancelTicker()
	<-tickerDone

	return m.Finish()
}

// emitLive emits a non-terminal result carrying the smoothed display rate.
func (o *Orchestrator) emitLive(phase string, smoothed float64) {
	r := results.Result{
		RunID:        o.runID,
		Status:       results.StatusRunning,
		DownloadMbps: o.download,
		UploadMbps:   o.upload,
		PingMs:       o.ping,
		JitterMs:     o.jitter,
	}
	if phase == "download" {
		r.DownloadMbps = smoothed
	} else {
		r.UploadMbps = smoothed
	}
	o.emitter.OnResult(r)
}

// terminal builds, emits and returns the run's single terminal record.
func (o *Orchestrator) terminal(engine probe.Engine, status string) results.Result {
	if status == results.StatusCancelled {
		o.setState(StateCancelled)
	} else {
		o.setState(StateDone)
	}
	r := results.Result{
		RunID:        o.runID,
		Engine:       engine.Name(),
		Status:       status,
		DownloadMbps: o.download,
		UploadMbps:   o.upload,
		PingMs:       o.ping,
		JitterMs:     o.jitter,
		Done:         true,
		Metadata:     engine.Metadata(),
	}
	o.emitter.OnComplete(r)
	return r
}

// fail builds, emits and returns a terminal error result with zeroed
// speeds.
func (o *Orchestrator) fail(engine probe.Engine, err error) results.Result {
	o.setState(StateDone)
	o.emitter.OnError(err)
	r := results.Result{
		RunID:    o.runID,
		Engine:   engine.Name(),
		Status:   results.StatusError,
		Error:    err.Error(),
		Metadata: engine.Metadata(),
	}
	o.emitter.OnComplete(r)
	return r
}
