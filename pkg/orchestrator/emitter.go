package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cdnprobe/cdnprobe/pkg/results"
)

// Emitter is an interface for emitting results. It can be overridden to
// provide a custom output.
type Emitter interface {
	// OnStateChange is called on every orchestrator state transition.
	OnStateChange(runID string, state State)
	// OnResult is called on every live result.
	OnResult(r results.Result)
	// OnError is called on terminal errors.
	OnError(err error)
	// OnComplete is called with the run's single terminal result.
	OnComplete(r results.Result)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
}

// HumanReadable prints human-readable output to stdout. It can be
// configured to include debug output, too.
type HumanReadable struct {
	Debug bool
}

// OnStateChange prints phase transitions.
func (HumanReadable) OnStateChange(runID string, state State) {
	fmt.Printf("[%s] %s\n", runID, state)
}

// OnResult prints the live result on a single, rewritten line.
func (HumanReadable) OnResult(r results.Result) {
	fmt.Printf("\rdownload: %8.2f Mb/s  upload: %8.2f Mb/s  ping: %6.2f ms  jitter: %6.2f ms",
		r.DownloadMbps, r.UploadMbps, r.PingMs, r.JitterMs)
}

// OnError is called on errors.
func (HumanReadable) OnError(err error) {
	fmt.Println()
	fmt.Printf("error: %v\n", err)
}

// OnComplete prints the terminal summary.
func (HumanReadable) OnComplete(r results.Result) {
	fmt.Println()
	fmt.Printf("Test complete (%s):\n", r.Status)
	fmt.Printf("  download: %.2f Mb/s, upload: %.2f Mb/s, ping: %.2fms, jitter: %.2fms\n",
		r.DownloadMbps, r.UploadMbps, r.PingMs, r.JitterMs)
	for k, v := range r.Metadata {
		fmt.Printf("    %s: %s\n", k, v)
	}
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s\n", msg)
	}
}

// Checks that HumanReadable implements Emitter.
var _ Emitter = &HumanReadable{}

// JSONLines writes every result record as one JSON line, suitable for
// piping into other tools.
type JSONLines struct {
	W io.Writer
}

// OnStateChange implements Emitter. State changes are not part of the JSON
// stream.
func (JSONLines) OnStateChange(string, State) {}

// OnResult writes a live result line.
func (j JSONLines) OnResult(r results.Result) {
	j.write(r)
}

// OnError implements Emitter. The error is carried by the terminal record.
func (JSONLines) OnError(error) {}

// OnComplete writes the terminal result line.
func (j JSONLines) OnComplete(r results.Result) {
	j.write(r)
}

// OnDebug implements Emitter.
func (JSONLines) OnDebug(string) {}

func (j JSONLines) write(r results.Result) {
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	j.W.Write(append(b, '\n'))
}

// Checks that JSONLines implements Emitter.
var _ Emitter = &JSONLines{}

// silentEmitter drops everything. Used when no emitter is configured.
type silentEmitter struct{}

func (silentEmitter) OnStateChange(string, State)  {}
func (silentEmitter) OnResult(results.Result)      {}
func (silentEmitter) OnError(error)                {}
func (silentEmitter) OnComplete(results.Result)    {}
func (silentEmitter) OnDebug(string)               {}
