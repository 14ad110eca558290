// Package probe defines the contract between the orchestrator and the
// measurement engines. Engines differ only in how they discover a target and
// how they shape requests; scheduling, timing and result emission belong to
// the orchestrator, which treats every engine as a dumb worker reporting
// byte counts.
package probe

import (
	"context"
	"errors"

	"github.com/cdnprobe/cdnprobe/internal/lifecycle"
)

// ErrNoTargets is returned by Discover when no candidate validated.
var ErrNoTargets = errors.New("no targets available")

// Capabilities advertises which phases an engine supports. The orchestrator
// branches on these flags, never on the concrete engine type.
type Capabilities struct {
	Discovery   bool
	LatencyTest bool
	Upload      bool
}

// Target is the discovery output: produced once per run, immutable
// afterwards, and passed read-only into download and upload workers.
type Target struct {
	// URL is the full URL of the validated target.
	URL string
	// Scheme is "http" or "https".
	Scheme string
	// Host is the host:port to connect to.
	Host string
	// Path is the request path, including any query string.
	Path string
	// Edge optionally identifies the CDN edge serving the target.
	Edge string
	// Class optionally classifies the target, e.g. "near-cache".
	Class string
	// ContentLength is the target's size in bytes, when known.
	ContentLength int64
	// Metadata carries additional discovery output, passed through
	// unmodified to the result stream.
	Metadata map[string]string
}

// LatencyResult is the outcome of an engine's latency phase.
type LatencyResult struct {
	PingMs   float64
	JitterMs float64
}

// OnBytes is the only channel by which an engine reports progress: it must
// be called exactly once per confirmed transfer unit with n >= 0, never
// retroactively adjusted.
type OnBytes func(n int)

// Engine is a measurement strategy. Engines never touch the meter, timers
// or result stream directly: they receive an OnBytes callback and register
// every handle they create with the lifecycle before use.
type Engine interface {
	// Name identifies the engine in results and metrics.
	Name() string

	// Capabilities reports which phases this engine supports.
	Capabilities() Capabilities

	// Discover probes candidates and returns the validated target, or
	// ErrNoTargets (possibly wrapped) when none validated.
	Discover(ctx context.Context) (*Target, error)

	// MeasureLatency probes the discovered target's latency.
	MeasureLatency(ctx context.Context, target *Target) (*LatencyResult, error)

	// RunDownload drives download workers against target until the lifecycle
	// stops the run. Workers are launched through lc and report confirmed
	// bytes via onBytes.
	RunDownload(ctx context.Context, lc *lifecycle.Lifecycle, target *Target, onBytes OnBytes) error

	// RunUpload is the upload counterpart of RunDownload.
	RunUpload(ctx context.Context, lc *lifecycle.Lifecycle, target *Target, onBytes OnBytes) error

	// Metadata returns engine-reported key/value pairs accumulated during
	// the run, such as the active upload tier.
	Metadata() map[string]string
}
