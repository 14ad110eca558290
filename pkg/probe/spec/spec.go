// Package spec contains constants for the cdnprobe measurement engine.
package spec

import "time"

const (
	// PhaseDuration is the fixed duration of a download or upload phase. The
	// kill timer fires after this much time regardless of engine progress.
	PhaseDuration = 15 * time.Second

	// MinTickInterval is the minimum interval between live result emissions.
	MinTickInterval = 150 * time.Millisecond

	// AvgTickInterval is the average interval between live result emissions.
	AvgTickInterval = 200 * time.Millisecond

	// MaxTickInterval is the maximum interval between live result emissions.
	MaxTickInterval = 250 * time.Millisecond

	// WindowLookback is how far back the throughput estimator looks when
	// computing the windowed rate. Shorter windows react faster but are
	// sensitive to TCP slow-start and isolated bursts.
	WindowLookback = 3 * time.Second

	// RingSize is the capacity of the sample ring buffer. Must be a power of
	// two and large enough to hold WindowLookback worth of samples at the
	// minimum tick interval.
	RingSize = 32

	// MinChunkSize is the lower bound for an adaptive download/upload chunk.
	MinChunkSize = 256 * 1024

	// MaxChunkSize is the upper bound for an adaptive download/upload chunk.
	MaxChunkSize = 32 * 1024 * 1024

	// InitialChunkSize is the chunk size a worker starts with before the
	// control loop has any timing observations.
	InitialChunkSize = 1024 * 1024

	// FastRequestThreshold is the request duration below which a worker
	// doubles its chunk size.
	FastRequestThreshold = 300 * time.Millisecond

	// SlowRequestThreshold is the request duration above which a worker
	// halves its chunk size.
	SlowRequestThreshold = 3 * time.Second

	// MinWorkers is the number of concurrent workers a phase starts with.
	MinWorkers = 2

	// MaxWorkers is the maximum number of concurrent workers per phase.
	MaxWorkers = 12

	// RampInterval is how often the worker count is increased during ramp-up.
	RampInterval = 2 * time.Second

	// RampStep is how many workers are added at each ramp interval.
	RampStep = 2

	// PlateauFraction stops the ramp early: if adding workers improved the
	// aggregate rate by less than this fraction, the link (not the connection
	// count) is the bottleneck.
	PlateauFraction = 0.05

	// RetryBackoff is how long a worker waits after a transport failure
	// before reconnecting.
	RetryBackoff = 100 * time.Millisecond

	// MinTargetSize is the minimum Content-Length a discovery candidate must
	// advertise to be usable for ranged downloads.
	MinTargetSize = 10 * 1024 * 1024

	// DiscoveryCacheTTL is how long a validated discovery target is reused
	// across runs before being re-probed.
	DiscoveryCacheTTL = 10 * time.Minute

	// ProbeCount is the number of latency probes sent per run.
	ProbeCount = 8

	// ProbesPerSecond bounds the latency probe rate.
	ProbesPerSecond = 10

	// DisplayEpsilonMbps floors the smoothed display rate to zero, avoiding
	// flicker during brief stalls.
	DisplayEpsilonMbps = 0.05

	// RiseAlpha is the EMA coefficient applied when the windowed rate rises
	// above the smoothed value.
	RiseAlpha = 0.4

	// FallAlpha is the EMA coefficient applied when the windowed rate falls
	// below the smoothed value.
	FallAlpha = 0.15

	// ColdStartAlpha is blended in while the sample window is still filling,
	// so the display tracks the raw estimate closely at phase start.
	ColdStartAlpha = 0.85

	// AlphaDecayFloor is the fraction of the rise/fall coefficients still in
	// effect at the end of the expected phase duration.
	AlphaDecayFloor = 0.3
)

// Websocket fallback constants. The fallback tier speaks the throughput1
// protocol so any msak server can act as the guaranteed upload target.
const (
	// MinMessageSize is the initial websocket binary message size.
	MinMessageSize = 1 << 10

	// MaxScaledMessageSize is the maximum scaled binary message size.
	MaxScaledMessageSize = 1 << 20

	// ScalingFraction sets the threshold for scaling binary messages: a
	// message is scaled up once its size is a small fraction of the bytes
	// sent so far.
	ScalingFraction = 16

	// SecWebSocketProtocol is the subprotocol spoken by the fallback tier.
	SecWebSocketProtocol = "net.measurementlab.throughput.v1"

	// LocateService is the Locate API service name used to discover fallback
	// targets.
	LocateService = "msak/throughput1"

	// DownloadPath selects the fallback download endpoint.
	DownloadPath = "/throughput/v1/download"

	// UploadPath selects the fallback upload endpoint.
	UploadPath = "/throughput/v1/upload"
)
