// Package results defines the unified result record emitted during and
// after a test run.
package results

import (
	"time"

	"github.com/m-lab/go/prometheusx"
)

// Run states reported in the Status field.
const (
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed-out"
)

// Result is the unified measurement record. It is emitted repeatedly during
// a run as a live update and exactly once as a terminal record with Done set
// or Error non-empty. Only the orchestrator constructs Results; engines
// report byte counts and metadata, never results.
type Result struct {
	// RunID is the unique identifier of this test run.
	RunID string
	// Engine is the name of the measurement engine that produced the run.
	Engine string
	// Status is one of the Status* constants.
	Status string
	// DownloadMbps is the download rate. During the download phase this is
	// the smoothed display value; in the terminal record it is the true
	// average.
	DownloadMbps float64
	// UploadMbps is the upload rate, with the same live/terminal semantics
	// as DownloadMbps.
	UploadMbps float64
	// PingMs is the minimum probed round-trip time, if a latency phase ran.
	PingMs float64 `json:",omitempty"`
	// JitterMs is the mean absolute difference between consecutive probed
	// round-trip times, if a latency phase ran.
	JitterMs float64 `json:",omitempty"`
	// Done marks the terminal record of the run.
	Done bool
	// Error is a human-readable description of a terminal failure.
	Error string `json:",omitempty"`
	// Metadata carries engine-reported key/value pairs such as the discovered
	// edge and the active upload tier.
	Metadata map[string]string `json:",omitempty"`
}

// ArchivalData is the result form serialized as JSON to disk.
type ArchivalData struct {
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running code.
	Version string
	// StartTime is the run's start time.
	StartTime time.Time
	// EndTime is the run's end time.
	EndTime time.Time
	// Result is the terminal result record.
	Result Result
}

// Archive wraps a terminal Result for archival.
func Archive(r Result, start, end time.Time) *ArchivalData {
	return &ArchivalData{
		GitShortCommit: prometheusx.GitShortCommit,
		StartTime:      start,
		EndTime:        end,
		Result:         r,
	}
}
