// Package metrics defines the Prometheus collectors exported by cdnprobe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseBytes counts confirmed transferred bytes by phase.
	PhaseBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdnprobe_phase_bytes_total",
			Help: "Confirmed bytes transferred, by phase.",
		},
		[]string{"phase"},
	)

	// TransportReconnects counts worker reconnections after transport or
	// protocol failures.
	TransportReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdnprobe_transport_reconnects_total",
			Help: "Worker reconnections after transport or protocol failures.",
		},
		[]string{"reason"},
	)

	// DiscoveryProbes counts discovery cascade candidate probes by outcome.
	DiscoveryProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdnprobe_discovery_probes_total",
			Help: "Discovery cascade candidate probes, by outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveWorkers tracks the current number of phase workers.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdnprobe_active_workers",
			Help: "Current number of phase workers.",
		},
	)

	// PhaseTimeouts counts phases ended by the kill timer.
	PhaseTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdnprobe_phase_timeouts_total",
			Help: "Phases ended by the kill timer.",
		},
	)

	// ForcedTeardowns counts handles destroyed by the forced teardown sweep.
	ForcedTeardowns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdnprobe_forced_teardowns_total",
			Help: "Handles destroyed by the forced teardown sweep.",
		},
	)

	// UploadTier counts upload runs by the tier that ended up carrying them.
	UploadTier = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdnprobe_upload_tier_total",
			Help: "Upload runs by active tier.",
		},
		[]string{"tier"},
	)
)
