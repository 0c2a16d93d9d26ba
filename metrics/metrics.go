// Package metrics exposes prometheus collectors for channels and
// operations. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the taskfeed collectors.
type Recorder struct {
	channelsOpen     prometheus.Gauge
	reconnects       prometheus.Counter
	rateLimited      prometheus.Counter
	stale            prometheus.Counter
	channelFailures  prometheus.Counter
	framesReceived   *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	jobs             *prometheus.CounterVec
	operations       *prometheus.CounterVec
	submitLatency    prometheus.Histogram
	activeOperations prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskfeed_channels_open",
			Help: "Number of event channels currently open.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskfeed_channel_reconnects_total",
			Help: "Reconnect attempts scheduled after abnormal closures.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskfeed_channel_reconnects_rate_limited_total",
			Help: "Reconnects forced to the flat delay by the attempt window.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskfeed_channel_stale_total",
			Help: "Channels closed because no message arrived within the timeout.",
		}),
		channelFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskfeed_channel_failures_total",
			Help: "Channels that exhausted their reconnect attempts.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfeed_frames_received_total",
			Help: "Decoded inbound frames by kind.",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfeed_frames_dropped_total",
			Help: "Inbound frames that were malformed or could not be routed.",
		}, []string{"reason"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfeed_jobs_total",
			Help: "Job state transitions by resulting state.",
		}, []string{"state"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskfeed_operations_total",
			Help: "Operations reaching a terminal aggregate state.",
		}, []string{"state"}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskfeed_job_submit_seconds",
			Help:    "Latency of job creation requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		activeOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskfeed_operations_active",
			Help: "Operations currently tracked by the coordinator.",
		}),
	}

	reg.MustRegister(
		r.channelsOpen, r.reconnects, r.rateLimited, r.stale, r.channelFailures,
		r.framesReceived, r.framesDropped, r.jobs, r.operations,
		r.submitLatency, r.activeOperations,
	)
	return r
}

// ChannelOpened increments the open channel gauge.
func (r *Recorder) ChannelOpened() {
	if r == nil {
		return
	}
	r.channelsOpen.Inc()
}

// ChannelDown decrements the open channel gauge.
func (r *Recorder) ChannelDown() {
	if r == nil {
		return
	}
	r.channelsOpen.Dec()
}

// ReconnectScheduled counts one scheduled reconnect.
func (r *Recorder) ReconnectScheduled(rateLimited bool) {
	if r == nil {
		return
	}
	r.reconnects.Inc()
	if rateLimited {
		r.rateLimited.Inc()
	}
}

// ChannelStale counts one stale detection.
func (r *Recorder) ChannelStale() {
	if r == nil {
		return
	}
	r.stale.Inc()
}

// ChannelFailed counts one exhausted channel.
func (r *Recorder) ChannelFailed() {
	if r == nil {
		return
	}
	r.channelFailures.Inc()
}

// FrameReceived counts a decoded frame.
func (r *Recorder) FrameReceived(kind string) {
	if r == nil {
		return
	}
	r.framesReceived.WithLabelValues(kind).Inc()
}

// FrameDropped counts a frame that was discarded.
func (r *Recorder) FrameDropped(reason string) {
	if r == nil {
		return
	}
	r.framesDropped.WithLabelValues(reason).Inc()
}

// JobTransition counts a job entering state.
func (r *Recorder) JobTransition(state string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(state).Inc()
}

// OperationSettled counts an operation reaching a terminal aggregate.
func (r *Recorder) OperationSettled(state string) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(state).Inc()
}

// ObserveSubmit records one job creation latency.
func (r *Recorder) ObserveSubmit(d time.Duration) {
	if r == nil {
		return
	}
	r.submitLatency.Observe(d.Seconds())
}

// OperationTracked adjusts the active operation gauge by delta.
func (r *Recorder) OperationTracked(delta int) {
	if r == nil {
		return
	}
	r.activeOperations.Add(float64(delta))
}
