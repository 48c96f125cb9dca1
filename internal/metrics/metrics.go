package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Input
	inputBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_input_bytes_total",
		Help: "Bytes read from input streams",
	}, []string{"scheme"})

	inputErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_input_errors_total",
		Help: "Input stream errors",
	}, []string{"scheme", "transient"})

	inputRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reel_input_retries_total",
		Help: "Retried transient input failures",
	})

	// Demux
	packetsDemuxedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_packets_demuxed_total",
		Help: "Packets produced by demuxers",
	}, []string{"container", "kind"})

	packetsCorruptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_packets_corrupt_total",
		Help: "Malformed packets skipped during demux",
	}, []string{"container"})

	// Decode
	framesDecodedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_frames_decoded_total",
		Help: "Frames emitted by decoders",
	}, []string{"codec"})

	decodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_decode_errors_total",
		Help: "Per-frame decode errors",
	}, []string{"codec"})

	decodeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reel_decode_duration_seconds",
		Help:    "Time spent in Submit+Retrieve per packet",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8), // 10µs to ~160ms
	}, []string{"codec"})

	// Render
	framesPresentedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_frames_presented_total",
		Help: "Frames handed to the renderer",
	}, []string{"kind"})

	framesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_frames_dropped_total",
		Help: "Frames dropped for lateness or after a seek",
	}, []string{"kind", "reason"})

	framesSubstitutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_frames_substituted_total",
		Help: "Frames replaced after a decode error",
	}, []string{"kind"})

	syncDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reel_sync_drift_seconds",
		Help: "Video presentation offset against the master clock (positive = late)",
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reel_queue_depth",
		Help: "Items waiting in a pipeline queue",
	}, []string{"queue"})

	// Session
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reel_sessions_active",
		Help: "Playback sessions currently open",
	})

	seeksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_seeks_total",
		Help: "Seek requests",
	}, []string{"result"})

	sessionsTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_sessions_terminated_total",
		Help: "Sessions ended, by stage of the terminating error (none = clean end)",
	}, []string{"stage"})

	navigationCommandsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reel_navigation_commands_total",
		Help: "Navigation VM commands executed",
	})

	// Control API
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reel_http_requests_total",
		Help: "Control API requests",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reel_http_request_duration_seconds",
		Help:    "Control API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func AddInputBytes(scheme string, n int) {
	inputBytesTotal.WithLabelValues(scheme).Add(float64(n))
}

func IncInputError(scheme string, transient bool) {
	t := "false"
	if transient {
		t = "true"
	}
	inputErrorsTotal.WithLabelValues(scheme, t).Inc()
}

func IncRetry() { inputRetriesTotal.Inc() }

func IncPacketDemuxed(container, kind string) {
	packetsDemuxedTotal.WithLabelValues(container, kind).Inc()
}

func IncCorruptPacket(container string) {
	packetsCorruptTotal.WithLabelValues(container).Inc()
}

func IncFrameDecoded(codec string) { framesDecodedTotal.WithLabelValues(codec).Inc() }

func IncDecodeError(codec string) { decodeErrorsTotal.WithLabelValues(codec).Inc() }

func ObserveDecode(codec string, d time.Duration) {
	decodeLatency.WithLabelValues(codec).Observe(d.Seconds())
}

func IncFramePresented(kind string) { framesPresentedTotal.WithLabelValues(kind).Inc() }

// Drop reasons.
const (
	DropLate  = "late"
	DropStale = "stale" // produced before the latest seek
)

func IncFrameDropped(kind, reason string) {
	framesDroppedTotal.WithLabelValues(kind, reason).Inc()
}

func IncFrameSubstituted(kind string) { framesSubstitutedTotal.WithLabelValues(kind).Inc() }

func SetSyncDrift(d time.Duration) { syncDrift.Set(d.Seconds()) }

func SetQueueDepth(queue string, n int) { queueDepth.WithLabelValues(queue).Set(float64(n)) }

func SessionOpened() { sessionsActive.Inc() }

// SessionClosed records the end of a session. stage is empty for a clean end.
func SessionClosed(stage string) {
	sessionsActive.Dec()
	if stage == "" {
		stage = "none"
	}
	sessionsTerminatedTotal.WithLabelValues(stage).Inc()
}

func IncSeek(ok bool) {
	if ok {
		seeksTotal.WithLabelValues("ok").Inc()
		return
	}
	seeksTotal.WithLabelValues("error").Inc()
}

func AddNavigationCommands(n int) { navigationCommandsTotal.Add(float64(n)) }

func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
