package icomwlan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors get_metrics() in spec.md §6: every value is kept as
// a plain Go field for polling AND mirrored into a Prometheus registry
// for scraping, per SPEC_FULL.md §6. Grounded on prometheus.go's
// promauto.New*Vec idiom; unlike the teacher (a single long-lived
// process registering against the default registry) this is an
// embeddable library, so metrics are registered against a private
// *prometheus.Registry created per Controller rather than the global
// default registerer — promauto.With(registry) is still the same
// promauto helper family the teacher uses.
type Metrics struct {
	registry *prometheus.Registry

	phase        Phase
	trackedSeq   map[string]uint16
	retransmits  map[string]uint64
	reconnects   uint64
	jitterMeanMS float64
	jitterStdDevMS float64
	framesSent   uint64

	gPhase       *prometheus.GaugeVec
	gTrackedSeq  *prometheus.GaugeVec
	cRetransmits *prometheus.CounterVec
	cReconnects  prometheus.Counter
	gJitterMean  prometheus.Gauge
	gJitterStdDev prometheus.Gauge
	gFramesSent  prometheus.Gauge
}

// MetricsSnapshot is the value returned by get_metrics().
type MetricsSnapshot struct {
	Phase              Phase
	TrackedSeq         map[string]uint16
	Retransmits        map[string]uint64
	Reconnects         uint64
	AudioJitterMeanMS  float64
	AudioJitterStdDevMS float64
	FramesSent         uint64
}

// NewMetrics allocates a fresh metrics set with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		registry:    reg,
		trackedSeq:  make(map[string]uint16),
		retransmits: make(map[string]uint64),
		gPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "icomwlan",
			Name:      "phase",
			Help:      "Current connection phase (1 per known phase name, 0/1 indicator).",
		}, []string{"phase"}),
		gTrackedSeq: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "icomwlan",
			Name:      "tracked_seq",
			Help:      "Current tracked sequence number per session.",
		}, []string{"session"}),
		cRetransmits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icomwlan",
			Name:      "retransmits_total",
			Help:      "Retransmit requests served per session.",
		}, []string{"session"}),
		cReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "icomwlan",
			Name:      "reconnects_total",
			Help:      "Successful reconnects since startup.",
		}),
		gJitterMean: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "icomwlan",
			Name:      "audio_jitter_mean_ms",
			Help:      "Mean audio scheduler jitter, milliseconds.",
		}),
		gJitterStdDev: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "icomwlan",
			Name:      "audio_jitter_stddev_ms",
			Help:      "Standard deviation of audio scheduler jitter, milliseconds.",
		}),
		gFramesSent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "icomwlan",
			Name:      "audio_frames_sent_total",
			Help:      "Audio frames transmitted since the last connect.",
		}),
	}
	return m
}

// Registry exposes the Prometheus registry for a caller that wants to
// scrape rather than poll.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) setPhase(p Phase) {
	m.gPhase.Reset()
	m.phase = p
	m.gPhase.WithLabelValues(p.String()).Set(1)
}

func (m *Metrics) setTrackedSeq(session string, seq uint16) {
	m.trackedSeq[session] = seq
	m.gTrackedSeq.WithLabelValues(session).Set(float64(seq))
}

func (m *Metrics) incRetransmits(session string) {
	m.retransmits[session]++
	m.cRetransmits.WithLabelValues(session).Inc()
}

func (m *Metrics) incReconnects() {
	m.reconnects++
	m.cReconnects.Inc()
}

func (m *Metrics) setAudioJitter(meanMS, stddevMS float64) {
	m.jitterMeanMS = meanMS
	m.jitterStdDevMS = stddevMS
	m.gJitterMean.Set(meanMS)
	m.gJitterStdDev.Set(stddevMS)
}

func (m *Metrics) setFramesSent(n uint64) {
	m.framesSent = n
	m.gFramesSent.Set(float64(n))
}

// Snapshot returns a point-in-time copy suitable for get_metrics().
func (m *Metrics) Snapshot() MetricsSnapshot {
	tracked := make(map[string]uint16, len(m.trackedSeq))
	for k, v := range m.trackedSeq {
		tracked[k] = v
	}
	retr := make(map[string]uint64, len(m.retransmits))
	for k, v := range m.retransmits {
		retr[k] = v
	}
	return MetricsSnapshot{
		Phase:               m.phase,
		TrackedSeq:          tracked,
		Retransmits:         retr,
		Reconnects:          m.reconnects,
		AudioJitterMeanMS:   m.jitterMeanMS,
		AudioJitterStdDevMS: m.jitterStdDevMS,
		FramesSent:          m.framesSent,
	}
}
