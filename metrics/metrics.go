// Package metrics holds the Prometheus collectors of the fetch and cast pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Track results recorded by TracksTotal.
const (
	ResultCast     = "cast"
	ResultFailed   = "failed"
	ResultSkipped  = "skipped"
	ResultRejected = "rejected"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FetchedBytes   prometheus.Counter
	CastBytes      prometheus.Counter
	Datagrams      prometheus.Counter
	Underruns      prometheus.Counter
	TracksTotal    *prometheus.CounterVec
	TrackState     prometheus.Gauge
	TimeToPlayable prometheus.Histogram
	FetchErrors    prometheus.Counter
	QueueLength    prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FetchedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "lancast_fetched_bytes_total",
			Help: "Plaintext bytes written into track buffers",
		}),
		CastBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "lancast_cast_bytes_total",
			Help: "Bytes sent to the multicast group",
		}),
		Datagrams: factory.NewCounter(prometheus.CounterOpts{
			Name: "lancast_datagrams_total",
			Help: "Datagrams sent to the multicast group",
		}),
		Underruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "lancast_underrun_episodes_total",
			Help: "Times the caster had to wait for the fetcher",
		}),
		TracksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lancast_tracks_total",
			Help: "Tracks handled by the player by result",
		}, []string{"result"}),
		TrackState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lancast_current_track_state",
			Help: "State of the track being fetched (1 idle, 2 fetching, 3 playable, 4 fetched, -1 failed)",
		}),
		TimeToPlayable: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lancast_time_to_playable_seconds",
			Help:    "Time from fetch start to the playable state",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		FetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lancast_fetch_errors_total",
			Help: "Fetch attempts that ended in an error",
		}),
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lancast_queue_length",
			Help: "Tracks waiting in the queue",
		}),
	}
}

// Track records the result of one track.
func (m *Metrics) Track(result string) {
	if m == nil {
		return
	}
	m.TracksTotal.WithLabelValues(result).Inc()
}

// Fetched records plaintext bytes written to a buffer.
func (m *Metrics) Fetched(n int) {
	if m == nil {
		return
	}
	m.FetchedBytes.Add(float64(n))
}

// Sent records one datagram of n bytes.
func (m *Metrics) Sent(n int) {
	if m == nil {
		return
	}
	m.CastBytes.Add(float64(n))
	m.Datagrams.Inc()
}

// Underrun records the start of an underrun episode.
func (m *Metrics) Underrun() {
	if m == nil {
		return
	}
	m.Underruns.Inc()
}

// State records the state of the track being fetched.
func (m *Metrics) State(rank int) {
	if m == nil {
		return
	}
	m.TrackState.Set(float64(rank))
}

// Playable records the time in seconds it took to become playable.
func (m *Metrics) Playable(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToPlayable.Observe(seconds)
}

// FetchFailed records a failed fetch attempt.
func (m *Metrics) FetchFailed() {
	if m == nil {
		return
	}
	m.FetchErrors.Inc()
}

// Queued records the queue length.
func (m *Metrics) Queued(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}
