package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the relay's Prometheus metrics.
type Metrics struct {
	Connections   prometheus.Gauge
	ActiveStreams prometheus.Gauge
	StreamsOpened prometheus.Counter
	StreamsEnded  *prometheus.CounterVec
	Results       *prometheus.CounterVec
	AudioBytes    prometheus.Counter
	OpenErrors    prometheus.Counter
}

// NewMetrics creates the relay metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "speechrelay_connections",
			Help: "Current number of client websocket connections",
		}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "speechrelay_active_streams",
			Help: "Current number of open upstream recognition streams",
		}),
		StreamsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "speechrelay_streams_opened_total",
			Help: "Total number of upstream recognition streams opened",
		}),
		StreamsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speechrelay_streams_ended_total",
			Help: "Total number of upstream recognition streams ended, by reason",
		}, []string{"reason"}),
		Results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speechrelay_results_total",
			Help: "Total number of recognition results forwarded, by type",
		}, []string{"type"}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "speechrelay_audio_bytes_total",
			Help: "Total bytes of audio forwarded upstream",
		}),
		OpenErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "speechrelay_stream_open_errors_total",
			Help: "Total number of failed upstream stream opens",
		}),
	}
}

func (m *Metrics) streamOpened() {
	m.StreamsOpened.Inc()
	m.ActiveStreams.Inc()
}

func (m *Metrics) streamEnded(reason string) {
	m.StreamsEnded.WithLabelValues(reason).Inc()
	m.ActiveStreams.Dec()
}
