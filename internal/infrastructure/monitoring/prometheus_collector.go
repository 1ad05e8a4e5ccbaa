package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the gateway's connection metrics and the
// media engine client's request observer.
type PrometheusCollector struct {
	// Gauges
	connectionsActive prometheus.Gauge
	usersOnline       prometheus.Gauge
	roomsActive       prometheus.Gauge
	producersActive   prometheus.Gauge

	// Counters
	connectionsTotal prometheus.Counter
	messagesRelayed  prometheus.Counter

	// Histograms
	signalDuration *prometheus.HistogramVec
	sfuDuration    *prometheus.HistogramVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parley_connections_active",
			Help: "Number of open signaling connections",
		}),

		usersOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parley_users_online",
			Help: "Number of users currently online",
		}),

		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parley_rooms_active",
			Help: "Number of rooms with at least one member",
		}),

		producersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parley_producers_active",
			Help: "Number of live media producers",
		}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		messagesRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_messages_relayed_total",
			Help: "Total number of chat messages relayed",
		}),

		signalDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_signal_request_duration_seconds",
			Help:    "Duration of signaling request handling",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"type", "outcome"}),

		sfuDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_sfu_request_duration_seconds",
			Help:    "Duration of media engine control API calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation", "outcome"}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) SignalHandled(messageType string, duration time.Duration, err error) {
	p.signalDuration.WithLabelValues(messageType, outcome(err)).Observe(duration.Seconds())
	if messageType == "sendMessage" && err == nil {
		p.messagesRelayed.Inc()
	}
}

func (p *PrometheusCollector) ObserveSFURequest(operation string, duration time.Duration, err error) {
	p.sfuDuration.WithLabelValues(operation, outcome(err)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) SetUsersOnline(n int) {
	p.usersOnline.Set(float64(n))
}

func (p *PrometheusCollector) SetRoomsActive(n int) {
	p.roomsActive.Set(float64(n))
}

func (p *PrometheusCollector) SetProducersActive(n int) {
	p.producersActive.Set(float64(n))
}

func (p *PrometheusCollector) MessageRelayed() {
	p.messagesRelayed.Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
