package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes broker-wide counters and gauges over a prometheus
// registry. Mutation happens from the reactor goroutine, except the
// cluster-peer gauge, which cluster link goroutines set; prometheus
// types are internally synchronized, so these are the only broker fields
// safe to touch concurrently, e.g. from an HTTP handler.
type Metrics struct {
	connectedClients  prometheus.Gauge
	subscriptionCount prometheus.Gauge
	retainedCount     prometheus.Gauge
	clusterPeers      prometheus.Gauge
	publishIn         prometheus.Counter
	publishOut        prometheus.Counter
	qosDropped        prometheus.Counter
}

// NewMetrics builds a Metrics instance registered against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for a process-wide one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaymq_connected_clients", Help: "Number of clients currently connected to this node.",
		}),
		subscriptionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaymq_subscriptions", Help: "Number of active subscriptions in the topic trie.",
		}),
		retainedCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaymq_retained_messages", Help: "Number of retained messages held by this node.",
		}),
		clusterPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaymq_cluster_peers", Help: "Number of connected cluster peer nodes.",
		}),
		publishIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymq_publish_in_total", Help: "Total PUBLISH packets received from clients.",
		}),
		publishOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymq_publish_out_total", Help: "Total PUBLISH packets delivered to subscribers.",
		}),
		qosDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymq_qos_dropped_total", Help: "QoS 1/2 messages dropped after exhausting retries or expiring.",
		}),
	}

	reg.MustRegister(
		m.connectedClients,
		m.subscriptionCount,
		m.retainedCount,
		m.clusterPeers,
		m.publishIn,
		m.publishOut,
		m.qosDropped,
	)

	return m
}

func (m *Metrics) SetConnectedClients(n int)  { m.connectedClients.Set(float64(n)) }
func (m *Metrics) SetSubscriptionCount(n int) { m.subscriptionCount.Set(float64(n)) }
func (m *Metrics) SetRetainedCount(n int)     { m.retainedCount.Set(float64(n)) }
func (m *Metrics) SetClusterPeers(n int)      { m.clusterPeers.Set(float64(n)) }
func (m *Metrics) IncPublishIn()              { m.publishIn.Inc() }
func (m *Metrics) IncPublishOut()             { m.publishOut.Inc() }
func (m *Metrics) IncQoSDropped()             { m.qosDropped.Inc() }

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
