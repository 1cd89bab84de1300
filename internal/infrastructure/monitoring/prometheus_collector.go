package monitoring

import (
	"callmesh/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records coordinator activity. It implements
// ports.MetricsRecorder.
type PrometheusCollector struct {
	linksActive prometheus.Gauge
	linksOpened prometheus.Counter
	linksClosed *prometheus.CounterVec

	roundTripTime prometheus.Histogram
	qualityScore  *prometheus.GaugeVec
	packetLoss    *prometheus.GaugeVec
	linkBitrate   *prometheus.GaugeVec

	bitrateAdaptations *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		linksActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callmesh_links_active",
			Help: "Number of open peer links",
		}),

		linksOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "callmesh_links_opened_total",
			Help: "Total number of peer links created",
		}),

		linksClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callmesh_links_closed_total",
			Help: "Total number of peer links torn down, by final state",
		}, []string{"state"}),

		roundTripTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callmesh_link_round_trip_seconds",
			Help:    "Round trip time reported by quality samples",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1},
		}),

		qualityScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmesh_link_quality_score",
			Help: "Latest quality score of each link (0-100)",
		}, []string{"participant_id"}),

		packetLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmesh_link_packet_loss_ratio",
			Help: "Latest outbound packet loss fraction of each link",
		}, []string{"participant_id"}),

		linkBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmesh_link_bitrate_kbps",
			Help: "Current video bitrate cap of each link",
		}, []string{"participant_id"}),

		bitrateAdaptations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callmesh_bitrate_adaptations_total",
			Help: "Bitrate changes applied by adaptation, by resulting tier",
		}, []string{"tier"}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callmesh_messages_sent_total",
			Help: "Data channel messages sent, by kind",
		}, []string{"kind"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callmesh_messages_received_total",
			Help: "Data channel messages received, by kind",
		}, []string{"kind"}),
	}
}

func (p *PrometheusCollector) LinkOpened(id domain.ParticipantID) {
	p.linksActive.Inc()
	p.linksOpened.Inc()
}

func (p *PrometheusCollector) LinkClosed(id domain.ParticipantID, state domain.LinkState) {
	p.linksActive.Dec()
	p.linksClosed.WithLabelValues(string(state)).Inc()

	p.qualityScore.DeleteLabelValues(string(id))
	p.packetLoss.DeleteLabelValues(string(id))
	p.linkBitrate.DeleteLabelValues(string(id))
}

func (p *PrometheusCollector) QualitySampled(m domain.QualityMetrics) {
	id := string(m.ParticipantID)
	p.qualityScore.WithLabelValues(id).Set(m.Score)
	p.packetLoss.WithLabelValues(id).Set(m.Stats.PacketLoss)
	if m.Stats.RoundTripTime > 0 {
		p.roundTripTime.Observe(m.Stats.RoundTripTime.Seconds())
	}
}

func (p *PrometheusCollector) BitrateAdapted(id domain.ParticipantID, kbps int, tier domain.QualityTier) {
	p.linkBitrate.WithLabelValues(string(id)).Set(float64(kbps))
	p.bitrateAdaptations.WithLabelValues(string(tier)).Inc()
}

func (p *PrometheusCollector) MessageSent(kind domain.MessageKind) {
	p.messagesSent.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) MessageReceived(kind domain.MessageKind) {
	p.messagesReceived.WithLabelValues(string(kind)).Inc()
}

