package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exposes signaling and room metrics.
type PrometheusCollector struct {
	connectionsOpen    prometheus.Gauge
	participantsOnline prometheus.Gauge
	roomsActive        prometheus.Gauge

	roomsCreatedTotal prometheus.Counter
	joinsTotal        prometheus.Counter
	leavesTotal       prometheus.Counter
	chatMessagesTotal prometheus.Counter

	relayedPayloadsTotal *prometheus.CounterVec
}

// NewPrometheusCollector registers all collectors with reg. Tests pass
// their own registry to avoid duplicate registration panics.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_signal_connections_open",
			Help: "Number of open signaling connections",
		}),
		participantsOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_participants_online",
			Help: "Number of participants currently in rooms",
		}),
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_rooms_active",
			Help: "Number of rooms with at least one participant",
		}),
		roomsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		joinsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_joins_total",
			Help: "Total number of successful room joins",
		}),
		leavesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_leaves_total",
			Help: "Total number of room departures, explicit or by disconnect",
		}),
		chatMessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_chat_messages_total",
			Help: "Total number of chat messages broadcast",
		}),
		relayedPayloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_relayed_payloads_total",
			Help: "Total number of negotiation payloads relayed, by type",
		}, []string{"type"}),
	}
}

func (c *PrometheusCollector) ConnectionOpened() { c.connectionsOpen.Inc() }
func (c *PrometheusCollector) ConnectionClosed() { c.connectionsOpen.Dec() }
func (c *PrometheusCollector) RoomCreated()      { c.roomsCreatedTotal.Inc() }
func (c *PrometheusCollector) RoomActivated()    { c.roomsActive.Inc() }
func (c *PrometheusCollector) RoomEmptied()      { c.roomsActive.Dec() }
func (c *PrometheusCollector) ChatMessageSent()  { c.chatMessagesTotal.Inc() }

func (c *PrometheusCollector) ParticipantJoined() {
	c.participantsOnline.Inc()
	c.joinsTotal.Inc()
}

func (c *PrometheusCollector) ParticipantLeft() {
	c.participantsOnline.Dec()
	c.leavesTotal.Inc()
}

func (c *PrometheusCollector) PayloadRelayed(payloadType string) {
	c.relayedPayloadsTotal.WithLabelValues(payloadType).Inc()
}
