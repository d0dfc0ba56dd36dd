package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionsActive tracks currently open websocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vibechat",
		Name:      "ws_connections_active",
		Help:      "Number of open websocket connections.",
	})

	// EventsPublished counts room events published to the broker, by event type.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibechat",
		Name:      "room_events_published_total",
		Help:      "Room events published for fan-out, by event type.",
	}, []string{"type"})

	// EventsDelivered counts per-connection deliveries of room events.
	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vibechat",
		Name:      "room_events_delivered_total",
		Help:      "Room events delivered to individual subscribers.",
	})

	// MessagesPersisted counts messages accepted by the durable write path.
	MessagesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vibechat",
		Name:      "messages_persisted_total",
		Help:      "Messages written to the message store.",
	})
)

func init() {
	prometheus.MustRegister(ConnectionsActive, EventsPublished, EventsDelivered, MessagesPersisted)
}
