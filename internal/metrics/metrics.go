// Package metrics holds the process-wide prometheus collectors. The
// /metrics route is registered by the HTTP layer; everything here is
// updated from the hot paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts accepted signaling connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beam_signaling_connections_total",
		Help: "Signaling connections accepted since start.",
	})

	// MessagesTotal counts relayed signaling messages.
	MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beam_signaling_messages_total",
		Help: "Signaling messages relayed since start.",
	})

	// ActiveRooms tracks currently live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beam_active_rooms",
		Help: "Rooms currently held by the registry.",
	})

	// RelayBytesTotal counts plaintext bytes ingested by the relay store.
	RelayBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beam_relay_bytes_total",
		Help: "Plaintext bytes accepted for relay since start.",
	})

	// RelayFiles tracks files currently held by the relay store.
	RelayFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beam_relay_files",
		Help: "Relay files currently on disk.",
	})
)
