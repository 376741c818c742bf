// Package server exposes Prometheus instrumentation for connection, login,
// and delivery activity.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the chat server. One instance
// per server; collectors register against the registry passed to NewMetrics.
type Metrics struct {
	ConnectedClients    prometheus.Gauge
	LoggedInUsers       prometheus.Gauge
	RejectedConnections prometheus.Counter
	Logins              prometheus.Counter
	AccountsCreated     prometheus.Counter
	MessagesDelivered   prometheus.Counter
	DeliveryFailures    prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers the server collectors on a fresh
// Prometheus registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Name:      "connected_clients",
			Help:      "Number of currently connected clients, authenticated or not",
		}),
		LoggedInUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Name:      "logged_in_users",
			Help:      "Number of currently authenticated sessions",
		}),
		RejectedConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "rejected_connections_total",
			Help:      "Connections turned away because the server was full",
		}),
		Logins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "logins_total",
			Help:      "Successful logins, including new-account logins",
		}),
		AccountsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "accounts_created_total",
			Help:      "Accounts created via /newuser",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "messages_delivered_total",
			Help:      "Chat lines delivered to recipient queues",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "delivery_failures_total",
			Help:      "Chat lines dropped because a recipient was unresponsive",
		}),
		registry: reg,
	}
}

// Registry returns the Prometheus registry backing these collectors, for the
// HTTP gateway's /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
