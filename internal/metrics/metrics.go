// Package metrics exposes the server's Prometheus instrumentation. All
// collectors register on the default registry; the management dashboard
// scrapes them out of process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registrations counts RegisterPk outcomes by result.
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rendezvous",
		Name:      "registrations_total",
		Help:      "RegisterPk attempts by result.",
	}, []string{"result"})

	// PunchRequests counts punch-hole requests by outcome.
	PunchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rendezvous",
		Name:      "punch_requests_total",
		Help:      "Punch-hole requests by outcome.",
	}, []string{"outcome"})

	// RelayRotations counts relay assignments handed out.
	RelayRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rendezvous",
		Name:      "relay_rotations_total",
		Help:      "Relay server assignments handed to clients.",
	})

	// ResourceRebuilds counts transport resources dropped and recreated
	// after a resource-scoped failure.
	ResourceRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rendezvous",
		Name:      "resource_rebuilds_total",
		Help:      "Transport resources recreated after a failure.",
	}, []string{"resource"})

	// PeersResident tracks the in-memory directory size.
	PeersResident = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rendezvous",
		Name:      "peers_resident",
		Help:      "Peer records resident in the in-memory directory.",
	})

	// ActiveSessions tracks live device sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rendezvous",
		Name:      "active_sessions",
		Help:      "Device sessions not yet expired.",
	})
)
