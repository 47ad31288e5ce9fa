package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	published = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_bus_published_total",
		Help: "Config event notifications published.",
	})
	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_bus_publish_failures_total",
		Help: "Config event notifications that failed to publish.",
	})
	received = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_bus_received_total",
		Help: "Config event notifications received by the listener.",
	})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_bus_reconnects_total",
		Help: "Listener connection drops followed by a reconnect.",
	})
)
