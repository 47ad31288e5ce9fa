package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	applied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_replication_applied_total",
		Help: "Config records applied to the replica from events or pulls.",
	})
	tombstones = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_replication_tombstones_total",
		Help: "Config deletions applied to the replica.",
	})
	pullsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_replication_pulls_total",
		Help: "Completed full snapshot pulls.",
	})
)
