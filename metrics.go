package forest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the prometheus namespace all metrics are registered under.
const Namespace = "forest"

func newCounter(name, subsystem, help string) prometheus.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewCounterVec creates a labeled counter under the forest namespace, for
// use by the replicated structures built on a Forest.
func NewCounterVec(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

var (
	itemHashOps = newCounter("item_hash_ops_total", "tree", "Number of item digests computed")
	nodeHashOps = newCounter("node_hash_ops_total", "tree", "Number of node digests computed")

	nodesInserted     = newCounter("nodes_inserted_total", "tree", "Number of peer-supplied nodes accepted")
	integrityFailures = newCounter("integrity_failures_total", "tree", "Number of peer-supplied nodes rejected")
	nodesServed       = newCounter("nodes_served_total", "tree", "Number of nodes serialized for peers")
	nodesPersisted    = newCounter("nodes_persisted_total", "persist", "Number of nodes written to a Persist")
	nodesLoaded       = newCounter("nodes_loaded_total", "persist", "Number of nodes read from a Persist")
	persistCacheSkips = newCounter("cache_skips_total", "persist", "Number of node stores skipped because the NodeCache had them")
)
