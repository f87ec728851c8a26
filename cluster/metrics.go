package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for cluster metrics.
var (
	directoryRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "typedb_cluster_directory_refreshes_total",
		Help: "Cumulative number of replica describe requests, by status.",
	}, []string{"status"})
	directorySharedRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "typedb_cluster_directory_shared_refreshes_total",
		Help: "Cumulative number of refreshes served by a concurrent describe request.",
	})
	failsafeAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "typedb_cluster_failsafe_attempts_total",
		Help: "Cumulative number of task executions, by mode.",
	}, []string{"mode"})
	failsafeRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "typedb_cluster_failsafe_retries_total",
		Help: "Cumulative number of task executions that failed over, by mode.",
	}, []string{"mode"})
	clusterUnavailableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "typedb_cluster_unavailable_total",
		Help: "Cumulative number of operations failed because no replica could serve them.",
	})
)
