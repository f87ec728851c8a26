package typedb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for connection metrics.
var (
	pendingCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "typedb_pending_calls",
		Help: "Number of calls waiting for a reply over all connections.",
	})
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "typedb_calls_total",
		Help: "Cumulative number of calls sent, by call kind.",
	}, []string{"kind"})
	callFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "typedb_call_failures_total",
		Help: "Cumulative number of calls resolved with a client error, by error code.",
	}, []string{"code"})
	envelopesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "typedb_envelopes_received_total",
		Help: "Cumulative number of envelopes received.",
	})
	lateRepliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "typedb_late_replies_total",
		Help: "Cumulative number of replies dropped because their call was abandoned.",
	})
	connectionFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "typedb_connection_faults_total",
		Help: "Cumulative number of connections closed by a transport or protocol fault.",
	})
	openTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "typedb_open_transactions",
		Help: "Number of currently open transactions.",
	})
)
