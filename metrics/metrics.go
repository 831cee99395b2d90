// Package metrics exposes Prometheus counters for the identity store,
// storage sync and session cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation results.
const (
	ResultApplied = "applied"
	ResultNoop    = "noop"
	ResultError   = "error"
)

var (
	// StoreOperations counts identity store calls by operation and result.
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustcore",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Identity store operations by outcome",
	}, []string{"op", "result"})

	// IdentityChanges counts peer key rotations detected during sync.
	IdentityChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trustcore",
		Subsystem: "store",
		Name:      "identity_changes_total",
		Help:      "Peer identity key changes detected during storage sync",
	})

	// SyncRounds counts storage-sync rounds by result.
	SyncRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustcore",
		Subsystem: "sync",
		Name:      "rounds_total",
		Help:      "Storage sync rounds executed",
	}, []string{"result"})

	// SyncRecords counts identities pushed and pulled.
	SyncRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustcore",
		Subsystem: "sync",
		Name:      "records_total",
		Help:      "Identity records exchanged during storage sync",
	}, []string{"direction"})

	// SessionsInvalidated counts cached sessions dropped after key changes.
	SessionsInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trustcore",
		Subsystem: "session",
		Name:      "invalidated_total",
		Help:      "Cached sessions discarded by invalidation",
	})
)

// ObserveStoreOp records one store operation.
func ObserveStoreOp(op, result string) {
	StoreOperations.WithLabelValues(op, result).Inc()
}
