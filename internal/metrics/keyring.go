package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Keyring-related Prometheus metrics. These are defined in a standalone package
// to avoid import cycles between keyring and HTTP packages.

var (
	KeyringOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyring_operations_total",
		Help: "Operaciones de keyring por tipo y resultado",
	}, []string{"op", "result"}) // result: ok|error

	KeysImported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyring_keys_imported_total",
		Help: "Claves importadas por kind y resultado",
	}, []string{"kind", "result"}) // result: success|error

	SyncPayloadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keyring_sync_payload_bytes",
		Help:    "Tamaño del payload de sync armado o recibido",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	})

	SyncMergeActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyring_sync_merge_actions_total",
		Help: "Acciones aplicadas durante merges de sync",
	}, []string{"action"}) // action: applied|unchanged|removed|skipped|error

	BackupOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyring_backup_operations_total",
		Help: "Backups creados y restaurados por resultado",
	}, []string{"op", "result"}) // op: create|restore
)

// RegisterKeyring registers the keyring metrics on the given registry (or
// default if nil).
func RegisterKeyring(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		KeyringOps,
		KeysImported,
		SyncPayloadBytes,
		SyncMergeActions,
		BackupOps,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// ObserveOp incrementa el contador de la operación con el resultado derivado
// del error.
func ObserveOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	KeyringOps.WithLabelValues(op, result).Inc()
}
