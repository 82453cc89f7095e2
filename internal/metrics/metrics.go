package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PresetResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smlp_preset_resolutions_total",
		Help: "Architecture preset resolutions by preset and outcome",
	}, []string{"preset", "outcome"})

	HeadRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smlp_head_registrations_total",
		Help: "Classification head registrations by action (created, unchanged, replaced, restored)",
	}, []string{"action"})

	MigrationKeys = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smlp_migration_keys_total",
		Help: "State dict keys touched by migration, by action (renamed, dropped, backfilled)",
	}, []string{"action"})

	MigrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "smlp_migration_duration_seconds",
		Help:    "Duration of state dict migrations",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	MigrationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smlp_migration_failures_total",
		Help: "Migrations aborted on a malformed checkpoint",
	})

	CheckpointOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smlp_checkpoint_operations_total",
		Help: "Checkpoint reads and writes by operation, format and outcome",
	}, []string{"op", "format", "outcome"})

	CheckpointTensors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smlp_checkpoint_tensors",
		Help: "Number of tensors in the most recently loaded checkpoint",
	})

	CheckpointBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "smlp_checkpoint_parameter_bytes",
		Help:    "Parameter payload size of loaded checkpoints",
		Buckets: prometheus.ExponentialBuckets(1024, 8, 10),
	})
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func RecordResolution(preset string, err error) {
	PresetResolutions.WithLabelValues(preset, outcome(err)).Inc()
}

func RecordHeadRegistration(action string) {
	HeadRegistrations.WithLabelValues(action).Inc()
}

// RecordMigration records key counts and duration of a finished migration.
func RecordMigration(renamed, dropped, backfilled int, duration time.Duration) {
	MigrationKeys.WithLabelValues("renamed").Add(float64(renamed))
	MigrationKeys.WithLabelValues("dropped").Add(float64(dropped))
	MigrationKeys.WithLabelValues("backfilled").Add(float64(backfilled))
	MigrationDuration.Observe(duration.Seconds())
}

func RecordMigrationFailure() {
	MigrationFailures.Inc()
}

func RecordCheckpointSave(format string, err error) {
	CheckpointOps.WithLabelValues("save", format, outcome(err)).Inc()
}

// RecordCheckpointLoad records a load; tensors and bytes are only observed on success.
func RecordCheckpointLoad(format string, tensors int, bytes int64, err error) {
	CheckpointOps.WithLabelValues("load", format, outcome(err)).Inc()
	if err != nil {
		return
	}
	CheckpointTensors.Set(float64(tensors))
	CheckpointBytes.Observe(float64(bytes))
}
