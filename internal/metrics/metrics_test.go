package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordResolution(t *testing.T) {
	before := testutil.ToFloat64(PresetResolutions.WithLabelValues("smlp_mlm", "ok"))
	RecordResolution("smlp_mlm", nil)
	RecordResolution("smlp_mlm", nil)
	RecordResolution("smlp_mlm", errors.New("unknown"))

	if got := testutil.ToFloat64(PresetResolutions.WithLabelValues("smlp_mlm", "ok")) - before; got != 2 {
		t.Errorf("ok resolutions delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(PresetResolutions.WithLabelValues("smlp_mlm", "error")); got < 1 {
		t.Errorf("error resolutions = %v, want >= 1", got)
	}
}

func TestRecordMigration(t *testing.T) {
	before := testutil.ToFloat64(MigrationKeys.WithLabelValues("dropped"))
	RecordMigration(1, 4, 2, 3*time.Millisecond)

	if got := testutil.ToFloat64(MigrationKeys.WithLabelValues("dropped")) - before; got != 4 {
		t.Errorf("dropped delta = %v, want 4", got)
	}
}

func TestRecordHeadRegistration(t *testing.T) {
	before := testutil.ToFloat64(HeadRegistrations.WithLabelValues("replaced"))
	RecordHeadRegistration("replaced")
	if got := testutil.ToFloat64(HeadRegistrations.WithLabelValues("replaced")) - before; got != 1 {
		t.Errorf("replaced delta = %v, want 1", got)
	}
}

func TestRecordCheckpointLoad(t *testing.T) {
	RecordCheckpointLoad("arrow", 12, 4096, nil)
	if got := testutil.ToFloat64(CheckpointTensors); got != 12 {
		t.Errorf("CheckpointTensors = %v, want 12", got)
	}

	RecordCheckpointLoad("gguf", 99, 1, errors.New("bad magic"))
	if got := testutil.ToFloat64(CheckpointTensors); got != 12 {
		t.Errorf("failed load should not update gauge, got %v", got)
	}

	RecordCheckpointSave("arrow", nil)
	RecordMigrationFailure()
}
