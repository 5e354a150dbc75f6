package train

import (
	"context"
	"time"
)

// RunInfo describes a training run.
type RunInfo struct {
	ID           string
	Started      time.Time
	Devices      int
	Params       int
	Sync         string
	Optimizer    string
	LearningRate float64
	Seed         int64
	WeightsFile  string
}

// EpochRecord summarises one epoch. ValLoss is nil when no validation
// loader was given.
type EpochRecord struct {
	RunID     string
	Epoch     int
	Steps     int
	TrainLoss float64
	ValLoss   *float64
	Saved     bool
	Duration  time.Duration
}

// EpochRecorder receives run and epoch summaries.
type EpochRecorder interface {
	StartRun(ctx context.Context, run RunInfo) error
	RecordEpoch(ctx context.Context, rec EpochRecord) error
}
