package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/moegpt/internal/train"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRunsAndEpochs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTemp(t)

	first := train.RunInfo{
		ID:           "run-a",
		Started:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Devices:      2,
		Params:       1234,
		Sync:         "allreduce",
		Optimizer:    "adam",
		LearningRate: 1e-5,
		Seed:         7,
		WeightsFile:  "params.safetensors",
	}
	second := first
	second.ID = "run-b"
	second.Started = first.Started.Add(time.Hour)
	for _, r := range []train.RunInfo{first, second} {
		if err := j.StartRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	val := 2.5
	recs := []train.EpochRecord{
		{RunID: "run-a", Epoch: 1, Steps: 10, TrainLoss: 3, Duration: 1500 * time.Millisecond},
		{RunID: "run-a", Epoch: 2, Steps: 10, TrainLoss: 2.75, ValLoss: &val, Saved: true, Duration: time.Second},
	}
	for _, r := range recs {
		if err := j.RecordEpoch(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := j.Runs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]train.RunInfo{second, first}, runs, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Fatalf("runs (-want +got):\n%s", diff)
	}

	got, err := j.Epochs(ctx, "run-a")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(recs, got); diff != "" {
		t.Fatalf("epochs (-want +got):\n%s", diff)
	}

	empty, err := j.Epochs(ctx, "run-b")
	if err != nil || len(empty) != 0 {
		t.Fatalf("run-b epochs = %v, %v", empty, err)
	}
}

func TestEpochsUnknownRun(t *testing.T) {
	t.Parallel()
	j := openTemp(t)
	if _, err := j.Epochs(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("got %v, want ErrRunNotFound", err)
	}
}

func TestRecordEpochRequiresRun(t *testing.T) {
	t.Parallel()
	j := openTemp(t)
	err := j.RecordEpoch(context.Background(), train.EpochRecord{RunID: "ghost", Epoch: 1})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestDuplicateRunRejected(t *testing.T) {
	t.Parallel()
	j := openTemp(t)
	r := train.RunInfo{ID: "dup", Started: time.Now()}
	if err := j.StartRun(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if err := j.StartRun(context.Background(), r); err == nil {
		t.Fatal("expected duplicate run to fail")
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.StartRun(context.Background(), train.RunInfo{ID: "kept", Started: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = j.Close() }()
	runs, err := j.Runs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "kept" {
		t.Fatalf("runs after reopen: %+v", runs)
	}
}
