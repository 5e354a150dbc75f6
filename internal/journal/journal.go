// Package journal keeps a SQLite history of training runs and their epochs.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/samcharles93/moegpt/internal/train"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL,
	devices INTEGER NOT NULL,
	params INTEGER NOT NULL,
	sync TEXT NOT NULL,
	optimizer TEXT NOT NULL,
	learning_rate REAL NOT NULL,
	seed INTEGER NOT NULL,
	weights_file TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS epochs (
	run_id TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	steps INTEGER NOT NULL,
	train_loss REAL NOT NULL,
	val_loss REAL,
	saved BOOLEAN NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL,
	recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (run_id, epoch),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

// Journal is a training history store. It implements train.EpochRecorder.
type Journal struct {
	conn *sql.DB
}

var _ train.EpochRecorder = (*Journal)(nil)

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize journal: %w", err)
	}
	return &Journal{conn: conn}, nil
}

// Close checkpoints the WAL and closes the database.
func (j *Journal) Close() error {
	_, _ = j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return j.conn.Close()
}

func (j *Journal) StartRun(ctx context.Context, run train.RunInfo) error {
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, devices, params, sync, optimizer, learning_rate, seed, weights_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Started.UTC(), run.Devices, run.Params, run.Sync, run.Optimizer,
		run.LearningRate, run.Seed, run.WeightsFile,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (j *Journal) RecordEpoch(ctx context.Context, rec train.EpochRecord) error {
	var val sql.NullFloat64
	if rec.ValLoss != nil {
		val = sql.NullFloat64{Float64: *rec.ValLoss, Valid: true}
	}
	_, err := j.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO epochs (run_id, epoch, steps, train_loss, val_loss, saved, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Epoch, rec.Steps, rec.TrainLoss, val, rec.Saved, rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert epoch %d of %s: %w", rec.Epoch, rec.RunID, err)
	}
	return nil
}

// Runs lists every run, newest first.
func (j *Journal) Runs(ctx context.Context) ([]train.RunInfo, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT id, started_at, devices, params, sync, optimizer, learning_rate, seed, weights_file
		FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []train.RunInfo
	for rows.Next() {
		var r train.RunInfo
		if err := rows.Scan(&r.ID, &r.Started, &r.Devices, &r.Params, &r.Sync, &r.Optimizer,
			&r.LearningRate, &r.Seed, &r.WeightsFile); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Epochs returns the epochs of runID in order.
func (j *Journal) Epochs(ctx context.Context, runID string) ([]train.EpochRecord, error) {
	var exists bool
	if err := j.conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE id = ?)`, runID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup run: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	rows, err := j.conn.QueryContext(ctx, `
		SELECT epoch, steps, train_loss, val_loss, saved, duration_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []train.EpochRecord
	for rows.Next() {
		rec := train.EpochRecord{RunID: runID}
		var val sql.NullFloat64
		var ms int64
		if err := rows.Scan(&rec.Epoch, &rec.Steps, &rec.TrainLoss, &val, &rec.Saved, &ms); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		if val.Valid {
			rec.ValLoss = &val.Float64
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
