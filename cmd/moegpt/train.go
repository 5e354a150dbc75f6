package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moegpt/internal/checkpoint"
	"github.com/samcharles93/moegpt/internal/journal"
	"github.com/samcharles93/moegpt/internal/logger"
	"github.com/samcharles93/moegpt/internal/model"
	"github.com/samcharles93/moegpt/internal/train"
)

func trainCmd() *cli.Command {
	var (
		mflags      modelFlagValues
		dataPath    string
		valPath     string
		epochs      int
		batchSize   int
		synthetic   int
		devices     int
		syncMode    string
		savePolicy  string
		weights     string
		paramsPath  string
		journalPath string
		seed        int64
		lr          float64
		optimizer   string
		dtype       string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "data",
			Usage:       "JSON file holding an array of token sequences (synthetic data when empty)",
			Destination: &dataPath,
		},
		&cli.StringFlag{
			Name:        "val-data",
			Usage:       "JSON file of validation sequences",
			Destination: &valPath,
		},
		&cli.IntFlag{
			Name:        "epochs",
			Usage:       "passes over the training data",
			Value:       2,
			Destination: &epochs,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Usage:       "global batch size, split evenly across devices",
			Value:       8,
			Destination: &batchSize,
		},
		&cli.IntFlag{
			Name:        "synthetic-batches",
			Usage:       "number of synthetic batches when --data is empty",
			Value:       10,
			Destination: &synthetic,
		},
		&cli.IntFlag{
			Name:        "devices",
			Usage:       "data-parallel replicas",
			Value:       1,
			Destination: &devices,
		},
		&cli.StringFlag{
			Name:        "sync",
			Usage:       "gradient synchronisation (allreduce, none)",
			Value:       string(train.SyncAllReduce),
			Destination: &syncMode,
		},
		&cli.StringFlag{
			Name:        "save-policy",
			Usage:       "when to save after validation (always, improved)",
			Value:       string(train.SaveAlways),
			Destination: &savePolicy,
		},
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "checkpoint file to write",
			Value:       "params.safetensors",
			Destination: &weights,
		},
		&cli.StringFlag{
			Name:        "params",
			Usage:       "checkpoint to resume from",
			Destination: &paramsPath,
		},
		&cli.StringFlag{
			Name:        "journal",
			Usage:       "SQLite file recording runs and epoch losses",
			Destination: &journalPath,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "initialisation and dropout seed",
			Destination: &seed,
		},
		&cli.Float64Flag{
			Name:        "lr",
			Aliases:     []string{"learning-rate"},
			Usage:       "learning rate",
			Value:       1e-5,
			Destination: &lr,
		},
		&cli.StringFlag{
			Name:        "optimizer",
			Usage:       "optimizer (adam, sgd)",
			Value:       "adam",
			Destination: &optimizer,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "checkpoint element type (f32, f16, bf16)",
			Value:       "f32",
			Destination: &dtype,
		},
	}

	return &cli.Command{
		Name:  "train",
		Usage: "Train the model and write a checkpoint",
		Flags: append(flags, modelFlags(&mflags)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyTrainConfig(cmd, fileConfig.Train, &epochs, &batchSize, &devices, &lr,
				&optimizer, &syncMode, &savePolicy, &seed, &weights, &journalPath, &dtype)

			cfg, err := resolveModelConfig(cmd, fileConfig, &mflags, paramsPath)
			if err != nil {
				return err
			}
			gpt, err := model.New(cfg)
			if err != nil {
				return err
			}
			saveType, err := checkpoint.ParseDType(dtype)
			if err != nil {
				return err
			}
			opt, err := train.NewOptimizer(optimizer, lr)
			if err != nil {
				return err
			}
			encoded, err := encodeModelConfig(cfg)
			if err != nil {
				return err
			}

			loader, err := loadBatches(dataPath, batchSize, synthetic, cfg)
			if err != nil {
				return err
			}
			var val train.Loader
			if valPath != "" {
				if val, err = loadBatches(valPath, batchSize, 0, cfg); err != nil {
					return fmt.Errorf("validation data: %w", err)
				}
			}

			opts := train.Options{
				WeightsFile:  weights,
				LearningRate: lr,
				ParamsPath:   paramsPath,
				Devices:      devices,
				InputShape:   declaredShape(batchSize, cfg),
				Seed:         seed,
				Sync:         train.SyncMode(syncMode),
				SavePolicy:   train.SavePolicy(savePolicy),
				SaveDType:    saveType,
				Metadata:     map[string]string{modelConfigKey: encoded},
				Optimizer:    opt,
				Logger:       log,
			}
			if journalPath != "" {
				j, err := journal.Open(journalPath)
				if err != nil {
					return err
				}
				defer func() {
					if cerr := j.Close(); cerr != nil {
						log.Warn("close journal", "error", cerr)
					}
				}()
				opts.Recorder = j
			}

			trainer, err := train.New(gpt, opts)
			if err != nil {
				return err
			}
			if err := trainer.Train(ctx, loader, epochs, val); err != nil {
				return err
			}
			// Without validation nothing is saved per epoch.
			if val == nil {
				return trainer.SaveParams()
			}
			return nil
		},
	}
}

// applyTrainConfig applies config file defaults to train command variables
// when the corresponding CLI flag was not explicitly set.
func applyTrainConfig(c *cli.Command, cfg TrainConfig,
	epochs, batchSize, devices *int, lr *float64,
	optimizer, syncMode, savePolicy *string, seed *int64,
	weights, journalPath, dtype *string,
) {
	if cfg.Epochs != nil && !c.IsSet("epochs") {
		*epochs = *cfg.Epochs
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		*batchSize = *cfg.BatchSize
	}
	if cfg.Devices != nil && !c.IsSet("devices") {
		*devices = *cfg.Devices
	}
	if cfg.LearningRate != nil && !c.IsSet("lr") {
		*lr = *cfg.LearningRate
	}
	if cfg.Optimizer != "" && !c.IsSet("optimizer") {
		*optimizer = cfg.Optimizer
	}
	if cfg.Sync != "" && !c.IsSet("sync") {
		*syncMode = cfg.Sync
	}
	if cfg.SavePolicy != "" && !c.IsSet("save-policy") {
		*savePolicy = cfg.SavePolicy
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if cfg.Weights != "" && !c.IsSet("weights") {
		*weights = cfg.Weights
	}
	if cfg.Journal != "" && !c.IsSet("journal") {
		*journalPath = cfg.Journal
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		*dtype = cfg.DType
	}
}

// declaredShape is the (batch, seq) shape every training batch must have:
// full-length sequences shifted by one token.
func declaredShape(batchSize int, cfg model.Config) []int {
	return []int{batchSize, cfg.MaxLength - 1}
}

// loadBatches reads sequences from path, or builds synthetic batches shaped
// for cfg when path is empty.
func loadBatches(path string, batchSize, synthetic int, cfg model.Config) (train.SliceLoader, error) {
	if path == "" {
		if batchSize <= 0 || synthetic <= 0 {
			return nil, fmt.Errorf("%w: synthetic data needs positive batch size and batch count", train.ErrInvalidOptions)
		}
		return train.SyntheticBatches(synthetic, batchSize, cfg.MaxLength, cfg.VocabSize), nil
	}
	seqs, err := readSequences(path)
	if err != nil {
		return nil, err
	}
	return train.ShiftedBatches(seqs, batchSize)
}

func readSequences(path string) ([][]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seqs [][]int
	if err := json.Unmarshal(data, &seqs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return seqs, nil
}
