package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moegpt/internal/checkpoint"
	"github.com/samcharles93/moegpt/internal/logger"
	"github.com/samcharles93/moegpt/internal/model"
	"github.com/samcharles93/moegpt/internal/nn"
)

func generateCmd() *cli.Command {
	var (
		mflags        modelFlagValues
		weights       string
		prefixArg     string
		temperature   float64
		deterministic bool
		seed          int64
		batch         bool
		batchStop     string
		topK          int
		topP          float64
		jsonOut       bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "checkpoint to sample from",
			Value:       "params.safetensors",
			Destination: &weights,
		},
		prefixFlag(&prefixArg),
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (<= 0 is greedy)",
			Value:       1,
			Destination: &temperature,
		},
		&cli.BoolFlag{
			Name:        "deterministic",
			Usage:       "always pick the most probable token",
			Destination: &deterministic,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed (-1 for time based)",
			Value:       -1,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "batch",
			Usage:       "decode every prefix row together",
			Destination: &batch,
		},
		&cli.StringFlag{
			Name:        "batch-stop",
			Usage:       "batched stopping rule (legacy, masked)",
			Value:       string(model.BatchStopLegacy),
			Destination: &batchStop,
		},
		&cli.IntFlag{
			Name:        "top-k",
			Usage:       "sample from the k most probable tokens (0 disables)",
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "nucleus sampling threshold (0 disables)",
			Destination: &topP,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the result as JSON",
			Destination: &jsonOut,
		},
	}

	return &cli.Command{
		Name:  "generate",
		Usage: "Sample tokens from a trained checkpoint",
		Flags: append(flags, modelFlags(&mflags)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			prefix, err := parsePrefixes(prefixArg)
			if err != nil {
				return err
			}
			gpt, params, err := loadModel(cmd, &mflags, weights)
			if err != nil {
				return err
			}
			if seed < 0 {
				seed = time.Now().UnixNano()
			}
			opts := model.GenerateOptions{
				Temperature:   float32(temperature),
				Deterministic: deterministic,
				Rng:           rand.New(rand.NewSource(seed)),
				TopK:          topK,
				TopP:          float32(topP),
				BatchStop:     model.BatchStop(batchStop),
			}
			log.Debug("generating", "rows", len(prefix), "batch", batch, "seed", seed)

			start := time.Now()
			var rows [][]int
			if batch {
				rows, err = gpt.GenerateBatch(ctx, params, prefix, opts)
			} else {
				var tokens []int
				tokens, err = gpt.Generate(ctx, params, prefix, opts)
				rows = [][]int{tokens}
			}
			if err != nil {
				return err
			}
			log.Info("generation complete", "rows", len(rows), "took", time.Since(start))
			return printRows(os.Stdout, rows, seed, jsonOut)
		},
	}
}

// loadModel builds the model described by the checkpoint (or the config
// and flags) and loads its parameters.
func loadModel(cmd *cli.Command, mflags *modelFlagValues, weights string) (*model.GPT, *nn.Params, error) {
	cfg, err := resolveModelConfig(cmd, fileConfig, mflags, weights)
	if err != nil {
		return nil, nil, err
	}
	gpt, err := model.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	loaded, err := checkpoint.Load(weights)
	if err != nil {
		return nil, nil, err
	}
	params, err := checkpoint.Substitute(gpt.Init(rand.New(rand.NewSource(0))), loaded)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", weights, err)
	}
	return gpt, params, nil
}

// prefixFlag takes every row in one value: "1,2;3,4" is two rows.
func prefixFlag(dest *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "prefix",
		Usage:       `prefix tokens, comma separated; rows separated by ";" (e.g. "1,2;3,4")`,
		Destination: dest,
	}
}

// parsePrefixes turns "1,2,3;4,5,6" into token rows. An empty string means
// the model starts from its start token.
func parsePrefixes(arg string) ([][]int, error) {
	if strings.TrimSpace(arg) == "" {
		return nil, nil
	}
	rows := strings.Split(arg, ";")
	out := make([][]int, 0, len(rows))
	for i, row := range rows {
		fields := strings.FieldsFunc(row, func(r rune) bool { return r == ',' || r == ' ' })
		if len(fields) == 0 {
			return nil, fmt.Errorf("prefix row %d is empty", i)
		}
		ids := make([]int, len(fields))
		for j, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("prefix row %d: %w", i, err)
			}
			ids[j] = v
		}
		out = append(out, ids)
	}
	return out, nil
}

func printRows(w io.Writer, rows [][]int, seed int64, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		return enc.Encode(struct {
			Seed      int64   `json:"seed"`
			Sequences [][]int `json:"sequences"`
		}{seed, rows})
	}
	for _, row := range rows {
		parts := make([]string, len(row))
		for i, id := range row {
			parts[i] = strconv.Itoa(id)
		}
		if _, err := fmt.Fprintln(w, strings.Join(parts, " ")); err != nil {
			return err
		}
	}
	return nil
}
