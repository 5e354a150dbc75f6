package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moegpt/internal/journal"
)

func historyCmd() *cli.Command {
	var (
		journalPath string
		runID       string
	)

	return &cli.Command{
		Name:  "history",
		Usage: "Show training runs recorded in a journal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "journal",
				Usage:       "SQLite journal written by train --journal",
				Value:       "moegpt.db",
				Destination: &journalPath,
			},
			&cli.StringFlag{
				Name:        "run",
				Usage:       "list the epochs of one run",
				Destination: &runID,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if fileConfig.Train.Journal != "" && !cmd.IsSet("journal") {
				journalPath = fileConfig.Train.Journal
			}
			if _, err := os.Stat(journalPath); err != nil {
				return fmt.Errorf("journal: %w", err)
			}
			j, err := journal.Open(journalPath)
			if err != nil {
				return err
			}
			defer j.Close()

			if runID != "" {
				epochs, err := j.Epochs(ctx, runID)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(epochs))
				for _, e := range epochs {
					val := "-"
					if e.ValLoss != nil {
						val = strconv.FormatFloat(*e.ValLoss, 'g', 6, 64)
					}
					rows = append(rows, []string{
						strconv.Itoa(e.Epoch),
						strconv.Itoa(e.Steps),
						strconv.FormatFloat(e.TrainLoss, 'g', 6, 64),
						val,
						strconv.FormatBool(e.Saved),
						e.Duration.Round(time.Millisecond).String(),
					})
				}
				renderTable(os.Stdout, []string{"EPOCH", "STEPS", "TRAIN LOSS", "VAL LOSS", "SAVED", "DURATION"}, rows)
				return nil
			}

			runs, err := j.Runs(ctx)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID,
					r.Started.Local().Format(time.DateTime),
					strconv.Itoa(r.Devices),
					r.Sync,
					r.Optimizer,
					strconv.FormatFloat(r.LearningRate, 'g', -1, 64),
					strconv.Itoa(r.Params),
					r.WeightsFile,
				})
			}
			renderTable(os.Stdout, []string{"RUN", "STARTED", "DEVICES", "SYNC", "OPTIMIZER", "LR", "PARAMS", "WEIGHTS"}, rows)
			return nil
		},
	}
}
