package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moegpt/internal/checkpoint"
)

func inspectCmd() *cli.Command {
	var (
		weights string
		filter  string
		limit   int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors and metadata of a checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "checkpoint file",
				Value:       "params.safetensors",
				Destination: &weights,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "only list tensors whose name contains this string",
				Destination: &filter,
			},
			&cli.IntFlag{
				Name:        "limit",
				Usage:       "maximum number of tensors to list (0 for all)",
				Destination: &limit,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := checkpoint.Open(weights)
			if err != nil {
				return err
			}
			defer f.Close()
			return describeCheckpoint(os.Stdout, f, filter, limit)
		},
	}
}

func describeCheckpoint(w io.Writer, f *checkpoint.File, filter string, limit int) error {
	if _, err := fmt.Fprintf(w, "file: %s\n\n", f.Path); err != nil {
		return err
	}

	keys := make([]string, 0, len(f.Metadata))
	for k := range f.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	meta := make([][]string, 0, len(keys))
	for _, k := range keys {
		meta = append(meta, []string{k, f.Metadata[k]})
	}
	renderTable(w, []string{"KEY", "VALUE"}, meta)
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}

	var rows [][]string
	var matched int
	var total int64
	for _, t := range f.Tensors {
		if filter != "" && !strings.Contains(t.Name, filter) {
			continue
		}
		elems := int64(1)
		for _, d := range t.Shape {
			elems *= int64(d)
		}
		matched++
		total += elems
		if limit > 0 && len(rows) >= limit {
			continue
		}
		rows = append(rows, []string{t.Name, string(t.DType), formatShape(t.Shape), strconv.FormatInt(elems, 10)})
	}
	renderTable(w, []string{"NAME", "DTYPE", "SHAPE", "ELEMENTS"}, rows)
	_, err := fmt.Fprintf(w, "\ntensors: %d  elements: %d\n", matched, total)
	return err
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
