package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/auditrisk/internal/anomaly"
)

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage the anomaly model",
	}
	cmd.AddCommand(modelTrainCmd())
	return cmd
}

func modelTrainCmd() *cobra.Command {
	defaults := anomaly.DefaultTrainOptions()
	opts := defaults
	var input, output, timezone string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train an isolation forest on historical amounts",
		Example: `  auditctl model train --input history.json --output model.json
  auditctl model train --input history.json --output model.json --trees 200 --seed 7`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := time.LoadLocation(timezone)
			if err != nil {
				return fmt.Errorf("invalid timezone %q: %w", timezone, err)
			}
			inputs, err := readInputs(input, cmd.InOrStdin())
			if err != nil {
				return err
			}
			txs, rejected := parseAll(inputs, loc)
			if rejected > 0 {
				slog.Warn("skipped invalid transactions", "count", rejected)
			}
			if len(txs) == 0 {
				return errors.New("no valid transactions to train on")
			}

			amounts := make([]float64, len(txs))
			for i, tx := range txs {
				amounts[i] = tx.AmountFloat()
			}
			forest := anomaly.Train(amounts, opts)
			if err := forest.WriteFile(output); err != nil {
				return err
			}

			info := forest.Info()
			fmt.Fprintf(cmd.OutOrStdout(), "wrote model to %s (%d trees, %d samples)\n",
				output, info.Trees, len(amounts))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&input, "input", "", "historical transactions file (required)")
	f.StringVar(&output, "output", "model.json", "artifact path")
	f.StringVar(&timezone, "timezone", "UTC", "timezone for naive timestamps")
	f.IntVar(&opts.Trees, "trees", defaults.Trees, "number of trees")
	f.IntVar(&opts.SampleSize, "sample-size", defaults.SampleSize, "subsample size per tree")
	f.Float64Var(&opts.Threshold, "threshold", defaults.Threshold, "anomaly score threshold")
	f.Uint64Var(&opts.Seed, "seed", defaults.Seed, "random seed")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
