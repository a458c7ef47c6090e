package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/auditrisk/internal/anomaly"
	"github.com/mbd888/auditrisk/internal/baseline"
	"github.com/mbd888/auditrisk/internal/engine"
	"github.com/mbd888/auditrisk/internal/entity"
	"github.com/mbd888/auditrisk/internal/feedback"
	"github.com/mbd888/auditrisk/internal/scoring"
)

type scoreOptions struct {
	input     string
	baselines string
	model     string
	feedback  string
	workers   int
	groupBy   string
	timezone  string
	mode      string
	threshold float64
}

func scoreCmd() *cobra.Command {
	opts := scoreOptions{}

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a batch of transactions",
		Long: `Score a batch of transactions and print the batch result as JSON.

The input is a JSON array of transactions or an object with a
"transactions" array. Use "-" to read from stdin.`,
		Example: `  auditctl score --input batch.json --baselines baselines.json
  auditctl score --input - --baselines baselines.json --model model.json < batch.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScore(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.input, "input", "", "transactions file (required)")
	f.StringVar(&opts.baselines, "baselines", "", "baseline artifact (required)")
	f.StringVar(&opts.model, "model", "", "anomaly model artifact")
	f.StringVar(&opts.feedback, "feedback", "", "auditor feedback file (JSON array of feedback submissions)")
	f.IntVar(&opts.workers, "workers", 0, "detector worker count (0 = number of CPUs)")
	f.StringVar(&opts.groupBy, "group-by", string(scoring.GroupByDepartment), "baseline grouping (department, category)")
	f.StringVar(&opts.timezone, "timezone", "UTC", "timezone for off-hours checks and naive timestamps")
	f.StringVar(&opts.mode, "resolver-mode", string(entity.ModeGreedy), "vendor resolution mode (greedy, symmetric)")
	f.Float64Var(&opts.threshold, "resolver-threshold", entity.DefaultThreshold, "vendor similarity threshold")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("baselines")
	return cmd
}

func runScore(cmd *cobra.Command, opts scoreOptions) error {
	ctx := cmd.Context()

	loc, err := time.LoadLocation(opts.timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", opts.timezone, err)
	}
	cfg := scoring.DefaultConfig()
	cfg.Location = loc
	cfg.BaselineGroupBy = scoring.GroupBy(opts.groupBy)
	if err := cfg.Validate(); err != nil {
		return err
	}

	baselines, err := baseline.LoadFile(opts.baselines)
	if err != nil {
		return err
	}

	resolver := entity.NewResolver(
		entity.WithMode(entity.Mode(opts.mode)),
		entity.WithThreshold(opts.threshold),
	)
	fbStore := feedback.NewMemoryStore()

	engineOpts := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithResolver(resolver),
		engine.WithFeedback(fbStore),
		engine.WithWorkers(opts.workers),
	}
	if model := loadModel(opts.model); model != nil {
		engineOpts = append(engineOpts, engine.WithModel(model))
	}

	eng, err := engine.New(baselines, engineOpts...)
	if err != nil {
		return err
	}

	if opts.feedback != "" {
		if err := loadFeedback(cmd, opts.feedback, feedback.NewService(fbStore, eng)); err != nil {
			return err
		}
	}

	inputs, err := readInputs(opts.input, cmd.InOrStdin())
	if err != nil {
		return err
	}

	result, err := eng.ScoreBatch(ctx, inputs)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

// loadModel returns nil without a path. A model that fails to load is kept
// as Unavailable so results report the anomaly detector as skipped.
func loadModel(path string) anomaly.Model {
	if path == "" {
		return nil
	}
	forest, err := anomaly.LoadFile(path)
	if err != nil {
		slog.Warn("anomaly model unavailable, scoring degraded", "path", path, "error", err)
		return anomaly.Unavailable{Reason: err}
	}
	return forest
}

func loadFeedback(cmd *cobra.Command, path string, svc *feedback.Service) error {
	data, err := readFile(path, cmd.InOrStdin())
	if err != nil {
		return err
	}
	var reqs []feedback.SubmitRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for i, req := range reqs {
		if _, err := svc.Submit(cmd.Context(), req); err != nil {
			return fmt.Errorf("feedback entry %d: %w", i, err)
		}
	}
	return nil
}
