package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/mbd888/auditrisk/internal/baseline"
	"github.com/mbd888/auditrisk/internal/scoring"
	"github.com/mbd888/auditrisk/migrations"
)

func baselinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baselines",
		Short: "Manage baseline profiles",
	}
	cmd.AddCommand(baselinesBuildCmd())
	return cmd
}

func baselinesBuildCmd() *cobra.Command {
	var input, output, groupBy, timezone, databaseURL string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build baseline profiles from historical transactions",
		Long: `Compute per-group amount statistics (mean, standard deviation, quartiles)
from historical transactions and write them as a baseline artifact. With
--database-url the profiles are also upserted into Postgres.`,
		Example: `  auditctl baselines build --input history.json --output baselines.json
  auditctl baselines build --input history.json --output baselines.json --group-by category`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			by := scoring.GroupBy(groupBy)
			if by != scoring.GroupByDepartment && by != scoring.GroupByCategory {
				return fmt.Errorf("unknown baseline grouping %q", groupBy)
			}
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

			amounts := make(map[string][]float64)
			for _, tx := range txs {
				key := groupKey(tx, by)
				amounts[key] = append(amounts[key], tx.AmountFloat())
			}
			profiles := make(map[string]baseline.Profile, len(amounts))
			for key, values := range amounts {
				profiles[key] = baseline.Compute(values)
			}
			if len(profiles) == 0 {
				return baseline.ErrNoBaselines
			}

			if err := baseline.WriteFile(output, groupBy, baseline.NewSnapshot(profiles)); err != nil {
				return err
			}
			if databaseURL != "" {
				if err := saveBaselines(cmd, databaseURL, profiles); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d profiles to %s\n", len(profiles), output)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&input, "input", "", "historical transactions file (required)")
	f.StringVar(&output, "output", "baselines.json", "artifact path")
	f.StringVar(&groupBy, "group-by", string(scoring.GroupByDepartment), "grouping key (department, category)")
	f.StringVar(&timezone, "timezone", "UTC", "timezone for naive timestamps")
	f.StringVar(&databaseURL, "database-url", "", "also store profiles in this Postgres database")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func saveBaselines(cmd *cobra.Command, dsn string, profiles map[string]baseline.Profile) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := migrations.Up(cmd.Context(), db); err != nil {
		return err
	}
	return baseline.NewPostgresStore(db).Save(cmd.Context(), profiles)
}
