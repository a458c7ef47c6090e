package main

import (
	"github.com/spf13/cobra"

	"github.com/mbd888/auditrisk/internal/entity"
)

func resolveCmd() *cobra.Command {
	var mode string
	var threshold float64

	cmd := &cobra.Command{
		Use:   "resolve <vendor-id>...",
		Short: "Resolve vendor spellings to canonical names",
		Long: `Resolve vendor ids against a fresh registry and print a JSON object
mapping each input to its canonical vendor. Ids are registered in the
order given, so the first spelling of a group becomes canonical.`,
		Example: `  auditctl resolve "Acme Corp" "ACME Corp." "Globex"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := entity.NewResolver(
				entity.WithMode(entity.Mode(mode)),
				entity.WithThreshold(threshold),
			)
			return writeJSON(cmd.OutOrStdout(), resolver.ResolveAll(args))
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(entity.ModeGreedy), "resolution mode (greedy, symmetric)")
	cmd.Flags().Float64Var(&threshold, "threshold", entity.DefaultThreshold, "similarity threshold")
	return cmd
}
